package wipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptowipe/internal/system"
)

var (
	regDisk  = system.DeviceDescriptor{Path: "/dev/sdb", Name: "sdb", Kind: system.KindDisk}
	regPart1 = system.DeviceDescriptor{Path: "/dev/sdb1", Name: "sdb1", Kind: system.KindPartition, Parent: "sdb"}
	regPart2 = system.DeviceDescriptor{Path: "/dev/sdb2", Name: "sdb2", Kind: system.KindPartition, Parent: "sdb"}
	regOther = system.DeviceDescriptor{Path: "/dev/sdc", Name: "sdc", Kind: system.KindDisk}
)

func TestRegistryConflicts(t *testing.T) {
	t.Run("disk blocks its partitions", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Acquire(regDisk, "op1", "m1"))
		assert.ErrorIs(t, r.Acquire(regDisk, "op2", "m2"), ErrDeviceBusy)
		assert.ErrorIs(t, r.Acquire(regPart1, "op2", "m2"), ErrDeviceBusy)
		assert.NoError(t, r.Acquire(regOther, "op3", "m3"))
	})

	t.Run("partition blocks its disk but not siblings", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Acquire(regPart1, "op1", "m1"))
		assert.ErrorIs(t, r.Acquire(regDisk, "op2", "m2"), ErrDeviceBusy)
		assert.NoError(t, r.Acquire(regPart2, "op3", "m3"))
		assert.Equal(t, []string{"/dev/sdb1", "/dev/sdb2"}, r.Active())
	})

	t.Run("mapper names are unique", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Acquire(regDisk, "op1", "m1"))
		assert.ErrorIs(t, r.Acquire(regOther, "op2", "m1"), ErrDeviceBusy)
	})
}

func TestRegistryRelease(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Acquire(regDisk, "op1", "m1"))
	r.Release(regDisk.Path)
	r.Release(regDisk.Path)
	assert.Empty(t, r.Active())

	require.NoError(t, r.Acquire(regPart1, "op2", "m1"))
}
