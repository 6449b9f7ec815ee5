package wipe

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottledWriterUnlimited(t *testing.T) {
	var buf bytes.Buffer
	tw := NewThrottledWriter(context.Background(), &buf, 0, 4096)

	n, err := tw.Write(make([]byte, 10000))
	require.NoError(t, err)
	assert.Equal(t, 10000, n)
	assert.NoError(t, tw.Sync())
}

func TestThrottledWriterSplitsLargeWrites(t *testing.T) {
	var buf bytes.Buffer
	// 1 MiB/s with a 1 KiB bucket: a 4 KiB write needs several refills.
	tw := NewThrottledWriter(context.Background(), &buf, 1, 1024)

	start := time.Now()
	n, err := tw.Write(make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, 4096, buf.Len())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestThrottledWriterHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	tw := NewThrottledWriter(ctx, &buf, 0.001, 16)
	_, err := tw.Write(make([]byte, 1024))
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestThrottledWriterSyncPassthrough(t *testing.T) {
	w := &countingWriter{}
	tw := NewThrottledWriter(context.Background(), w, 0, 0)
	require.NoError(t, tw.Sync())
	assert.True(t, w.synced)
}
