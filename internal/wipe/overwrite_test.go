package wipe

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroReader is a cheap stand-in for the random source in size tests.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

type countingWriter struct {
	bytes  uint64
	writes int
	synced bool
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.bytes += uint64(len(p))
	w.writes++
	return len(p), nil
}

func (w *countingWriter) Sync() error {
	w.synced = true
	return nil
}

func TestOverwriteWritesExactSize(t *testing.T) {
	tests := []struct {
		name      string
		size      uint64
		blockSize int
		writes    uint64
	}{
		{"exact multiple", 4 * 4096, 4096, 4},
		{"truncated tail", 4*4096 + 1, 4096, 5},
		{"smaller than block", 100, 4096, 1},
		{"3GiB in 1MiB blocks", 3 << 30, 1 << 20, 3072},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &countingWriter{}
			var last uint64
			stats, err := overwrite(w, tt.size, tt.blockSize, zeroReader{}, func(written uint64) {
				assert.Greater(t, written, last)
				last = written
			})
			require.NoError(t, err)
			assert.Equal(t, tt.size, stats.Bytes)
			assert.Equal(t, tt.writes, stats.Writes)
			assert.Equal(t, tt.writes, blockCount(tt.size, tt.blockSize))
			assert.Equal(t, tt.size, w.bytes)
			assert.Equal(t, tt.size, last)
			assert.True(t, w.synced)
		})
	}
}

func TestOverwriteUsesRandomData(t *testing.T) {
	var buf bytes.Buffer
	_, err := overwrite(&buf, 64*1024, 4096, rand.Reader, nil)
	require.NoError(t, err)
	assert.Greater(t, shannonEntropy(buf.Bytes()), 7.9)
}

func TestOverwriteReportsFailureOffset(t *testing.T) {
	dev := &failingDevice{failAt: 10000}
	stats, err := overwrite(dev, 64*1024, 4096, zeroReader{}, nil)

	var ioErr *OverwriteIoError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, uint64(10000), ioErr.Offset)
	assert.Equal(t, uint64(8192), stats.Bytes)
	assert.Equal(t, uint64(2), stats.Writes)
}

func TestOverwriteRandomSourceFailure(t *testing.T) {
	_, err := overwrite(io.Discard, 4096, 4096, bytes.NewReader(make([]byte, 10)), nil)

	var ioErr *OverwriteIoError
	require.True(t, errors.As(err, &ioErr))
	assert.Zero(t, ioErr.Offset)
}

func TestOverwriteRejectsBadBlockSize(t *testing.T) {
	_, err := overwrite(io.Discard, 10, 0, zeroReader{}, nil)
	assert.Error(t, err)
	assert.Zero(t, blockCount(10, 0))
}
