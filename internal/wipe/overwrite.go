package wipe

import (
	"io"

	"github.com/cockroachdb/errors"
)

// overwriteStats counts what an overwrite pass actually did.
type overwriteStats struct {
	Bytes  uint64
	Writes uint64
}

// overwrite writes exactly size bytes of data from rnd to w in blocks of
// blockSize; the final block is truncated. progress is called after every
// block with the running byte count. The writer is synced at the end.
func overwrite(w io.Writer, size uint64, blockSize int, rnd io.Reader, progress func(written uint64)) (overwriteStats, error) {
	var stats overwriteStats
	if blockSize <= 0 {
		return stats, errors.Newf("invalid block size %d", blockSize)
	}

	buf := GetBuffer(blockSize)
	defer PutBuffer(buf)

	for stats.Bytes < size {
		toWrite := blockSize
		if remaining := size - stats.Bytes; remaining < uint64(toWrite) {
			toWrite = int(remaining)
		}

		b := buf[:toWrite]
		if err := FillRandom(b, rnd); err != nil {
			return stats, &OverwriteIoError{Offset: stats.Bytes, Cause: err}
		}

		off := 0
		for off < toWrite {
			n, err := w.Write(b[off:])
			if n > 0 {
				off += n
			}
			if err != nil {
				return stats, &OverwriteIoError{Offset: stats.Bytes + uint64(off), Cause: err}
			}
			if n == 0 {
				return stats, &OverwriteIoError{Offset: stats.Bytes + uint64(off), Cause: io.ErrShortWrite}
			}
		}

		stats.Bytes += uint64(toWrite)
		stats.Writes++
		if progress != nil {
			progress(stats.Bytes)
		}
	}

	if s, ok := w.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return stats, &OverwriteIoError{Offset: stats.Bytes, Cause: errors.Wrap(err, "sync")}
		}
	}

	return stats, nil
}

// blockCount is the number of block writes needed to cover size bytes.
func blockCount(size uint64, blockSize int) uint64 {
	if blockSize <= 0 {
		return 0
	}
	b := uint64(blockSize)
	return (size + b - 1) / b
}
