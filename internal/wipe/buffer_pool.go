package wipe

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
)

// BufferPool recycles block buffers between sessions.
type BufferPool struct {
	pools map[int]*sync.Pool
	mu    sync.RWMutex
}

var globalBufferPool = &BufferPool{
	pools: make(map[int]*sync.Pool),
}

// GetBuffer returns a buffer of exactly size bytes.
func GetBuffer(size int) []byte {
	if size <= 0 {
		return nil
	}

	return globalBufferPool.getBuffer(size)
}

// PutBuffer zeroes buf and returns it to the pool.
func PutBuffer(buf []byte) {
	if cap(buf) == 0 {
		return
	}

	globalBufferPool.putBuffer(buf)
}

func (bp *BufferPool) getBuffer(size int) []byte {
	poolSize := bp.getPoolSize(size)

	bp.mu.RLock()
	pool, exists := bp.pools[poolSize]
	bp.mu.RUnlock()

	if !exists {
		bp.mu.Lock()
		pool, exists = bp.pools[poolSize]
		if !exists {
			pool = &sync.Pool{
				New: func() interface{} {
					return make([]byte, poolSize)
				},
			}
			bp.pools[poolSize] = pool
		}
		bp.mu.Unlock()
	}

	buf := pool.Get().([]byte)
	return buf[:size]
}

func (bp *BufferPool) putBuffer(buf []byte) {
	capacity := cap(buf)
	poolSize := bp.getPoolSize(capacity)
	if poolSize != capacity {
		return // not one of ours
	}

	bp.mu.RLock()
	pool, exists := bp.pools[poolSize]
	bp.mu.RUnlock()

	if exists {
		full := buf[:capacity]
		clear(full)
		pool.Put(full)
	}
}

// getPoolSize rounds size up to a power-of-two class, or to 4KiB above 64MiB.
func (bp *BufferPool) getPoolSize(size int) int {
	sizes := []int{4096, 65536, 1048576, 4194304, 16777216, 67108864}

	for _, poolSize := range sizes {
		if size <= poolSize {
			return poolSize
		}
	}

	return ((size + 4095) / 4096) * 4096
}

// FillRandom fills buf completely from rnd. There is no weaker fallback: a
// failing random source aborts the wipe.
func FillRandom(buf []byte, rnd io.Reader) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return errors.Wrap(err, "failed to generate random data")
	}
	return nil
}
