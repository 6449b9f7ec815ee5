package wipe

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// ThrottledWriter caps write throughput with a token bucket.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
	mu      sync.Mutex
}

// NewThrottledWriter wraps w. maxSpeedMBps <= 0 disables throttling. burst is
// the largest single write expected, normally the block size.
func NewThrottledWriter(ctx context.Context, w io.Writer, maxSpeedMBps float64, burst int) *ThrottledWriter {
	tw := &ThrottledWriter{w: w, ctx: ctx}
	if maxSpeedMBps > 0 {
		bytesPerSec := maxSpeedMBps * 1024 * 1024
		if burst <= 0 {
			burst = 1024 * 1024
		}
		tw.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return tw
}

func (tw *ThrottledWriter) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.limiter != nil {
		if err := tw.waitN(len(data)); err != nil {
			return 0, err
		}
	}
	return tw.w.Write(data)
}

// waitN splits requests larger than the bucket so WaitN never rejects them.
func (tw *ThrottledWriter) waitN(n int) error {
	burst := tw.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return errors.Wrap(err, "throttle wait")
		}
		n -= chunk
	}
	return nil
}

// Sync flushes the underlying writer when it supports it.
func (tw *ThrottledWriter) Sync() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if s, ok := tw.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}
