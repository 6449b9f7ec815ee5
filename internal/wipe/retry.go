package wipe

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"cryptowipe/internal/system"
)

// RetryPolicy decides how often container creation may be retried.
type RetryPolicy interface {
	Name() string
	// BackOff returns a fresh schedule for one session.
	BackOff() backoff.BackOff
}

// RemovableRetryPolicy retries a fixed number of times with a constant pause.
// Freshly unmounted USB and SD media often reject the first format.
type RemovableRetryPolicy struct {
	Retries int
	Delay   time.Duration
}

func (p RemovableRetryPolicy) Name() string { return "removable" }

func (p RemovableRetryPolicy) BackOff() backoff.BackOff {
	if p.Retries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.Retries))
}

// FixedRetryPolicy never retries.
type FixedRetryPolicy struct{}

func (FixedRetryPolicy) Name() string { return "fixed" }

func (FixedRetryPolicy) BackOff() backoff.BackOff { return &backoff.StopBackOff{} }

// PolicyFor selects the retry policy by device class.
func PolicyFor(desc system.DeviceDescriptor, opts Options) RetryPolicy {
	if desc.Removable {
		return RemovableRetryPolicy{Retries: opts.RemovableRetries, Delay: opts.RetryDelay}
	}
	return FixedRetryPolicy{}
}
