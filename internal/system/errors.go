package system

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrStillMounted   = errors.New("filesystem still mounted")
)

// EnumerationError reports that the device list could not be produced.
type EnumerationError struct {
	Cause error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("device enumeration failed: %v", e.Cause)
}

func (e *EnumerationError) Unwrap() error { return e.Cause }

// UnmountError reports that a filesystem on or under Device stayed mounted.
type UnmountError struct {
	Device string
	Target string
	Cause  error
}

func (e *UnmountError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("cannot unmount %s from %s: %v", e.Target, e.Device, e.Cause)
	}
	return fmt.Sprintf("cannot unmount %s: %v", e.Device, e.Cause)
}

func (e *UnmountError) Unwrap() error { return e.Cause }
