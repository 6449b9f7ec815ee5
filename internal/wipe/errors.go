package wipe

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDeviceBusy is returned by Start when the device, its parent disk or
	// one of its partitions already has a running session.
	ErrDeviceBusy = errors.New("device already has an active wipe session")

	// ErrCancelled is returned when the caller cancels before the first
	// destructive step.
	ErrCancelled = errors.New("wipe cancelled before the device was modified")
)

type KeyGenerationError struct {
	Cause error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("key generation failed: %v", e.Cause)
}

func (e *KeyGenerationError) Unwrap() error { return e.Cause }

type ContainerFormatError struct {
	Device     string
	Diagnostic string
	Attempts   int
	Cause      error
}

func (e *ContainerFormatError) Error() string {
	return fmt.Sprintf("cannot create LUKS container on %s after %d attempt(s): %s", e.Device, e.Attempts, e.Diagnostic)
}

func (e *ContainerFormatError) Unwrap() error { return e.Cause }

type ContainerOpenError struct {
	Diagnostic string
	Cause      error
}

func (e *ContainerOpenError) Error() string {
	return fmt.Sprintf("cannot open LUKS container: %s", e.Diagnostic)
}

func (e *ContainerOpenError) Unwrap() error { return e.Cause }

type ContainerCloseError struct {
	Mapper     string
	Diagnostic string
	Cause      error
}

func (e *ContainerCloseError) Error() string {
	return fmt.Sprintf("cannot close mapper %s: %s", e.Mapper, e.Diagnostic)
}

func (e *ContainerCloseError) Unwrap() error { return e.Cause }

// OverwriteIoError reports the byte offset at which the overwrite stopped.
type OverwriteIoError struct {
	Offset uint64
	Cause  error
}

func (e *OverwriteIoError) Error() string {
	return fmt.Sprintf("overwrite failed at offset %d: %v", e.Offset, e.Cause)
}

func (e *OverwriteIoError) Unwrap() error { return e.Cause }

type KeyDestructionError struct {
	Cause error
}

func (e *KeyDestructionError) Error() string {
	return fmt.Sprintf("header destruction failed: %v", e.Cause)
}

func (e *KeyDestructionError) Unwrap() error { return e.Cause }

// VerificationError reports why the read-back rejected the device content.
type VerificationError struct {
	Reason string
	Offset uint64
	Cause  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed at offset %d: %s", e.Offset, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Cause }
