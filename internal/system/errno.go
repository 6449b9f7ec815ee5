package system

import (
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// IsErrno reports whether err wraps the given errno.
func IsErrno(err error, code unix.Errno) bool {
	if err == nil {
		return false
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == code
	}
	return false
}

// IsNotMounted reports whether an unmount failed only because nothing is mounted.
func IsNotMounted(err error) bool {
	return IsErrno(err, unix.EINVAL) || IsErrno(err, unix.ENOENT)
}

// IsBusy reports whether the kernel refused because the target is in use.
func IsBusy(err error) bool {
	if IsErrno(err, unix.EBUSY) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}

// IsNoSpace reports a write past the end of the device.
func IsNoSpace(err error) bool {
	if IsErrno(err, unix.ENOSPC) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no space")
}
