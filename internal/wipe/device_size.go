package wipe

import (
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// deviceSize returns the byte size of an opened device. Block devices answer
// BLKGETSIZE64; anything else is measured by seeking to its end.
func deviceSize(dev BlockDevice) (uint64, error) {
	if f, ok := dev.(interface{ Fd() uintptr }); ok {
		var n uint64
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&n))); errno == 0 {
			return n, nil
		}
	}
	s, ok := dev.(io.Seeker)
	if !ok {
		return 0, errors.New("device size cannot be determined")
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "seek to device end")
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "seek to device start")
	}
	return uint64(end), nil
}
