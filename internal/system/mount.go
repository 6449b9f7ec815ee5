package system

import (
	"context"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Mounter queries and removes mounts of a block device.
type Mounter interface {
	// Mounts returns the mount targets of device; an unmounted device yields none.
	Mounts(ctx context.Context, device string) ([]string, error)
	Unmount(ctx context.Context, target string) error
	ForceUnmount(ctx context.Context, target string) error
}

// LinuxMounter uses findmnt for queries and umount2(2) for removal.
type LinuxMounter struct {
	runner  Runner
	unmount func(target string, flags int) error
}

func NewLinuxMounter(runner Runner) *LinuxMounter {
	return &LinuxMounter{runner: runner, unmount: unix.Unmount}
}

func (m *LinuxMounter) Mounts(ctx context.Context, device string) ([]string, error) {
	out, err := m.runner.Run(ctx, Command{
		Name: "findmnt",
		Args: []string{"-rn", "-o", "TARGET", "-S", device},
	})
	if err != nil {
		// findmnt exits 1 when nothing matches.
		if ExitCodeOf(err) == 1 {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to query mounts of %s", device)
	}

	var targets []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		targets = append(targets, unescapeMountTarget(line))
	}
	return targets, nil
}

func (m *LinuxMounter) Unmount(_ context.Context, target string) error {
	return m.umount(target, 0)
}

func (m *LinuxMounter) ForceUnmount(_ context.Context, target string) error {
	return m.umount(target, unix.MNT_FORCE)
}

func (m *LinuxMounter) umount(target string, flags int) error {
	err := m.unmount(target, flags)
	if err == nil || IsNotMounted(err) {
		return nil
	}
	return errors.Wrapf(err, "umount %s", target)
}

// unescapeMountTarget decodes the \xHH escapes findmnt -r uses for blanks
// and other unsafe characters.
func unescapeMountTarget(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
