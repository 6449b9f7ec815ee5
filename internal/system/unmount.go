package system

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/logging"
)

// Topology resolves the devices stacked under a whole disk.
type Topology interface {
	Descendants(ctx context.Context, device string) ([]string, error)
}

// UnmountGuard makes sure nothing on a device, or on any of its partitions,
// is mounted before the device is written to.
type UnmountGuard struct {
	mounter  Mounter
	topology Topology
	settle   time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *logging.EnterpriseLogger
}

func NewUnmountGuard(mounter Mounter, topology Topology, settle time.Duration, logger *logging.EnterpriseLogger) *UnmountGuard {
	return &UnmountGuard{
		mounter:  mounter,
		topology: topology,
		settle:   settle,
		sleep:    sleepContext,
		logger:   logger,
	}
}

type mountRef struct {
	device string
	target string
}

// EnsureUnmounted unmounts every filesystem on desc and its descendants,
// deepest mount target first. Each target gets one normal and one forced
// attempt. The call succeeds only if a final query finds nothing mounted.
func (g *UnmountGuard) EnsureUnmounted(ctx context.Context, desc DeviceDescriptor) error {
	devices, err := g.devicesOf(ctx, desc)
	if err != nil {
		return &UnmountError{Device: desc.Path, Cause: err}
	}

	refs, err := g.collectMounts(ctx, devices)
	if err != nil {
		return &UnmountError{Device: desc.Path, Cause: err}
	}

	sort.SliceStable(refs, func(i, j int) bool {
		return mountDepth(refs[i].target) > mountDepth(refs[j].target)
	})

	for _, ref := range refs {
		g.logger.Log("INFO", "Unmounting filesystem", "device", ref.device, "target", ref.target)

		err := g.mounter.Unmount(ctx, ref.target)
		if err == nil {
			continue
		}
		g.logger.Log("WARN", "Unmount failed, forcing", "device", ref.device, "target", ref.target, "error", err.Error())

		if ferr := g.mounter.ForceUnmount(ctx, ref.target); ferr != nil {
			return &UnmountError{
				Device: ref.device,
				Target: ref.target,
				Cause:  errors.CombineErrors(err, ferr),
			}
		}
	}

	if len(refs) > 0 || desc.Removable {
		if err := g.sleep(ctx, g.settle); err != nil {
			return &UnmountError{Device: desc.Path, Cause: err}
		}
	}

	remaining, err := g.collectMounts(ctx, devices)
	if err != nil {
		return &UnmountError{Device: desc.Path, Cause: err}
	}
	if len(remaining) > 0 {
		return &UnmountError{
			Device: remaining[0].device,
			Target: remaining[0].target,
			Cause:  ErrStillMounted,
		}
	}

	return nil
}

// devicesOf lists desc and, for whole disks, everything stacked below it.
func (g *UnmountGuard) devicesOf(ctx context.Context, desc DeviceDescriptor) ([]string, error) {
	if desc.Kind != KindDisk || g.topology == nil {
		return []string{desc.Path}, nil
	}
	children, err := g.topology.Descendants(ctx, desc.Path)
	if err != nil {
		return nil, err
	}
	return append(children, desc.Path), nil
}

func (g *UnmountGuard) collectMounts(ctx context.Context, devices []string) ([]mountRef, error) {
	var refs []mountRef
	for _, dev := range devices {
		targets, err := g.mounter.Mounts(ctx, dev)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			refs = append(refs, mountRef{device: dev, target: target})
		}
	}
	return refs, nil
}

func mountDepth(target string) int {
	if target == "/" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(target, "/"), "/")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
