package wipe

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/system"
)

type registryEntry struct {
	device      system.DeviceDescriptor
	operationID string
	mapper      string
}

// Registry grants each device at most one running session. A disk and its
// partitions conflict with each other; sibling partitions do not.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
	mappers map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[string]registryEntry{},
		mappers: map[string]string{},
	}
}

func (r *Registry) Acquire(desc system.DeviceDescriptor, operationID, mapper string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for path, held := range r.entries {
		if overlaps(desc, held.device) {
			return errors.Wrapf(ErrDeviceBusy, "%s is held by operation %s on %s", desc.Path, held.operationID, path)
		}
	}
	if owner, ok := r.mappers[mapper]; ok {
		return errors.Wrapf(ErrDeviceBusy, "mapper %s is in use by %s", mapper, owner)
	}

	r.entries[desc.Path] = registryEntry{device: desc, operationID: operationID, mapper: mapper}
	r.mappers[mapper] = desc.Path
	return nil
}

func (r *Registry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok {
		delete(r.mappers, e.mapper)
		delete(r.entries, path)
	}
}

// Active returns the device paths with a running session, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.entries))
	for p := range r.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func overlaps(a, b system.DeviceDescriptor) bool {
	if a.Path == b.Path {
		return true
	}
	if pa := a.ParentPath(); pa != "" && pa == b.Path {
		return true
	}
	if pb := b.ParentPath(); pb != "" && pb == a.Path {
		return true
	}
	return false
}
