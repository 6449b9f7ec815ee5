package system

import (
	"os"
	"strings"
)

// IsRoot reports whether the process runs with an effective uid of 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsSystemDevice reports whether desc, or the disk it belongs to, backs the
// root filesystem according to the set returned by Catalog.SystemDevices.
func IsSystemDevice(desc DeviceDescriptor, rootDevs map[string]bool) bool {
	if rootDevs[desc.Path] {
		return true
	}
	if parent := desc.ParentPath(); parent != "" && rootDevs[parent] {
		return true
	}
	// A whole disk is a system disk when any of its partitions is.
	if desc.Kind == KindDisk {
		for path := range rootDevs {
			if strings.HasPrefix(path, desc.Path) && path != desc.Path && isPartitionSuffix(path[len(desc.Path):]) {
				return true
			}
		}
	}
	return false
}

// isPartitionSuffix matches "1", "p1" and similar kernel partition suffixes.
func isPartitionSuffix(s string) bool {
	s = strings.TrimPrefix(s, "p")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
