package system

import (
	"fmt"
	"path/filepath"
)

type DeviceKind string

const (
	KindDisk      DeviceKind = "disk"
	KindPartition DeviceKind = "part"
)

// DeviceDescriptor is an immutable snapshot of one candidate block device.
type DeviceDescriptor struct {
	Path       string     `json:"path"`
	Name       string     `json:"name"`
	Size       uint64     `json:"size"`
	Kind       DeviceKind `json:"kind"`
	MountPoint string     `json:"mount_point,omitempty"`
	Removable  bool       `json:"removable"`
	Model      string     `json:"model,omitempty"`
	// Parent is the whole-disk name for partitions, empty for disks.
	Parent string `json:"parent,omitempty"`
}

// BaseName is the whole-disk kernel name backing the device.
func (d DeviceDescriptor) BaseName() string {
	if d.Kind == KindPartition && d.Parent != "" {
		return d.Parent
	}
	if d.Name != "" {
		return d.Name
	}
	return filepath.Base(d.Path)
}

// ParentPath is the /dev path of the whole disk for partitions, empty otherwise.
func (d DeviceDescriptor) ParentPath() string {
	if d.Kind != KindPartition || d.Parent == "" {
		return ""
	}
	return "/dev/" + d.Parent
}

func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Path, d.Kind, FormatBytes(d.Size))
}

// FormatBytes renders a size with binary units.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
