package system

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/logging"
)

const lsblkColumns = "NAME,PATH,SIZE,TYPE,MOUNTPOINT,MODEL,PKNAME"

// ignoredPrefixes are virtual or optical devices that are never wipe targets.
var ignoredPrefixes = []string{"loop", "ram", "zram", "sr"}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       lsblkSize     `json:"size"`
	Type       string        `json:"type"`
	MountPoint *string       `json:"mountpoint"`
	Model      *string       `json:"model"`
	PkName     *string       `json:"pkname"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

// lsblkSize accepts both the numeric and the quoted form; lsblk switched
// between them across util-linux releases.
type lsblkSize uint64

func (s *lsblkSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = 0
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	if raw == "" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid lsblk size %q", raw)
	}
	*s = lsblkSize(n)
	return nil
}

func (d lsblkDevice) devPath() string {
	if d.Path != "" {
		return d.Path
	}
	return "/dev/" + d.Name
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// Catalog enumerates candidate block devices via lsblk and sysfs.
type Catalog struct {
	runner    Runner
	sysfsRoot string
	logger    *logging.EnterpriseLogger
}

func NewCatalog(runner Runner, logger *logging.EnterpriseLogger) *Catalog {
	return &Catalog{runner: runner, sysfsRoot: "/sys", logger: logger}
}

// WithSysfsRoot points removability lookups at an alternative sysfs tree.
func (c *Catalog) WithSysfsRoot(root string) *Catalog {
	c.sysfsRoot = root
	return c
}

// List returns every whole disk and partition, excluding loop, ram, zram and
// optical devices. An empty result is not an error.
func (c *Catalog) List(ctx context.Context) ([]DeviceDescriptor, error) {
	out, err := c.runner.Run(ctx, Command{
		Name: "lsblk",
		Args: []string{"-J", "-b", "-o", lsblkColumns},
	})
	if err != nil {
		return nil, &EnumerationError{Cause: err}
	}

	devices, err := parseLsblk([]byte(out))
	if err != nil {
		return nil, &EnumerationError{Cause: err}
	}

	result := make([]DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		d.Removable = c.isRemovable(d.BaseName())
		result = append(result, d)
	}

	c.logger.Log("DEBUG", "Enumerated block devices", "count", len(result))
	return result, nil
}

// Lookup returns the current descriptor of one device path.
func (c *Catalog) Lookup(ctx context.Context, path string) (DeviceDescriptor, error) {
	devices, err := c.List(ctx)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	for _, d := range devices {
		if d.Path == path {
			return d, nil
		}
	}
	return DeviceDescriptor{}, errors.Wrapf(ErrDeviceNotFound, "%s", path)
}

// Descendants returns the paths of every device nested under path
// (partitions, and anything stacked on them), depth first.
func (c *Catalog) Descendants(ctx context.Context, path string) ([]string, error) {
	out, err := c.runner.Run(ctx, Command{
		Name: "lsblk",
		Args: []string{"-J", "-b", "-o", lsblkColumns, path},
	})
	if err != nil {
		return nil, &EnumerationError{Cause: err}
	}

	var parsed lsblkOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, &EnumerationError{Cause: errors.Wrap(err, "failed to parse lsblk output")}
	}

	var paths []string
	var walk func([]lsblkDevice)
	walk = func(children []lsblkDevice) {
		for _, ch := range children {
			paths = append(paths, ch.devPath())
			walk(ch.Children)
		}
	}
	for _, root := range parsed.Blockdevices {
		walk(root.Children)
	}
	return paths, nil
}

// SystemDevices returns the set of device paths that back the root
// filesystem, including every layer below it (partition, disk, LVM, dm-crypt).
func (c *Catalog) SystemDevices(ctx context.Context) (map[string]bool, error) {
	out, err := c.runner.Run(ctx, Command{
		Name: "findmnt",
		Args: []string{"-n", "-o", "SOURCE", "/"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find root filesystem source")
	}
	source := rootSource(out)
	if !strings.HasPrefix(source, "/dev/") {
		// tmpfs, overlay or network root: no local disk to protect.
		return map[string]bool{}, nil
	}

	out, err = c.runner.Run(ctx, Command{
		Name: "lsblk",
		Args: []string{"-J", "-s", "-o", "NAME,PATH,TYPE", source},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve devices below %s", source)
	}

	var parsed lsblkOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse lsblk output")
	}

	result := map[string]bool{source: true}
	var walk func([]lsblkDevice)
	walk = func(devs []lsblkDevice) {
		for _, d := range devs {
			result[d.devPath()] = true
			walk(d.Children)
		}
	}
	walk(parsed.Blockdevices)
	return result, nil
}

// rootSource strips the btrfs subvolume suffix findmnt appends, e.g. "/dev/sda2[/@]".
func rootSource(out string) string {
	source := strings.TrimSpace(out)
	if i := strings.IndexByte(source, '['); i > 0 {
		source = source[:i]
	}
	return source
}

// parseLsblk flattens lsblk's nested JSON into disks and partitions.
func parseLsblk(data []byte) ([]DeviceDescriptor, error) {
	var parsed lsblkOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse lsblk output")
	}

	var result []DeviceDescriptor
	var walk func(devs []lsblkDevice, parent string)
	walk = func(devs []lsblkDevice, parent string) {
		for _, d := range devs {
			if !isIgnored(d) {
				desc := DeviceDescriptor{
					Path:       d.devPath(),
					Name:       d.Name,
					Size:       uint64(d.Size),
					Kind:       DeviceKind(d.Type),
					MountPoint: deref(d.MountPoint),
					Model:      deref(d.Model),
				}
				if desc.Kind == KindPartition {
					desc.Parent = deref(d.PkName)
					if desc.Parent == "" {
						desc.Parent = parent
					}
				}
				result = append(result, desc)
			}
			walk(d.Children, d.Name)
		}
	}
	walk(parsed.Blockdevices, "")
	return result, nil
}

func isIgnored(d lsblkDevice) bool {
	if d.Type != string(KindDisk) && d.Type != string(KindPartition) {
		return true
	}
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(d.Name, prefix) {
			return true
		}
	}
	return false
}

// isRemovable reads the kernel's removable flag for a whole disk and falls back
// to a name heuristic when sysfs is unavailable.
func (c *Catalog) isRemovable(base string) bool {
	data, err := os.ReadFile(filepath.Join(c.sysfsRoot, "block", base, "removable"))
	if err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	return removableByName(base)
}

// removableByName treats every SCSI disk after the first, and SD/MMC cards, as removable.
func removableByName(base string) bool {
	if strings.HasPrefix(base, "mmcblk") {
		return true
	}
	return strings.HasPrefix(base, "sd") && base != "sda"
}
