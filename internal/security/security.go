package security

import (
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/config"
	"cryptowipe/internal/system"
)

// Overridden in tests.
var (
	isRoot   = system.IsRoot
	lookPath = exec.LookPath
)

// SecurityChecks verifies the process may run a wipe at all: root privileges
// when required and every external tool on PATH.
func SecurityChecks(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}

	if cfg.Security.RequireRoot && !isRoot() {
		return errors.WithHint(errors.New("root privileges are required"),
			"rerun with sudo, or set security.require_root: false for image files")
	}

	var missing []string
	for _, tool := range cfg.Security.RequiredTools {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return errors.WithHintf(errors.Newf("required tools not found: %s", strings.Join(missing, ", ")),
			"install them, e.g. the cryptsetup and util-linux packages")
	}

	return nil
}

// ShouldSkipDevice applies the exclusion policy and returns the reason a
// device must not be wiped. systemDevices is the set from
// Catalog.SystemDevices.
func ShouldSkipDevice(cfg *config.Config, desc system.DeviceDescriptor, systemDevices map[string]bool) (bool, string) {
	if cfg == nil {
		cfg = config.Default()
	}

	for _, excluded := range cfg.Security.ExcludedDevices {
		if matchesExcluded(desc, excluded) {
			return true, "excluded by configuration (" + excluded + ")"
		}
	}

	if !cfg.Security.AllowSystemDisk && system.IsSystemDevice(desc, systemDevices) {
		return true, "backs the running system's root filesystem"
	}

	return false, ""
}

// matchesExcluded accepts a device path or kernel name; an excluded disk
// also covers its partitions.
func matchesExcluded(desc system.DeviceDescriptor, excluded string) bool {
	excluded = strings.TrimSpace(excluded)
	if excluded == "" {
		return false
	}
	if !strings.HasPrefix(excluded, "/") {
		excluded = "/dev/" + excluded
	}
	return desc.Path == excluded || desc.ParentPath() == excluded
}
