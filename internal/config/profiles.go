package config

import (
	"github.com/cockroachdb/errors"
)

// Profiles lists the names accepted by ApplyProfile.
var Profiles = []string{"standard", "paranoid", "fast"}

// ApplyProfile overrides the wipe section with a named preset.
func ApplyProfile(cfg *Config, profile string) error {
	switch profile {
	case "standard":
		cfg.Wipe.BlockSize = 1 * MiB
		cfg.Wipe.HeaderWipeSize = 16 * MiB
		cfg.Wipe.IterTimeMs = 2000
		cfg.Wipe.RemovableFormatRetries = 3
	case "paranoid":
		cfg.Wipe.Verify = true
		cfg.Wipe.HeaderWipeSize = 32 * MiB
		cfg.Wipe.IterTimeMs = 4000
		cfg.Wipe.RemovableFormatRetries = 5
	case "fast":
		cfg.Wipe.BlockSize = 16 * MiB
		cfg.Wipe.IterTimeMs = 1000
		cfg.Wipe.Verify = false
		cfg.Wipe.MaxSpeedMBps = 0 // unlimited
	default:
		return errors.Newf("unknown profile: %s", profile)
	}
	return nil
}
