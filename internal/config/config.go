package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

const (
	MiB = 1024 * 1024

	maxBlockSize = 64 * MiB
)

// Config is the on-disk configuration of cryptowipe.
type Config struct {
	Security  SecurityConfig  `yaml:"security"`
	Wipe      WipeConfig      `yaml:"wipe"`
	Logging   LoggingConfig   `yaml:"logging"`
	Reporting ReportingConfig `yaml:"reporting"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type SecurityConfig struct {
	RequireRoot         bool     `yaml:"require_root"`
	RequireConfirmation bool     `yaml:"require_confirmation"`
	ExcludedDevices     []string `yaml:"excluded_devices"`
	AllowSystemDisk     bool     `yaml:"allow_system_disk"`
	RequiredTools       []string `yaml:"required_tools"`
}

// WipeConfig holds the container parameters and the overwrite tuning.
type WipeConfig struct {
	LUKSType               string  `yaml:"luks_type"`
	Cipher                 string  `yaml:"cipher"`
	KeySize                int     `yaml:"key_size"`
	Hash                   string  `yaml:"hash"`
	IterTimeMs             int     `yaml:"iter_time_ms"`
	PassphraseLength       int     `yaml:"passphrase_length"`
	BlockSize              int64   `yaml:"block_size"`
	HeaderWipeSize         int64   `yaml:"header_wipe_size"`
	SettleDelay            string  `yaml:"settle_delay"`
	RemovableFormatRetries int     `yaml:"removable_format_retries"`
	FormatRetryDelay       string  `yaml:"format_retry_delay"`
	MaxSpeedMBps           float64 `yaml:"max_speed_mbps"`
	MaxConcurrent          int     `yaml:"max_concurrent"`
	Verify                 bool    `yaml:"verify"`
	EventBuffer            int     `yaml:"event_buffer"`
	MapperPrefix           string  `yaml:"mapper_prefix"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	Structured bool   `yaml:"structured"`
}

type ReportingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	LocalPath string `yaml:"local_path"`
	Format    string `yaml:"format"`
}

type MetricsConfig struct {
	// Textfile is a node_exporter textfile collector target; empty disables it.
	Textfile string `yaml:"textfile"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			RequireRoot:         true,
			RequireConfirmation: true,
			ExcludedDevices:     []string{},
			AllowSystemDisk:     false,
			RequiredTools:       []string{"cryptsetup", "lsblk", "findmnt"},
		},
		Wipe: WipeConfig{
			LUKSType:               "luks2",
			Cipher:                 "aes-xts-plain64",
			KeySize:                512,
			Hash:                   "sha256",
			IterTimeMs:             2000,
			PassphraseLength:       64,
			BlockSize:              1 * MiB,
			HeaderWipeSize:         16 * MiB, // LUKS2 default header + keyslot area
			SettleDelay:            "2s",
			RemovableFormatRetries: 3,
			FormatRetryDelay:       "2s",
			MaxSpeedMBps:           0, // unlimited
			MaxConcurrent:          2,
			Verify:                 false,
			EventBuffer:            256,
			MapperPrefix:           "cryptowipe",
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			File:       "",
			Structured: true,
		},
		Reporting: ReportingConfig{
			Enabled:   true,
			LocalPath: "./certificates",
			Format:    "json",
		},
	}
}

// Load reads the configuration at path on top of the defaults. An empty path
// or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func Validate(cfg *Config) error {
	w := cfg.Wipe

	if w.BlockSize <= 0 || w.BlockSize%4096 != 0 {
		return errors.Newf("block size must be a positive multiple of 4096, got %d", w.BlockSize)
	}
	if w.BlockSize > maxBlockSize {
		return errors.Newf("block size too large (max 64MiB), got %d", w.BlockSize)
	}
	if w.HeaderWipeSize < 1*MiB {
		return errors.Newf("header wipe size must be at least 1MiB, got %d", w.HeaderWipeSize)
	}
	if w.KeySize != 256 && w.KeySize != 512 {
		return errors.Newf("key size must be 256 or 512, got %d", w.KeySize)
	}
	if w.LUKSType != "luks1" && w.LUKSType != "luks2" {
		return errors.Newf("invalid LUKS type: %s", w.LUKSType)
	}
	if w.Cipher == "" || w.Hash == "" {
		return errors.New("cipher and hash must be set")
	}
	if w.IterTimeMs <= 0 {
		return errors.Newf("iter time must be positive, got %d", w.IterTimeMs)
	}
	if w.PassphraseLength < 32 {
		return errors.Newf("passphrase length must be at least 32, got %d", w.PassphraseLength)
	}
	if w.RemovableFormatRetries < 0 {
		return errors.Newf("removable format retries cannot be negative, got %d", w.RemovableFormatRetries)
	}
	if w.MaxSpeedMBps < 0 {
		return errors.Newf("max speed cannot be negative, got %f", w.MaxSpeedMBps)
	}
	if w.MaxConcurrent < 1 || w.MaxConcurrent > 16 {
		return errors.Newf("max concurrent must be between 1 and 16, got %d", w.MaxConcurrent)
	}
	if w.EventBuffer < 2 {
		return errors.Newf("event buffer must hold at least 2 events, got %d", w.EventBuffer)
	}
	if w.MapperPrefix == "" || strings.ContainsAny(w.MapperPrefix, "/ \t") {
		return errors.Newf("invalid mapper prefix: %q", w.MapperPrefix)
	}
	for name, value := range map[string]string{
		"settle_delay":       w.SettleDelay,
		"format_retry_delay": w.FormatRetryDelay,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Newf("invalid %s format: %s", name, value)
		}
		if d < 0 {
			return errors.Newf("%s cannot be negative: %s", name, value)
		}
	}

	validLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
	}
	if !validLevels[cfg.Logging.Level] {
		return errors.Newf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Reporting.Format {
	case "json", "text":
	default:
		return errors.Newf("invalid report format: %s", cfg.Reporting.Format)
	}

	// Entries are /dev paths or bare kernel names such as "sda".
	for _, dev := range cfg.Security.ExcludedDevices {
		dev = strings.TrimSpace(dev)
		if dev == "" || (strings.Contains(dev, "/") && !strings.HasPrefix(dev, "/dev/")) {
			return errors.Newf("excluded device must be a /dev path or a kernel name: %q", dev)
		}
	}

	return nil
}

// Save validates cfg and writes it to path.
func Save(cfg *Config, path string) error {
	if err := Validate(cfg); err != nil {
		return errors.Wrap(err, "cannot save invalid config")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// GetSettleDelay returns the pause after unmounting. Validate guarantees the
// value parses; the fallback only covers unvalidated configs.
func (cfg *Config) GetSettleDelay() time.Duration {
	return parseDurationOr(cfg.Wipe.SettleDelay, 2*time.Second)
}

// GetFormatRetryDelay returns the pause between format attempts on removable media.
func (cfg *Config) GetFormatRetryDelay() time.Duration {
	return parseDurationOr(cfg.Wipe.FormatRetryDelay, 2*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
