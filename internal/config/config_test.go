package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "aes-xts-plain64", cfg.Wipe.Cipher)
	assert.Equal(t, 512, cfg.Wipe.KeySize)
	assert.Equal(t, "sha256", cfg.Wipe.Hash)
	assert.Equal(t, int64(MiB), cfg.Wipe.BlockSize)
	assert.Equal(t, 64, cfg.Wipe.PassphraseLength)
	assert.Equal(t, 2*time.Second, cfg.GetSettleDelay())
	assert.Equal(t, 2*time.Second, cfg.GetFormatRetryDelay())
}

func TestLoad(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("partial file keeps unspecified defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cryptowipe.yaml")
		content := "wipe:\n  iter_time_ms: 3000\n  verify: true\nlogging:\n  level: DEBUG\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3000, cfg.Wipe.IterTimeMs)
		assert.True(t, cfg.Wipe.Verify)
		assert.Equal(t, "DEBUG", cfg.Logging.Level)
		assert.Equal(t, "aes-xts-plain64", cfg.Wipe.Cipher)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("wipe:\n  key_size: 128\n"), 0644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key size")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("wipe: [unterminated"), 0644))

		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unaligned block size", func(c *Config) { c.Wipe.BlockSize = 1000 }, "block size"},
		{"oversized block", func(c *Config) { c.Wipe.BlockSize = 128 * MiB }, "too large"},
		{"small header wipe", func(c *Config) { c.Wipe.HeaderWipeSize = 4096 }, "header wipe"},
		{"short passphrase", func(c *Config) { c.Wipe.PassphraseLength = 16 }, "passphrase"},
		{"negative retries", func(c *Config) { c.Wipe.RemovableFormatRetries = -1 }, "retries"},
		{"bad settle delay", func(c *Config) { c.Wipe.SettleDelay = "soon" }, "settle_delay"},
		{"zero concurrency", func(c *Config) { c.Wipe.MaxConcurrent = 0 }, "max concurrent"},
		{"tiny event buffer", func(c *Config) { c.Wipe.EventBuffer = 1 }, "event buffer"},
		{"mapper prefix with slash", func(c *Config) { c.Wipe.MapperPrefix = "a/b" }, "mapper prefix"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "TRACE" }, "log level"},
		{"unknown report format", func(c *Config) { c.Reporting.Format = "xml" }, "report format"},
		{"excluded device outside /dev", func(c *Config) { c.Security.ExcludedDevices = []string{"/mnt/sda"} }, "excluded device"},
		{"empty excluded device", func(c *Config) { c.Security.ExcludedDevices = []string{" "} }, "excluded device"},
		{"unknown luks type", func(c *Config) { c.Wipe.LUKSType = "plain" }, "LUKS type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAcceptsExcludedNames(t *testing.T) {
	cfg := Default()
	cfg.Security.ExcludedDevices = []string{"sda", "nvme0n1p2", "/dev/sdb"}
	assert.NoError(t, Validate(cfg))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cryptowipe.yaml")
	cfg := Default()
	cfg.Wipe.Verify = true
	cfg.Security.ExcludedDevices = []string{"/dev/sda"}

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Wipe.KeySize = 1
	assert.Error(t, Save(cfg, filepath.Join(t.TempDir(), "x.yaml")))
}

func TestApplyProfile(t *testing.T) {
	for _, name := range Profiles {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, ApplyProfile(cfg, name))
			assert.NoError(t, Validate(cfg))
		})
	}

	cfg := Default()
	require.NoError(t, ApplyProfile(cfg, "paranoid"))
	assert.True(t, cfg.Wipe.Verify)
	assert.Equal(t, int64(32*MiB), cfg.Wipe.HeaderWipeSize)

	assert.Error(t, ApplyProfile(Default(), "sdelete"))
}
