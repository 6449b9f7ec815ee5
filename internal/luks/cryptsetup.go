// Package luks drives cryptsetup(8) to create, open and close the throwaway
// LUKS containers used for crypto-erase.
package luks

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"

	"cryptowipe/internal/system"
)

// MapperDir is where device-mapper exposes opened containers.
const MapperDir = "/dev/mapper"

// Spec holds the container parameters passed to luksFormat.
type Spec struct {
	Type     string // luks1 or luks2
	Cipher   string
	KeySize  int // bits
	Hash     string
	IterTime int // milliseconds of PBKDF work
}

// DefaultSpec is LUKS2 with AES-XTS-512 and SHA-256.
func DefaultSpec() Spec {
	return Spec{
		Type:     "luks2",
		Cipher:   "aes-xts-plain64",
		KeySize:  512,
		Hash:     "sha256",
		IterTime: 2000,
	}
}

// Cryptsetup implements the container primitives. Passphrases travel on
// stdin (--key-file -) so they never appear in the process table.
type Cryptsetup struct {
	runner system.Runner
	binary string
}

func NewCryptsetup(runner system.Runner) *Cryptsetup {
	return &Cryptsetup{runner: runner, binary: "cryptsetup"}
}

func (c *Cryptsetup) FormatArgs(device string, spec Spec) []string {
	return []string{
		"luksFormat",
		"--batch-mode",
		"--type", spec.Type,
		"--cipher", spec.Cipher,
		"--key-size", strconv.Itoa(spec.KeySize),
		"--hash", spec.Hash,
		"--iter-time", strconv.Itoa(spec.IterTime),
		"--use-random",
		"--key-file", "-",
		device,
	}
}

// Format writes a fresh LUKS header protected by passphrase.
func (c *Cryptsetup) Format(ctx context.Context, device string, passphrase []byte, spec Spec) error {
	if len(passphrase) == 0 {
		return errors.New("empty passphrase")
	}
	_, err := c.runner.Run(ctx, system.Command{
		Name:  c.binary,
		Args:  c.FormatArgs(device, spec),
		Stdin: passphrase,
	})
	if err != nil {
		return errors.Wrapf(err, "luksFormat %s", device)
	}
	return nil
}

// Open maps device as /dev/mapper/<name> and returns that path.
func (c *Cryptsetup) Open(ctx context.Context, device, name string, passphrase []byte) (string, error) {
	_, err := c.runner.Run(ctx, system.Command{
		Name:  c.binary,
		Args:  []string{"open", "--type", "luks", "--key-file", "-", device, name},
		Stdin: passphrase,
	})
	if err != nil {
		return "", errors.Wrapf(err, "luksOpen %s as %s", device, name)
	}
	return MapperPath(name), nil
}

// Close removes the mapping name.
func (c *Cryptsetup) Close(ctx context.Context, name string) error {
	_, err := c.runner.Run(ctx, system.Command{
		Name: c.binary,
		Args: []string{"close", name},
	})
	if err != nil {
		return errors.Wrapf(err, "luksClose %s", name)
	}
	return nil
}

func MapperPath(name string) string {
	return MapperDir + "/" + name
}

// Diagnostic extracts the tool output from an error returned by this package.
func Diagnostic(err error) string {
	var ce *system.CommandError
	if errors.As(err, &ce) {
		return ce.Diagnostic()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
