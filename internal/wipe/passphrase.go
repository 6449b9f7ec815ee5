package wipe

import (
	"crypto/rand"
	"io"
	"math/big"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
)

const passphraseCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*"

// Passphrase is the ephemeral container secret. It lives in locked,
// guarded memory and is destroyed as soon as the container is open.
type Passphrase struct {
	buf *memguard.LockedBuffer
}

// NewPassphrase draws length characters uniformly from the charset using rnd,
// which must be a cryptographically secure source.
func NewPassphrase(length int, rnd io.Reader) (*Passphrase, error) {
	if length <= 0 {
		return nil, errors.Newf("invalid passphrase length %d", length)
	}
	if rnd == nil {
		rnd = rand.Reader
	}

	raw := make([]byte, length)
	limit := big.NewInt(int64(len(passphraseCharset)))
	for i := range raw {
		n, err := rand.Int(rnd, limit)
		if err != nil {
			memguard.WipeBytes(raw)
			return nil, errors.Wrap(err, "failed to read random source")
		}
		raw[i] = passphraseCharset[n.Int64()]
	}

	// NewBufferFromBytes wipes raw after copying it.
	buf := memguard.NewBufferFromBytes(raw)
	buf.Freeze()
	return &Passphrase{buf: buf}, nil
}

// Bytes exposes the secret; the slice is invalid after Destroy.
func (p *Passphrase) Bytes() []byte {
	if p == nil || p.buf == nil || !p.buf.IsAlive() {
		return nil
	}
	return p.buf.Bytes()
}

func (p *Passphrase) Len() int {
	return len(p.Bytes())
}

// Destroy wipes and releases the secret. Safe to call more than once.
func (p *Passphrase) Destroy() {
	if p == nil || p.buf == nil {
		return
	}
	p.buf.Destroy()
}

func (p *Passphrase) Destroyed() bool {
	return p == nil || p.buf == nil || !p.buf.IsAlive()
}
