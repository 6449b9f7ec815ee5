package wipe

import (
	"bytes"
	"io"
	"math"

	"github.com/cockroachdb/errors"
)

var (
	luksMagic          = []byte{'L', 'U', 'K', 'S', 0xba, 0xbe}
	luksSecondaryMagic = []byte{'S', 'K', 'U', 'L', 0xba, 0xbe}

	// Offsets where LUKS2 may place its secondary header.
	luksSecondaryOffsets = []uint64{
		0x4000, 0x8000, 0x10000, 0x20000, 0x40000, 0x80000, 0x100000, 0x200000, 0x400000,
	}
)

const (
	// MinBlockEntropy is the lowest Shannon entropy, in bits per byte, accepted
	// for a block of entropyWindow bytes or more.
	MinBlockEntropy = 7.5
	entropyWindow   = 4096
	uniformWindow   = 64
)

// verifyContent rereads size bytes from r and rejects any block that does not
// look like uniformly random data: a surviving LUKS signature, a run of one
// repeated byte, or low entropy. progress is called after every block.
func verifyContent(r io.Reader, size uint64, blockSize int, progress func(read uint64)) (uint64, error) {
	if blockSize <= 0 {
		return 0, errors.Newf("invalid block size %d", blockSize)
	}

	buf := GetBuffer(blockSize)
	defer PutBuffer(buf)

	var read uint64
	for read < size {
		n := blockSize
		if remaining := size - read; remaining < uint64(n) {
			n = int(remaining)
		}

		b := buf[:n]
		if _, err := io.ReadFull(r, b); err != nil {
			return read, &VerificationError{Reason: "read failed", Offset: read, Cause: err}
		}

		if reason, off, ok := inspectBlock(b, read); !ok {
			return read, &VerificationError{Reason: reason, Offset: off}
		}

		read += uint64(n)
		if progress != nil {
			progress(read)
		}
	}

	return read, nil
}

// inspectBlock checks one block that starts at absolute offset start.
func inspectBlock(b []byte, start uint64) (string, uint64, bool) {
	if start == 0 && bytes.HasPrefix(b, luksMagic) {
		return "LUKS header signature still present", 0, false
	}
	end := start + uint64(len(b))
	for _, off := range luksSecondaryOffsets {
		if off < start || off+uint64(len(luksSecondaryMagic)) > end {
			continue
		}
		rel := off - start
		if bytes.Equal(b[rel:rel+uint64(len(luksSecondaryMagic))], luksSecondaryMagic) {
			return "LUKS secondary header signature still present", off, false
		}
	}

	if len(b) >= uniformWindow && isUniform(b) {
		return "block consists of a single repeated byte", start, false
	}

	if len(b) >= entropyWindow {
		if e := shannonEntropy(b); e < MinBlockEntropy {
			return "block entropy too low for random data", start, false
		}
	}

	return "", 0, true
}

func isUniform(b []byte) bool {
	for _, c := range b[1:] {
		if c != b[0] {
			return false
		}
	}
	return true
}

// shannonEntropy returns the byte entropy of b in bits per byte (0..8).
func shannonEntropy(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var counts [256]int
	for _, c := range b {
		counts[c]++
	}
	total := float64(len(b))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}
