// Package digest accumulates SHA-256 digests over firmware images.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/toyotech/ota-client/pkg/errors"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// ErrFinished is returned when a finished Engine is used again.
var ErrFinished = errors.New("digest already finished")

// Engine is an incremental SHA-256 accumulator that can be finished once.
type Engine struct {
	h        hash.Hash
	finished bool
}

func New() *Engine {
	return &Engine{h: sha256.New()}
}

// Update feeds b into the digest.
func (e *Engine) Update(b []byte) error {
	if e.finished {
		return ErrFinished
	}
	e.h.Write(b)
	return nil
}

// Finish returns the digest. Further calls fail with ErrFinished.
func (e *Engine) Finish() ([Size]byte, error) {
	var out [Size]byte
	if e.finished {
		return out, ErrFinished
	}
	e.finished = true
	copy(out[:], e.h.Sum(nil))
	return out, nil
}

// HexError reports a malformed expected-digest string.
type HexError struct {
	Input  string
	Reason string
}

func (e *HexError) Error() string {
	return fmt.Sprintf("malformed digest %q: %s", truncate(e.Input, 80), e.Reason)
}

// ParseHex decodes a hex-encoded SHA-256 digest. The input must be exactly
// 64 hex characters with no separators.
func ParseHex(s string) ([Size]byte, error) {
	var out [Size]byte
	if len(s) != 2*Size {
		return out, &HexError{Input: s, Reason: fmt.Sprintf("length %d, want %d", len(s), 2*Size)}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return out, &HexError{Input: s, Reason: fmt.Sprintf("non-hex character at offset %d", i)}
		}
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, &HexError{Input: s, Reason: err.Error()}
	}
	return out, nil
}

// MismatchError reports a digest that differs from the expected value.
type MismatchError struct {
	Expected [Size]byte
	Actual   [Size]byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %x, got %x", e.Expected, e.Actual)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
