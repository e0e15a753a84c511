// Package pipeline decrypts a firmware image from the staging region into the
// execution region, verifies its digest and commits it as the next boot image.
//
// The three operations must run in order on one Session. Each checks the
// session stage and advances it on success, so CommitAndApply is unreachable
// unless VerifyDigest succeeded for the same session.
package pipeline

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/toyotech/ota-client/pkg/cipher"
	"github.com/toyotech/ota-client/pkg/digest"
	"github.com/toyotech/ota-client/pkg/region"
)

const (
	opDecrypt = "decrypt_from_staging"
	opVerify  = "verify_digest"
	opCommit  = "commit_and_apply"
)

// Config holds pipeline options.
type Config struct {
	// HashFinalBlock counts the unpadded final block toward the digested
	// length. By default only the full blocks before it are digested.
	HashFinalBlock bool
}

// Option is a functional option for configuring the Pipeline.
type Option func(*Config)

// WithHashFinalBlock sets Config.HashFinalBlock.
func WithHashFinalBlock(enabled bool) Option {
	return func(c *Config) {
		c.HashFinalBlock = enabled
	}
}

// Pipeline runs decrypt, verify and commit against a region.Port.
type Pipeline struct {
	port   region.Port
	key    []byte
	iv     []byte
	config Config
}

// New creates a Pipeline using the device key and IV.
func New(port region.Port, key, iv []byte, opts ...Option) (*Pipeline, error) {
	if _, err := cipher.NewDecryptStream(key, iv); err != nil {
		return nil, fmt.Errorf("invalid device key material: %w", err)
	}

	p := &Pipeline{
		port: port,
		key:  append([]byte(nil), key...),
		iv:   append([]byte(nil), iv...),
	}
	for _, opt := range opts {
		opt(&p.config)
	}
	return p, nil
}

func (p *Pipeline) fail(s *Session, op string, err error) error {
	perr := classify(op, err)
	s.Err = perr
	slog.Error("pipeline_failed", "op", op, "kind", perr.Kind.String(), "error", err)
	return perr
}

// DecryptFromStaging decrypts s.CiphertextLen bytes of the staging region
// into a fresh execution-region write session and commits it. It returns the
// plaintext length recorded for VerifyDigest.
//
// The write session is closed without commit on every failure path.
func (p *Pipeline) DecryptFromStaging(s *Session) (int64, error) {
	if err := s.expect(opDecrypt, DecryptFirmware); err != nil {
		return 0, err
	}
	total := s.CiphertextLen
	if total <= 0 || total%cipher.BlockSize != 0 {
		return 0, p.fail(s, opDecrypt, fmt.Errorf("ciphertext length %d is not a positive multiple of %d", total, cipher.BlockSize))
	}

	slog.Info("pipeline_decrypt_start", "ciphertext_len", total, "hash_final_block", p.config.HashFinalBlock)

	stream, err := cipher.NewDecryptStream(p.key, p.iv)
	if err != nil {
		return 0, p.fail(s, opDecrypt, err)
	}

	ws, err := p.port.OpenWriteSession(region.Execution)
	if err != nil {
		return 0, p.fail(s, opDecrypt, err)
	}
	closed := false
	defer func() {
		if !closed {
			if cerr := ws.Close(false); cerr != nil {
				slog.Error("pipeline_session_discard_failed", "region", ws.Region().String(), "error", cerr)
			}
		}
	}()

	var hashed int64
	blk := make([]byte, cipher.BlockSize)
	for off := int64(0); off < total; off += cipher.BlockSize {
		if err := p.port.Read(region.Staging, off, blk); err != nil {
			return 0, p.fail(s, opDecrypt, err)
		}
		if err := stream.DecryptBlock(blk, blk); err != nil {
			return 0, p.fail(s, opDecrypt, err)
		}

		out := blk
		final := off+cipher.BlockSize >= total
		if final {
			if out, err = cipher.Unpad(blk); err != nil {
				return 0, p.fail(s, opDecrypt, err)
			}
		}
		if _, err := ws.Write(out); err != nil {
			return 0, p.fail(s, opDecrypt, err)
		}
		if !final || p.config.HashFinalBlock {
			hashed += int64(len(out))
		}
	}

	closed = true
	if err := ws.Close(true); err != nil {
		return 0, p.fail(s, opDecrypt, err)
	}

	s.PlaintextLen = hashed
	s.Stage = VerifyFirmware
	slog.Info("pipeline_decrypt_complete", "written", ws.Written(), "plaintext_len", hashed)
	return hashed, nil
}

// VerifyDigest hashes the first s.PlaintextLen bytes of the execution region
// and compares the result with expectedHex.
func (p *Pipeline) VerifyDigest(s *Session, expectedHex string) error {
	if err := s.expect(opVerify, VerifyFirmware); err != nil {
		return err
	}

	expected, err := digest.ParseHex(expectedHex)
	if err != nil {
		return p.fail(s, opVerify, err)
	}

	slog.Info("pipeline_verify_start", "plaintext_len", s.PlaintextLen)

	d := digest.New()
	blk := make([]byte, cipher.BlockSize)
	for off := int64(0); off < s.PlaintextLen; off += cipher.BlockSize {
		n := min(int64(cipher.BlockSize), s.PlaintextLen-off)
		if err := p.port.Read(region.Execution, off, blk[:n]); err != nil {
			return p.fail(s, opVerify, err)
		}
		if err := d.Update(blk[:n]); err != nil {
			return p.fail(s, opVerify, err)
		}
	}
	actual, err := d.Finish()
	if err != nil {
		return p.fail(s, opVerify, err)
	}

	if subtle.ConstantTimeCompare(actual[:], expected[:]) != 1 {
		return p.fail(s, opVerify, &digest.MismatchError{Expected: expected, Actual: actual})
	}

	s.Stage = CommitFirmware
	slog.Info("pipeline_verify_ok", "sha256", fmt.Sprintf("%x", actual[:8])+"...")
	return nil
}

// CommitAndApply marks the execution region as the next boot image and
// restarts the device. On real hardware it does not return on success.
func (p *Pipeline) CommitAndApply(s *Session) error {
	if err := s.expect(opCommit, CommitFirmware); err != nil {
		return err
	}

	if err := p.port.SetBootRegion(region.Execution); err != nil {
		return p.fail(s, opCommit, err)
	}

	slog.Warn("pipeline_committed", "region", region.Execution.String())
	s.Reset()
	p.port.RestartDevice()
	return nil
}

// Apply runs DecryptFromStaging, VerifyDigest and CommitAndApply in order.
// ctx is only consulted before decryption starts.
func (p *Pipeline) Apply(ctx context.Context, s *Session, expectedHex string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.DecryptFromStaging(s); err != nil {
		return err
	}
	if err := p.VerifyDigest(s, expectedHex); err != nil {
		return err
	}
	return p.CommitAndApply(s)
}
