// Package cipher decrypts firmware images block by block with AES-CBC.
//
// The chaining value is carried inside a Stream, so consecutive calls to
// DecryptBlock reproduce whole-image CBC decryption while the caller reads the
// ciphertext in fixed-size pieces.
package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"fmt"
)

// BlockSize is the cipher block size in bytes.
const BlockSize = aes.BlockSize

// Stream is a CBC decryption stream with carried chaining state.
type Stream struct {
	mode stdcipher.BlockMode
}

// NewDecryptStream returns a stream keyed with key (16, 24 or 32 bytes) and
// initialised with iv.
func NewDecryptStream(key, iv []byte) (*Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("invalid iv length %d, want %d", len(iv), BlockSize)
	}
	return &Stream{mode: stdcipher.NewCBCDecrypter(block, iv)}, nil
}

// DecryptBlock decrypts src into dst. Both must be exactly BlockSize bytes;
// dst and src may be the same slice.
func (s *Stream) DecryptBlock(dst, src []byte) error {
	if len(src) != BlockSize || len(dst) != BlockSize {
		return fmt.Errorf("block must be %d bytes, got src=%d dst=%d", BlockSize, len(src), len(dst))
	}
	s.mode.CryptBlocks(dst, src)
	return nil
}

// PaddingError reports an invalid padding count in the final block.
type PaddingError struct {
	Value byte
}

func (e *PaddingError) Error() string {
	return fmt.Sprintf("invalid padding byte %d", e.Value)
}

// Unpad strips PKCS#7-style padding from a final plaintext block. Only the
// last byte is consulted.
func Unpad(block []byte) ([]byte, error) {
	if len(block) == 0 {
		return nil, &PaddingError{}
	}
	p := block[len(block)-1]
	if p < 1 || int(p) > BlockSize || int(p) > len(block) {
		return nil, &PaddingError{Value: p}
	}
	return block[:len(block)-int(p)], nil
}

// Pad appends PKCS#7 padding so the result is a whole number of blocks.
func Pad(plain []byte) []byte {
	p := BlockSize - len(plain)%BlockSize
	return append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(p)}, p)...)
}

// Seal pads and encrypts plain with AES-CBC. It produces images in the
// format DecryptBlock and Unpad consume.
func Seal(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("invalid iv length %d, want %d", len(iv), BlockSize)
	}
	out := Pad(plain)
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(out, out)
	return out, nil
}
