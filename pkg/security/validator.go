// Package security hardens the inputs a device accepts from the update
// server: content locators, download URLs and image sizes.
package security

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
)

// BlockSize is the cipher block size ciphertext lengths must be aligned to.
const BlockSize = 16

// Validator checks server-supplied values before they reach the storage
// regions.
type Validator struct {
	maxImageSize    int64
	maxResponseSize int64

	mu                sync.Mutex
	currentDownloaded int64
}

// NewValidator creates a validator. maxImageSize is normally the staging
// region size.
func NewValidator(maxImageSize, maxResponseSize int64) *Validator {
	slog.Info("security_validator_init",
		"max_image_size_kb", maxImageSize/1024,
		"max_response_size", maxResponseSize)

	return &Validator{
		maxImageSize:    maxImageSize,
		maxResponseSize: maxResponseSize,
	}
}

// MaxResponseSize returns the metadata response limit in bytes.
func (v *Validator) MaxResponseSize() int64 {
	return v.maxResponseSize
}

// ValidateLocator checks a content locator before it is appended to the
// download base URL.
func (v *Validator) ValidateLocator(cid string) error {
	if cid == "" {
		slog.Error("security_locator_validation_failed", "cid", cid, "reason", "empty")
		return fmt.Errorf("security: empty content locator")
	}

	if strings.HasPrefix(cid, "/") || strings.Contains(cid, "://") {
		slog.Error("security_locator_validation_failed", "cid", cid, "reason", "absolute_locator")
		return fmt.Errorf("security: absolute content locator not allowed: %s", cid)
	}

	for _, r := range cid {
		if r < 0x21 || r == 0x7f || r == '?' || r == '#' || r == '\\' || r == '%' {
			slog.Error("security_locator_validation_failed", "cid", cid, "reason", "invalid_character")
			return fmt.Errorf("security: invalid character %q in content locator", r)
		}
	}

	// Reject locators that climb out of the base path
	if clean := path.Clean(cid); clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_locator_validation_failed", "cid", cid, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", cid)
	}

	return nil
}

// ValidateDownloadURL accepts https and s3 URLs only.
func (v *Validator) ValidateDownloadURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		slog.Error("security_url_validation_failed", "url", raw, "error", err)
		return nil, fmt.Errorf("security: invalid download url: %w", err)
	}

	switch u.Scheme {
	case "https":
	case "s3":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			slog.Error("security_url_validation_failed", "url", raw, "reason", "missing_bucket_or_key")
			return nil, fmt.Errorf("security: s3 url needs bucket and key: %s", raw)
		}
	default:
		slog.Error("security_url_validation_failed", "url", raw, "reason", "scheme", "scheme", u.Scheme)
		return nil, fmt.Errorf("security: unsupported download scheme %q", u.Scheme)
	}

	return u, nil
}

// ValidateImageSize checks if an image fits the staging region.
func (v *Validator) ValidateImageSize(size int64) error {
	if size > v.maxImageSize {
		slog.Error("security_image_size_exceeded",
			"image_size_kb", size/1024,
			"max_image_size_kb", v.maxImageSize/1024)
		return fmt.Errorf("security: image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// ValidateCiphertextLen checks that a downloaded image is a non-empty whole
// number of cipher blocks that fits the staging region.
func (v *Validator) ValidateCiphertextLen(n int64) error {
	if n <= 0 {
		slog.Error("security_ciphertext_validation_failed", "len", n, "reason", "empty")
		return fmt.Errorf("security: empty firmware image")
	}
	if n%BlockSize != 0 {
		slog.Error("security_ciphertext_validation_failed", "len", n, "reason", "unaligned")
		return fmt.Errorf("security: firmware length %d is not a multiple of %d", n, BlockSize)
	}
	return v.ValidateImageSize(n)
}

// AddDownloaded tracks bytes written to staging in the current download and
// checks them against the image limit.
func (v *Validator) AddDownloaded(n int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentDownloaded += n

	if v.currentDownloaded > v.maxImageSize {
		slog.Error("security_download_size_exceeded",
			"current_kb", v.currentDownloaded/1024,
			"max_image_size_kb", v.maxImageSize/1024)
		return fmt.Errorf("security: downloaded size %d exceeds max %d",
			v.currentDownloaded, v.maxImageSize)
	}

	return nil
}

// Reset resets the download counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentDownloaded = 0
}

// Downloaded returns the bytes counted since the last Reset.
func (v *Validator) Downloaded() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentDownloaded
}
