// Package metadata parses firmware metadata returned by the update server.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Status values recognised in a metadata response.
const (
	StatusHardwareNotRecognized = "hardware not recognized"
	StatusNoUpdateNeeded        = "no update needed"
	StatusUpdateAvailable       = "update available"
)

// Outcome classifies a metadata status string.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeHardwareNotRecognized
	OutcomeNoUpdate
	OutcomeUpdateAvailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHardwareNotRecognized:
		return "hardware_not_recognized"
	case OutcomeNoUpdate:
		return "no_update_needed"
	case OutcomeUpdateAvailable:
		return "update_available"
	default:
		return "unknown"
	}
}

// Metadata describes the firmware image offered to this device.
type Metadata struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Author         string `json:"author"`
	Hardware       string `json:"hardware"`
	Hash           string `json:"hash"`
	Timestamp      string `json:"timestamp"`
	Description    string `json:"description"`
	ContentLocator string `json:"cid"`
}

// ParseError reports a metadata body that could not be decoded.
type ParseError struct {
	Len int
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse metadata (%d bytes): %v", e.Len, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes a metadata response. A response without a status is
// rejected.
func Parse(b []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &ParseError{Len: len(b), Err: err}
	}
	if strings.TrimSpace(m.Status) == "" {
		return nil, &ParseError{Len: len(b), Err: fmt.Errorf("missing status")}
	}
	return &m, nil
}

// Outcome classifies m.Status, ignoring case and surrounding space.
func (m *Metadata) Outcome() Outcome {
	switch strings.ToLower(strings.TrimSpace(m.Status)) {
	case StatusHardwareNotRecognized:
		return OutcomeHardwareNotRecognized
	case StatusNoUpdateNeeded:
		return OutcomeNoUpdate
	case StatusUpdateAvailable:
		return OutcomeUpdateAvailable
	default:
		return OutcomeUnknown
	}
}

// Newer reports whether m.Version is strictly greater than current.
func (m *Metadata) Newer(current string) (bool, error) {
	offered, err := ParseVersion(m.Version)
	if err != nil {
		return false, fmt.Errorf("offered version: %w", err)
	}
	installed, err := ParseVersion(current)
	if err != nil {
		return false, fmt.Errorf("installed version: %w", err)
	}
	return installed.LessThan(*offered), nil
}

// ParseVersion parses a semantic version, accepting the short "1" and "1.1"
// forms used by device firmware.
func ParseVersion(v string) (*semver.Version, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil, fmt.Errorf("empty version")
	}
	core, rest := v, ""
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		core, rest = v[:i], v[i:]
	}
	for strings.Count(core, ".") < 2 {
		core += ".0"
	}
	return semver.NewVersion(core + rest)
}

// Identity is the payload a device sends when checking for updates.
type Identity struct {
	Hardware string `json:"hardware"`
	Version  string `json:"version"`
}

// Payload encodes the identity as JSON.
func (id Identity) Payload() ([]byte, error) {
	return json.Marshal(id)
}
