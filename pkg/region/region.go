// Package region abstracts the two fixed-size storage regions used by the
// update pipeline: the staging region holding the downloaded (encrypted) image
// and the execution region holding the bootable image.
//
// Writes go through a WriteSession. A region has at most one open session at
// a time; OpenWriteSession on a busy region fails with KindNotReady, so a
// handle is an exclusive write capability for the lifetime of one operation.
package region

import (
	"fmt"
)

// ID names a storage region.
type ID int

const (
	// Staging holds the raw firmware bytes as downloaded.
	Staging ID = iota
	// Execution holds the image that will be booted.
	Execution
)

func (id ID) String() string {
	switch id {
	case Staging:
		return "staging"
	case Execution:
		return "execution"
	default:
		return fmt.Sprintf("region(%d)", int(id))
	}
}

// ErasedByte is the value of an erased storage byte.
const ErasedByte = 0xFF

// Port is the storage boundary consumed by the firmware pipeline and the
// transport download.
type Port interface {
	// Size returns the fixed size of a region in bytes.
	Size(id ID) (int64, error)

	// Read fills p from the region starting at off.
	Read(id ID, off int64, p []byte) error

	// Erase resets [off, off+length) of the region to ErasedByte.
	Erase(id ID, off, length int64) error

	// OpenWriteSession acquires exclusive write access to the region.
	// Writes are pending until the session is closed with commit=true.
	OpenWriteSession(id ID) (WriteSession, error)

	// SetBootRegion marks the region as the next boot image. Irreversible.
	SetBootRegion(id ID) error

	// RestartDevice restarts the device. On real hardware it does not return.
	RestartDevice()
}

// WriteSession is an exclusive, sequential writer into one region starting
// at offset 0.
type WriteSession interface {
	// Region returns the region this session writes to.
	Region() ID

	// Write appends p to the pending image.
	Write(p []byte) (int, error)

	// Written returns the number of pending bytes.
	Written() int64

	// Close releases the region. With commit=true the pending bytes replace
	// the start of the region, otherwise they are discarded and the region is
	// left untouched.
	Close(commit bool) error
}

// Kind classifies storage failures.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindNotReady
	KindRead
	KindWrite
	KindErase
	KindClose
	KindSetBoot
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "region_not_found"
	case KindNotReady:
		return "region_not_ready"
	case KindRead:
		return "region_read_error"
	case KindWrite:
		return "region_write_error"
	case KindErase:
		return "region_erase_error"
	case KindClose:
		return "region_close_error"
	case KindSetBoot:
		return "set_boot_error"
	default:
		return "region_error"
	}
}

// Error is returned by Port implementations.
type Error struct {
	Kind   Kind
	Region ID
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Region, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Region, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, ignoring region and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrNotFound = &Error{Kind: KindNotFound}
	ErrNotReady = &Error{Kind: KindNotReady}
	ErrRead     = &Error{Kind: KindRead}
	ErrWrite    = &Error{Kind: KindWrite}
	ErrErase    = &Error{Kind: KindErase}
	ErrClose    = &Error{Kind: KindClose}
	ErrSetBoot  = &Error{Kind: KindSetBoot}
)

func newError(kind Kind, id ID, err error) *Error {
	return &Error{Kind: kind, Region: id, Err: err}
}

func checkRange(id ID, size, off, length int64) error {
	if off < 0 || length < 0 || off+length > size {
		return fmt.Errorf("range [%d,%d) outside %s region of %d bytes", off, off+length, id, size)
	}
	return nil
}
