package pipeline

import (
	"fmt"

	"github.com/toyotech/ota-client/pkg/cipher"
	"github.com/toyotech/ota-client/pkg/digest"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/region"
)

// Kind classifies pipeline failures.
type Kind int

const (
	RegionNotFound Kind = iota + 1
	RegionNotReady
	RegionReadError
	RegionWriteError
	RegionCloseError
	DecryptError
	HashError
	SetBootError
)

func (k Kind) String() string {
	switch k {
	case RegionNotFound:
		return "region_not_found"
	case RegionNotReady:
		return "region_not_ready"
	case RegionReadError:
		return "region_read_error"
	case RegionWriteError:
		return "region_write_error"
	case RegionCloseError:
		return "region_close_error"
	case DecryptError:
		return "decrypt_error"
	case HashError:
		return "hash_error"
	case SetBootError:
		return "set_boot_error"
	default:
		return "pipeline_error"
	}
}

// Error is returned by every pipeline operation. Err keeps the failing
// layer's error (*region.Error, *cipher.PaddingError, *digest.HexError,
// *digest.MismatchError).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrRegionNotFound = &Error{Kind: RegionNotFound}
	ErrRegionNotReady = &Error{Kind: RegionNotReady}
	ErrRegionRead     = &Error{Kind: RegionReadError}
	ErrRegionWrite    = &Error{Kind: RegionWriteError}
	ErrRegionClose    = &Error{Kind: RegionCloseError}
	ErrDecrypt        = &Error{Kind: DecryptError}
	ErrHash           = &Error{Kind: HashError}
	ErrSetBoot        = &Error{Kind: SetBootError}
)

// StageError reports a pipeline operation invoked out of order. It is a
// programming error in the caller.
type StageError struct {
	Op   string
	Have Stage
	Want Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s called in stage %s, want %s", e.Op, e.Have, e.Want)
}

// classify maps a layer error onto a pipeline error kind.
func classify(op string, err error) *Error {
	var re *region.Error
	if errors.As(err, &re) {
		var k Kind
		switch re.Kind {
		case region.KindNotFound:
			k = RegionNotFound
		case region.KindNotReady:
			k = RegionNotReady
		case region.KindRead:
			k = RegionReadError
		case region.KindWrite, region.KindErase:
			k = RegionWriteError
		case region.KindClose:
			k = RegionCloseError
		case region.KindSetBoot:
			k = SetBootError
		}
		return &Error{Kind: k, Op: op, Err: err}
	}

	var pe *cipher.PaddingError
	if errors.As(err, &pe) {
		return &Error{Kind: DecryptError, Op: op, Err: err}
	}
	var he *digest.HexError
	var me *digest.MismatchError
	if errors.As(err, &he) || errors.As(err, &me) || errors.Is(err, digest.ErrFinished) {
		return &Error{Kind: HashError, Op: op, Err: err}
	}

	// Anything else is attributed to the operation that raised it.
	switch op {
	case opVerify:
		return &Error{Kind: HashError, Op: op, Err: err}
	case opCommit:
		return &Error{Kind: SetBootError, Op: op, Err: err}
	}
	return &Error{Kind: DecryptError, Op: op, Err: err}
}
