package pipeline

import "fmt"

// Stage is the position of an update cycle in the orchestrator state machine.
type Stage int

const (
	Idle Stage = iota
	CheckFirmware
	DownloadFirmware
	DecryptFirmware
	VerifyFirmware
	CommitFirmware
	UpdateStatus
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckFirmware:
		return "check_firmware"
	case DownloadFirmware:
		return "download_firmware"
	case DecryptFirmware:
		return "decrypt_firmware"
	case VerifyFirmware:
		return "verify_firmware"
	case CommitFirmware:
		return "commit_firmware"
	case UpdateStatus:
		return "update_status"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Session is the state of one update cycle. It is owned by the orchestrator
// and handed to each pipeline operation in turn.
type Session struct {
	Stage Stage
	// CiphertextLen is the number of bytes downloaded into staging.
	CiphertextLen int64
	// PlaintextLen is the number of decrypted bytes covered by the digest.
	PlaintextLen int64
	// Err is the last terminal error of the cycle, if any.
	Err error
}

// NewSession returns an idle session.
func NewSession() *Session {
	return &Session{}
}

// Reset returns the session to Idle and clears the cycle's data.
func (s *Session) Reset() {
	*s = Session{}
}

func (s *Session) expect(op string, want Stage) error {
	if s.Stage != want {
		return &StageError{Op: op, Have: s.Stage, Want: want}
	}
	return nil
}
