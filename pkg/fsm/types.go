package fsm

// ApplyRequest is the FSM input
type ApplyRequest struct {
	RunID         string
	Hash          string
	CiphertextLen int64
	CycleID       int64
}

// ApplyResponse is the FSM output (accumulated across transitions)
type ApplyResponse struct {
	// From Decrypt
	PlaintextLen int64

	// From Verify
	Verified bool

	// From Commit/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateDecrypt = "decrypt"
	StateVerify  = "verify"
	StateCommit  = "commit"
	StateDone    = "done"
)

// Run statuses
const (
	StatusVerified  = "verified"
	StatusCommitted = "committed"
)
