package db

// Schema defines the SQLite schema for the update ledger. Each row is one
// update cycle from metadata check to its terminal outcome.
const Schema = `
CREATE TABLE IF NOT EXISTS update_cycles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('checking', 'downloading', 'applying', 'committed', 'failed', 'no_update')),
    ciphertext_len INTEGER NOT NULL DEFAULT 0,
    plaintext_len INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_update_cycles_status ON update_cycles(status);
CREATE INDEX IF NOT EXISTS idx_update_cycles_created_at ON update_cycles(created_at);
`

// Status constants
const (
	StatusChecking    = "checking"
	StatusDownloading = "downloading"
	StatusApplying    = "applying"
	StatusCommitted   = "committed"
	StatusFailed      = "failed"
	StatusNoUpdate    = "no_update"
)

// Cycle represents one update cycle record
type Cycle struct {
	ID            int64
	Version       string
	Hash          string
	Status        string
	CiphertextLen int64
	PlaintextLen  int64
	ErrorMessage  string
	CreatedAt     string
	UpdatedAt     string
}

// Terminal reports whether the cycle has reached a final status.
func (c *Cycle) Terminal() bool {
	switch c.Status {
	case StatusCommitted, StatusFailed, StatusNoUpdate:
		return true
	}
	return false
}
