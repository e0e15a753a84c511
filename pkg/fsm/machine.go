// Package fsm runs the firmware apply workflow (decrypt, verify, commit) as
// a persisted superfly/fsm run, so every apply is recorded with its state
// transitions.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/superfly/fsm"
	"github.com/toyotech/ota-client/pkg/db"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/pipeline"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	pipeline   *pipeline.Pipeline
	repo       *db.Repository
	maxRetries int
	commit     bool

	mu       sync.Mutex
	sessions map[string]*pipeline.Session

	manager *fsm.Manager
	start   fsm.Start[ApplyRequest, ApplyResponse]
}

// NewMachine creates a new FSM machine with dependencies. repo may be nil.
// With commit false the run stops after a successful verify.
func NewMachine(p *pipeline.Pipeline, repo *db.Repository, maxRetries int, commit bool) *Machine {
	return &Machine{
		pipeline:   p,
		repo:       repo,
		maxRetries: maxRetries,
		commit:     commit,
		sessions:   make(map[string]*pipeline.Session),
	}
}

// Register registers the apply FSM with manager
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) error {
	start, _, err := fsm.Register[ApplyRequest, ApplyResponse](manager, "firmware-apply").
		Start(StateDecrypt, m.handleDecrypt).
		To(StateVerify, m.handleVerify).
		To(StateCommit, m.handleCommit).
		End(StateDone).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return nil
}

// Apply runs the workflow on s and waits for it to finish. It returns the
// pipeline error that ended the run, if any.
func (m *Machine) Apply(ctx context.Context, s *pipeline.Session, hash string) error {
	return m.ApplyCycle(ctx, s, hash, 0)
}

// ApplyCycle is Apply for a cycle recorded in the ledger.
func (m *Machine) ApplyCycle(ctx context.Context, s *pipeline.Session, hash string, cycleID int64) error {
	if m.start == nil {
		return fmt.Errorf("apply machine not registered")
	}
	if s.Stage != pipeline.DecryptFirmware {
		return &pipeline.StageError{Op: "apply", Have: s.Stage, Want: pipeline.DecryptFirmware}
	}

	runID := ulid.Make().String()
	m.mu.Lock()
	m.sessions[runID] = s
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, runID)
		m.mu.Unlock()
	}()

	req := &ApplyRequest{RunID: runID, Hash: hash, CiphertextLen: s.CiphertextLen, CycleID: cycleID}
	version, err := m.start(ctx, runID, fsm.NewRequest(req, &ApplyResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_apply_started", "run_id", runID, "version", version, "ciphertext_len", s.CiphertextLen)

	waitErr := m.manager.Wait(ctx, version)
	if s.Err != nil {
		return s.Err
	}
	// A commit resets the session before restarting the device, and the
	// restart may cancel ctx while Wait is still blocked.
	if committed(s) {
		if waitErr != nil {
			slog.Info("fsm_apply_committed_during_restart", "run_id", runID, "wait_error", waitErr)
		}
		slog.Info("fsm_apply_finished", "run_id", runID, "status", StatusCommitted)
		return nil
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}

	slog.Info("fsm_apply_finished", "run_id", runID)
	return nil
}

// committed reports whether CommitAndApply succeeded on s: only a commit
// returns a session that entered decryption to Idle without an error.
func committed(s *pipeline.Session) bool {
	return s.Stage == pipeline.Idle && s.Err == nil
}

func (m *Machine) session(ctx context.Context, runID string) (*pipeline.Session, error) {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	m.mu.Lock()
	s, ok := m.sessions[runID]
	m.mu.Unlock()
	if !ok {
		// A run resumed after a restart has lost its session.
		slog.Error("fsm_session_not_found", "run_id", runID)
		return nil, fsm.Abort(fmt.Errorf("no session for run %s", runID))
	}
	return s, nil
}

func (m *Machine) abort(req *fsm.Request[ApplyRequest, ApplyResponse], err error) error {
	if m.repo != nil && req.Msg.CycleID != 0 {
		if uerr := m.repo.UpdateStatus(req.Msg.CycleID, db.StatusFailed, err.Error()); uerr != nil {
			slog.Error("status_update_failed", "cycle_id", req.Msg.CycleID, "error", uerr)
		}
	}
	return fsm.Abort(err)
}

func response(req *fsm.Request[ApplyRequest, ApplyResponse]) *ApplyResponse {
	if req.W.Msg == nil {
		return &ApplyResponse{}
	}
	return req.W.Msg
}

// handleDecrypt decrypts staging into the execution region
func (m *Machine) handleDecrypt(ctx context.Context, req *fsm.Request[ApplyRequest, ApplyResponse]) (*fsm.Response[ApplyResponse], error) {
	slog.Info("fsm_state_decrypt", "run_id", req.Msg.RunID, "ciphertext_len", req.Msg.CiphertextLen)

	s, err := m.session(ctx, req.Msg.RunID)
	if err != nil {
		return nil, err
	}

	resp := response(req)
	n, err := m.pipeline.DecryptFromStaging(s)
	if err != nil {
		resp.ErrorMessage = err.Error()
		return nil, m.abort(req, err)
	}
	resp.PlaintextLen = n

	return fsm.NewResponse(resp), nil
}

// handleVerify checks the execution region digest
func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[ApplyRequest, ApplyResponse]) (*fsm.Response[ApplyResponse], error) {
	slog.Info("fsm_state_verify", "run_id", req.Msg.RunID)

	s, err := m.session(ctx, req.Msg.RunID)
	if err != nil {
		return nil, err
	}

	resp := response(req)
	if err := m.pipeline.VerifyDigest(s, req.Msg.Hash); err != nil {
		resp.ErrorMessage = err.Error()
		return nil, m.abort(req, err)
	}
	resp.Verified = true
	resp.Status = StatusVerified

	return fsm.NewResponse(resp), nil
}

// handleCommit switches the boot region and restarts
func (m *Machine) handleCommit(ctx context.Context, req *fsm.Request[ApplyRequest, ApplyResponse]) (*fsm.Response[ApplyResponse], error) {
	slog.Info("fsm_state_commit", "run_id", req.Msg.RunID, "commit", m.commit)

	s, err := m.session(ctx, req.Msg.RunID)
	if err != nil {
		return nil, err
	}

	resp := response(req)
	if !m.commit {
		slog.Info("fsm_commit_skipped", "run_id", req.Msg.RunID)
		return fsm.NewResponse(resp), nil
	}

	if m.repo != nil && req.Msg.CycleID != 0 {
		if err := m.repo.UpdateStatus(req.Msg.CycleID, db.StatusCommitted, ""); err != nil {
			slog.Error("status_update_failed", "cycle_id", req.Msg.CycleID, "error", err)
		}
	}

	if err := m.pipeline.CommitAndApply(s); err != nil {
		resp.ErrorMessage = err.Error()
		return nil, m.abort(req, err)
	}
	resp.Status = StatusCommitted

	return fsm.NewResponse(resp), nil
}
