// Package orchestrator drives an update cycle: it reacts to connectivity and
// transport events and calls the firmware pipeline in order.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/toyotech/ota-client/pkg/db"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/event"
	"github.com/toyotech/ota-client/pkg/metadata"
	"github.com/toyotech/ota-client/pkg/metrics"
	"github.com/toyotech/ota-client/pkg/pipeline"
	"github.com/toyotech/ota-client/pkg/security"
)

// Transport is the outbound side of the transport unit. Calls do not wait
// for the network; outcomes arrive as events.
type Transport interface {
	SendRequest(url string, payload []byte) error
	DownloadFirmware(url string) error
	ReportStatus(url string, payload []byte) error
}

// Connectivity is the outbound side of the connectivity unit.
type Connectivity interface {
	RequestConnect() error
}

// Applier runs decrypt, verify and commit over a downloaded image.
type Applier interface {
	Apply(ctx context.Context, s *pipeline.Session, hash string) error
}

// cycleApplier is an Applier that records its run against a ledger cycle.
type cycleApplier interface {
	ApplyCycle(ctx context.Context, s *pipeline.Session, hash string, cycleID int64) error
}

// Ledger records update cycles.
type Ledger interface {
	Create(c *db.Cycle) error
	Update(c *db.Cycle) error
}

// Config holds orchestrator settings. Only CheckURL is required.
type Config struct {
	CheckURL        string
	DownloadBaseURL string
	// ReportURL receives a status report after a failed cycle when set.
	ReportURL string
	Identity  metadata.Identity

	// RefuseDowngrade abandons offers that are not newer than Identity.Version.
	RefuseDowngrade bool
	// SoakLoops re-runs the check this many times after terminal outcomes.
	SoakLoops int

	Validator *security.Validator
	Ledger    Ledger
	Metrics   *metrics.Metrics

	// Inbox is the mailbox collaborators post to. A new one is created when
	// nil.
	Inbox *event.Mailbox[event.Event]
}

// Report is the body posted to the report endpoint.
type Report struct {
	Hardware string `json:"hardware"`
	Version  string `json:"version"`
	Offered  string `json:"offered,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Orchestrator is the update state machine. All state is owned by the Run
// goroutine.
type Orchestrator struct {
	config    Config
	transport Transport
	conn      Connectivity
	applier   Applier
	inbox     *event.Mailbox[event.Event]

	session  *pipeline.Session
	meta     *metadata.Metadata
	cycle    *db.Cycle
	download bool
	soak     int
}

// New creates an Orchestrator in the Idle stage.
func New(cfg Config, transport Transport, conn Connectivity, applier Applier) *Orchestrator {
	inbox := cfg.Inbox
	if inbox == nil {
		inbox = event.NewMailbox[event.Event]()
	}
	return &Orchestrator{
		config:    cfg,
		transport: transport,
		conn:      conn,
		applier:   applier,
		inbox:     inbox,
		session:   pipeline.NewSession(),
		soak:      cfg.SoakLoops,
	}
}

// Post queues ev, waiting while the mailbox is full.
func (o *Orchestrator) Post(ctx context.Context, ev event.Event) error {
	return o.inbox.Post(ctx, ev)
}

// Trigger asks for a new check cycle without waiting.
func (o *Orchestrator) Trigger() error {
	return o.inbox.TryPost(event.Reload{})
}

// Stage returns the current stage. It is only safe to call from the Run
// goroutine or when Run is not running.
func (o *Orchestrator) Stage() pipeline.Stage {
	return o.session.Stage
}

// Metadata returns the last successfully parsed metadata, or nil.
func (o *Orchestrator) Metadata() *metadata.Metadata {
	return o.meta
}

// Run handles events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	slog.Info("orchestrator_start", "check_url", o.config.CheckURL, "soak_loops", o.config.SoakLoops)
	for {
		ev, err := o.inbox.Receive(ctx)
		if err != nil {
			n := o.drain()
			slog.Info("orchestrator_stop", "stage", o.session.Stage.String(), "dropped", n)
			return nil
		}
		o.Handle(ctx, ev)
	}
}

// drain releases events still queued at shutdown.
func (o *Orchestrator) drain() int {
	n := 0
	for {
		select {
		case ev := <-o.inbox.C():
			ev.Release()
			n++
		default:
			return n
		}
	}
}

// Handle processes a single event and releases it.
func (o *Orchestrator) Handle(ctx context.Context, ev event.Event) {
	defer ev.Release()

	from := o.session.Stage
	handled := o.dispatch(ctx, ev)

	disposition := "handled"
	if !handled {
		disposition = "ignored"
		slog.Debug("event_ignored", "event", ev.Kind().String(), "stage", from.String())
	}
	o.config.Metrics.Event(ev.Kind().String(), disposition)
	o.config.Metrics.SetStage(int(o.session.Stage))

	if o.session.Stage != from {
		slog.Info("stage_changed", "from", from.String(), "to", o.session.Stage.String(), "event", ev.Kind().String())
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev event.Event) bool {
	switch ev.(type) {
	case event.TransportConnected:
		slog.Info("transport_connected", "stage", o.session.Stage.String())
		return true

	case event.StationDisconnected:
		if o.session.Stage == pipeline.DownloadFirmware {
			return false
		}
		if err := o.conn.RequestConnect(); err != nil {
			slog.Warn("reconnect_request_failed", "error", err)
		}
		return true
	}

	switch o.session.Stage {
	case pipeline.Idle:
		switch ev.(type) {
		case event.StationConnected, event.Reload:
			o.check()
			return true
		}

	case pipeline.CheckFirmware:
		if ev, ok := ev.(event.TransportReceived); ok {
			o.received(ev)
			return true
		}

	case pipeline.DownloadFirmware:
		switch ev := ev.(type) {
		case event.TransportDisconnected:
			if o.download {
				return false
			}
			o.requestDownload()
			return true
		case event.FirmwareDownloaded:
			if !o.download {
				return false
			}
			o.downloaded(ctx, ev)
			return true
		}
	}
	return false
}

// check sends the identity payload and enters CheckFirmware.
func (o *Orchestrator) check() {
	payload, err := o.config.Identity.Payload()
	if err != nil {
		slog.Error("identity_encode_failed", "error", err)
		return
	}
	if err := o.transport.SendRequest(o.config.CheckURL, payload); err != nil {
		slog.Error("check_request_failed", "url", o.config.CheckURL, "error", err)
		return
	}

	o.session.Reset()
	o.session.Stage = pipeline.CheckFirmware
	o.download = false
	o.cycle = &db.Cycle{Status: db.StatusChecking}
	o.record(func(l Ledger) error { return l.Create(o.cycle) })

	slog.Info("firmware_check_sent", "url", o.config.CheckURL,
		"hardware", o.config.Identity.Hardware, "version", o.config.Identity.Version)
}

func (o *Orchestrator) received(ev event.TransportReceived) {
	if ev.Err != nil {
		o.finish(db.StatusFailed, errors.Wrap(ev.Err, "metadata request failed"))
		return
	}
	if ev.Status != http.StatusOK {
		o.finish(db.StatusFailed, fmt.Errorf("metadata request returned status %d", ev.Status))
		return
	}

	var body []byte
	if ev.Body != nil {
		body = ev.Body.Bytes()
	}
	m, err := metadata.Parse(body)
	if err != nil {
		slog.Warn("metadata_parse_failed", "len", ev.Len(), "error", err)
		o.finish(db.StatusFailed, err)
		return
	}
	o.meta = m
	o.cycle.Version = m.Version
	o.cycle.Hash = m.Hash

	outcome := m.Outcome()
	slog.Info("metadata_received", "status", m.Status, "outcome", outcome.String(),
		"version", m.Version, "hardware", m.Hardware, "cid", m.ContentLocator)

	switch outcome {
	case metadata.OutcomeUpdateAvailable:
	case metadata.OutcomeNoUpdate, metadata.OutcomeHardwareNotRecognized:
		o.finish(db.StatusNoUpdate, nil)
		return
	default:
		o.finish(db.StatusFailed, fmt.Errorf("unrecognized metadata status %q", m.Status))
		return
	}

	if o.config.RefuseDowngrade {
		newer, err := m.Newer(o.config.Identity.Version)
		if err != nil {
			o.finish(db.StatusFailed, errors.Wrap(err, "version comparison failed"))
			return
		}
		if !newer {
			slog.Warn("update_refused", "reason", "not_newer", "offered", m.Version, "current", o.config.Identity.Version)
			o.finish(db.StatusNoUpdate, nil)
			return
		}
	}
	if o.config.Validator != nil {
		if err := o.config.Validator.ValidateLocator(m.ContentLocator); err != nil {
			o.finish(db.StatusFailed, err)
			return
		}
	}

	o.session.Stage = pipeline.DownloadFirmware
	o.cycle.Status = db.StatusDownloading
	o.record(func(l Ledger) error { return l.Update(o.cycle) })
}

func (o *Orchestrator) requestDownload() {
	url := o.config.DownloadBaseURL + o.meta.ContentLocator
	if err := o.transport.DownloadFirmware(url); err != nil {
		o.finish(db.StatusFailed, errors.Wrap(err, "download request failed"))
		return
	}
	o.download = true
	slog.Info("firmware_download_requested", "url", url)
}

func (o *Orchestrator) downloaded(ctx context.Context, ev event.FirmwareDownloaded) {
	if ev.Err != nil {
		o.fail(ev.Err)
		return
	}

	o.session.CiphertextLen = ev.Len
	o.session.Stage = pipeline.DecryptFirmware
	o.cycle.Status = db.StatusApplying
	o.cycle.CiphertextLen = ev.Len
	o.record(func(l Ledger) error { return l.Update(o.cycle) })
	o.config.Metrics.SetStage(int(o.session.Stage))

	slog.Info("firmware_apply_start", "ciphertext_len", ev.Len, "version", o.meta.Version)

	var err error
	if ca, ok := o.applier.(cycleApplier); ok && o.cycle.ID != 0 {
		err = ca.ApplyCycle(ctx, o.session, o.meta.Hash, o.cycle.ID)
	} else {
		err = o.applier.Apply(ctx, o.session, o.meta.Hash)
	}
	if err != nil {
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			o.config.Metrics.PipelineError(perr.Kind.String())
		}
		o.cycle.PlaintextLen = o.session.PlaintextLen
		o.fail(err)
		return
	}

	// On a device the commit restarts and this is never reached.
	o.finish(db.StatusCommitted, nil)
}

// fail reports a failed cycle through UpdateStatus and returns to Idle.
func (o *Orchestrator) fail(cause error) {
	o.session.Stage = pipeline.UpdateStatus
	o.session.Err = cause
	o.config.Metrics.SetStage(int(o.session.Stage))

	if o.config.ReportURL != "" {
		r := Report{
			Hardware: o.config.Identity.Hardware,
			Version:  o.config.Identity.Version,
			Status:   db.StatusFailed,
			Error:    cause.Error(),
		}
		if o.meta != nil {
			r.Offered = o.meta.Version
		}
		payload, err := json.Marshal(r)
		if err == nil {
			err = o.transport.ReportStatus(o.config.ReportURL, payload)
		}
		if err != nil {
			slog.Warn("status_report_not_queued", "error", err)
		}
	}

	o.finish(db.StatusFailed, cause)
}

// finish closes the cycle and returns to Idle.
func (o *Orchestrator) finish(status string, cause error) {
	if cause != nil {
		slog.Error("update_cycle_failed", "stage", o.session.Stage.String(), "error", cause)
	} else {
		slog.Info("update_cycle_finished", "status", status)
	}

	if o.cycle != nil {
		o.cycle.Status = status
		if cause != nil {
			o.cycle.ErrorMessage = cause.Error()
		}
		o.record(func(l Ledger) error { return l.Update(o.cycle) })
	}
	o.config.Metrics.CycleOutcome(status)

	o.session.Reset()
	o.download = false
	o.cycle = nil

	if o.soak > 0 {
		o.soak--
		if err := o.inbox.TryPost(event.Reload{}); err != nil {
			slog.Warn("soak_reload_dropped", "error", err)
			return
		}
		slog.Info("soak_reload", "remaining", o.soak)
	}
}

func (o *Orchestrator) record(fn func(Ledger) error) {
	if o.config.Ledger == nil || o.cycle == nil {
		return
	}
	if err := fn(o.config.Ledger); err != nil {
		slog.Error("ledger_write_failed", "status", o.cycle.Status, "error", err)
	}
}
