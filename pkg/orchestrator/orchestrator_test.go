package orchestrator

import (
	"bytes"
	"context"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/superfly/fsm"
	"github.com/toyotech/ota-client/pkg/cipher"
	"github.com/toyotech/ota-client/pkg/db"
	"github.com/toyotech/ota-client/pkg/event"
	appfsm "github.com/toyotech/ota-client/pkg/fsm"
	"github.com/toyotech/ota-client/pkg/metadata"
	"github.com/toyotech/ota-client/pkg/pipeline"
	"github.com/toyotech/ota-client/pkg/region"
	"github.com/toyotech/ota-client/pkg/security"
)

var (
	testKey = bytes.Repeat([]byte{0x11}, 32)
	testIV  = bytes.Repeat([]byte{0x22}, 16)
)

const (
	checkURL  = "https://updates.example/check"
	baseURL   = "https://updates.example/firmware/"
	reportURL = "https://updates.example/report"
)

type call struct {
	Method string
	URL    string
}

type fakeTransport struct {
	calls    []call
	payloads [][]byte
	sent     chan struct{}
	fail     error
}

func (f *fakeTransport) record(method, url string, payload []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, call{Method: method, URL: url})
	f.payloads = append(f.payloads, payload)
	if f.sent != nil {
		f.sent <- struct{}{}
	}
	return nil
}

func (f *fakeTransport) SendRequest(url string, payload []byte) error {
	return f.record("send", url, payload)
}

func (f *fakeTransport) DownloadFirmware(url string) error {
	return f.record("download", url, nil)
}

func (f *fakeTransport) ReportStatus(url string, payload []byte) error {
	return f.record("report", url, payload)
}

type fakeConn struct{ requests int }

func (f *fakeConn) RequestConnect() error {
	f.requests++
	return nil
}

// countingApplier records Apply calls before delegating.
type countingApplier struct {
	next  Applier
	calls int
	hash  string
}

func (c *countingApplier) Apply(ctx context.Context, s *pipeline.Session, hash string) error {
	c.calls++
	c.hash = hash
	return c.next.Apply(ctx, s, hash)
}

type fixture struct {
	o         *Orchestrator
	transport *fakeTransport
	conn      *fakeConn
	applier   *countingApplier
	store     *region.MemStore
	pool      *event.BufferPool
	repo      *db.Repository
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	store := region.NewMemStore(4096)
	p, err := pipeline.New(store, testKey, testIV)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "ota.db"))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := Config{
		CheckURL:        checkURL,
		DownloadBaseURL: baseURL,
		Identity:        metadata.Identity{Hardware: "ModelX", Version: "1.1"},
		Validator:       security.NewValidator(4096, 2048),
		Ledger:          repo,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		transport: &fakeTransport{},
		conn:      &fakeConn{},
		applier:   &countingApplier{next: p},
		store:     store,
		pool:      event.NewBufferPool(),
		repo:      repo,
	}
	f.o = New(cfg, f.transport, f.conn, f.applier)
	return f
}

func (f *fixture) handle(evs ...event.Event) {
	for _, ev := range evs {
		f.o.Handle(context.Background(), ev)
	}
}

func (f *fixture) response(status int, m map[string]string) event.TransportReceived {
	b, _ := json.Marshal(m)
	return event.TransportReceived{Status: status, Body: f.pool.Get(b)}
}

func (f *fixture) offer(hash string) event.TransportReceived {
	return f.response(200, map[string]string{
		"status":   "update available",
		"version":  "1.2",
		"hardware": "ModelX",
		"hash":     hash,
		"cid":      "fw-1.2.bin",
	})
}

// toDownload drives the orchestrator into DownloadFirmware.
func (f *fixture) toDownload(t *testing.T, hash string) {
	t.Helper()
	f.handle(event.StationConnected{Addr: "10.0.0.2"}, f.offer(hash))
	if got := f.o.Stage(); got != pipeline.DownloadFirmware {
		t.Fatalf("stage = %v, want download_firmware", got)
	}
}

func (f *fixture) stageImage(t *testing.T, ct []byte) {
	t.Helper()
	if err := f.store.Load(region.Staging, ct); err != nil {
		t.Fatalf("load staging: %v", err)
	}
}

func (f *fixture) lastCycle(t *testing.T) *db.Cycle {
	t.Helper()
	cycles, err := f.repo.List(1)
	if err != nil || len(cycles) == 0 {
		t.Fatalf("list cycles: %v, %v", cycles, err)
	}
	return cycles[0]
}

func plainImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + 5)
	}
	return b
}

func hexSum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestCheck_SendsIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(event.StationConnected{Addr: "10.0.0.2"})

	if got := f.o.Stage(); got != pipeline.CheckFirmware {
		t.Fatalf("stage = %v, want check_firmware", got)
	}
	if diff := cmp.Diff([]call{{"send", checkURL}}, f.transport.calls); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
	if got := string(f.transport.payloads[0]); got != `{"hardware":"ModelX","version":"1.1"}` {
		t.Errorf("payload = %s", got)
	}
	if c := f.lastCycle(t); c.Status != db.StatusChecking {
		t.Errorf("cycle status = %q, want checking", c.Status)
	}
}

func TestCheck_NoUpdate(t *testing.T) {
	for _, status := range []string{"no update needed", "hardware not recognized", "No Update Needed"} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t, nil)
			f.handle(
				event.StationConnected{},
				f.response(200, map[string]string{"status": status, "version": "1.1"}),
				event.TransportDisconnected{},
			)

			if got := f.o.Stage(); got != pipeline.Idle {
				t.Errorf("stage = %v, want idle", got)
			}
			if f.applier.calls != 0 {
				t.Errorf("pipeline invoked %d times", f.applier.calls)
			}
			if len(f.transport.calls) != 1 {
				t.Errorf("unexpected transport calls: %v", f.transport.calls)
			}
			if c := f.lastCycle(t); c.Status != db.StatusNoUpdate {
				t.Errorf("cycle status = %q, want no_update", c.Status)
			}
			if n := f.pool.Outstanding(); n != 0 {
				t.Errorf("%d buffers not released", n)
			}
		})
	}
}

func TestUpdate_CommitsVerifiedImage(t *testing.T) {
	f := newFixture(t, nil)
	plain := plainImage(154)
	ct, err := cipher.Seal(testKey, testIV, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	f.toDownload(t, hexSum(plain[:144]))
	f.handle(event.TransportDisconnected{})

	want := []call{{"send", checkURL}, {"download", baseURL + "fw-1.2.bin"}}
	if diff := cmp.Diff(want, f.transport.calls); diff != "" {
		t.Fatalf("transport calls mismatch (-want +got):\n%s", diff)
	}

	f.stageImage(t, ct)
	f.handle(event.FirmwareDownloaded{Len: int64(len(ct))})

	if f.applier.calls != 1 || f.applier.hash != hexSum(plain[:144]) {
		t.Fatalf("applier calls = %d hash = %q", f.applier.calls, f.applier.hash)
	}
	if f.store.Boot != region.Execution || f.store.Restarts != 1 {
		t.Errorf("boot = %v restarts = %d, want execution and 1", f.store.Boot, f.store.Restarts)
	}
	if got := f.o.Stage(); got != pipeline.Idle {
		t.Errorf("stage = %v, want idle", got)
	}

	c := f.lastCycle(t)
	if c.Status != db.StatusCommitted || c.Version != "1.2" || c.CiphertextLen != 160 {
		t.Errorf("cycle = %+v", c)
	}
}

func TestDownload_RequestedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.toDownload(t, hexSum(nil))
	f.handle(event.TransportDisconnected{}, event.TransportDisconnected{})

	downloads := 0
	for _, c := range f.transport.calls {
		if c.Method == "download" {
			downloads++
		}
	}
	if downloads != 1 {
		t.Errorf("download requested %d times, want 1", downloads)
	}
}

func TestUpdate_BadPaddingNotCommitted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReportURL = reportURL })

	block := bytes.Repeat([]byte{0x41}, 160)
	block[159] = 0
	b, _ := aes.NewCipher(testKey)
	ct := make([]byte, len(block))
	stdcipher.NewCBCEncrypter(b, testIV).CryptBlocks(ct, block)

	f.toDownload(t, hexSum(block[:144]))
	f.handle(event.TransportDisconnected{})
	f.stageImage(t, ct)
	f.handle(event.FirmwareDownloaded{Len: 160})

	if f.store.Boot != -1 || f.store.Restarts != 0 {
		t.Errorf("committed after decrypt error: boot=%v restarts=%d", f.store.Boot, f.store.Restarts)
	}
	if f.store.Commits[region.Execution] != 0 || f.store.Discards[region.Execution] != 1 {
		t.Errorf("execution session: commits=%d discards=%d", f.store.Commits[region.Execution], f.store.Discards[region.Execution])
	}
	if got := f.o.Stage(); got != pipeline.Idle {
		t.Errorf("stage = %v, want idle", got)
	}

	last := f.transport.calls[len(f.transport.calls)-1]
	if last != (call{"report", reportURL}) {
		t.Fatalf("last call = %v, want report", last)
	}
	var r Report
	if err := json.Unmarshal(f.transport.payloads[len(f.transport.payloads)-1], &r); err != nil {
		t.Fatalf("report payload: %v", err)
	}
	if r.Status != db.StatusFailed || r.Offered != "1.2" || r.Error == "" {
		t.Errorf("report = %+v", r)
	}
	if c := f.lastCycle(t); c.Status != db.StatusFailed {
		t.Errorf("cycle status = %q, want failed", c.Status)
	}
}

func TestUpdate_HashMismatchNotCommitted(t *testing.T) {
	f := newFixture(t, nil)
	plain := plainImage(154)
	ct, _ := cipher.Seal(testKey, testIV, plain)

	f.toDownload(t, hexSum([]byte("something else")))
	f.handle(event.TransportDisconnected{})
	f.stageImage(t, ct)
	f.handle(event.FirmwareDownloaded{Len: int64(len(ct))})

	if f.store.Boot != -1 || f.store.Restarts != 0 {
		t.Errorf("committed after hash mismatch: boot=%v restarts=%d", f.store.Boot, f.store.Restarts)
	}
	c := f.lastCycle(t)
	if c.Status != db.StatusFailed || c.PlaintextLen != 144 {
		t.Errorf("cycle = %+v", c)
	}
	// No report endpoint configured.
	for _, call := range f.transport.calls {
		if call.Method == "report" {
			t.Errorf("unexpected report call")
		}
	}
}

func TestDownloadError_ReturnsToIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.toDownload(t, hexSum(nil))
	f.handle(event.TransportDisconnected{}, event.FirmwareDownloaded{Err: errors.New("connection reset")})

	if f.applier.calls != 0 {
		t.Errorf("pipeline invoked after failed download")
	}
	if got := f.o.Stage(); got != pipeline.Idle {
		t.Errorf("stage = %v, want idle", got)
	}
}

func TestCheck_Failures(t *testing.T) {
	tests := []struct {
		name string
		ev   func(f *fixture) event.TransportReceived
	}{
		{"transport error", func(*fixture) event.TransportReceived {
			return event.TransportReceived{Err: errors.New("tls handshake failed")}
		}},
		{"server error", func(f *fixture) event.TransportReceived {
			return f.response(500, map[string]string{"status": "update available"})
		}},
		{"unparseable", func(f *fixture) event.TransportReceived {
			return event.TransportReceived{Status: 200, Body: f.pool.Get([]byte("{not json"))}
		}},
		{"unknown status", func(f *fixture) event.TransportReceived {
			return f.response(200, map[string]string{"status": "maybe later"})
		}},
		{"bad locator", func(f *fixture) event.TransportReceived {
			return f.response(200, map[string]string{"status": "update available", "cid": "../../etc/passwd"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.handle(event.StationConnected{}, tt.ev(f))

			if got := f.o.Stage(); got != pipeline.Idle {
				t.Errorf("stage = %v, want idle", got)
			}
			if c := f.lastCycle(t); c.Status != db.StatusFailed {
				t.Errorf("cycle status = %q, want failed", c.Status)
			}
			if n := f.pool.Outstanding(); n != 0 {
				t.Errorf("%d buffers not released", n)
			}
		})
	}
}

func TestParseError_KeepsPreviousMetadata(t *testing.T) {
	f := newFixture(t, nil)
	f.handle(event.StationConnected{}, f.response(200, map[string]string{"status": "no update needed", "version": "1.1"}))
	prev := f.o.Metadata()
	if prev == nil {
		t.Fatal("metadata not stored")
	}

	f.handle(event.Reload{}, event.TransportReceived{Status: 200, Body: f.pool.Get([]byte("garbage"))})
	if f.o.Metadata() != prev {
		t.Error("metadata replaced by a failed parse")
	}
}

func TestRefuseDowngrade(t *testing.T) {
	tests := []struct {
		offered string
		want    pipeline.Stage
	}{
		{"1.2", pipeline.DownloadFirmware},
		{"1.1", pipeline.Idle},
		{"1.0.9", pipeline.Idle},
	}

	for _, tt := range tests {
		t.Run(tt.offered, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.RefuseDowngrade = true })
			f.handle(event.StationConnected{}, f.response(200, map[string]string{
				"status": "update available", "version": tt.offered, "cid": "fw.bin",
			}))
			if got := f.o.Stage(); got != tt.want {
				t.Errorf("stage = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStationDisconnected(t *testing.T) {
	f := newFixture(t, nil)

	f.handle(event.StationDisconnected{})
	if f.conn.requests != 1 {
		t.Errorf("reconnect requests in idle = %d, want 1", f.conn.requests)
	}

	f.handle(event.StationConnected{}, event.StationDisconnected{})
	if f.conn.requests != 2 || f.o.Stage() != pipeline.CheckFirmware {
		t.Errorf("check: requests = %d stage = %v", f.conn.requests, f.o.Stage())
	}

	f.handle(f.offer(hexSum(nil)), event.StationDisconnected{})
	if f.conn.requests != 2 {
		t.Errorf("reconnect requested mid-download")
	}
	if got := f.o.Stage(); got != pipeline.DownloadFirmware {
		t.Errorf("stage = %v, want download_firmware", got)
	}
}

// Every pair outside the transition table leaves the stage alone and still
// releases the event payload.
func TestIgnoredEvents(t *testing.T) {
	stages := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		want  pipeline.Stage
	}{
		{"idle", func(*testing.T, *fixture) {}, pipeline.Idle},
		{"check", func(t *testing.T, f *fixture) { f.handle(event.StationConnected{}) }, pipeline.CheckFirmware},
		{"download", func(t *testing.T, f *fixture) { f.toDownload(t, hexSum(nil)) }, pipeline.DownloadFirmware},
	}

	events := map[pipeline.Stage][]func(f *fixture) event.Event{
		pipeline.Idle: {
			func(f *fixture) event.Event { return f.offer("") },
			func(*fixture) event.Event { return event.TransportDisconnected{} },
			func(*fixture) event.Event { return event.FirmwareDownloaded{Len: 160} },
			func(*fixture) event.Event { return event.TransportConnected{} },
		},
		pipeline.CheckFirmware: {
			func(*fixture) event.Event { return event.StationConnected{} },
			func(*fixture) event.Event { return event.Reload{} },
			func(*fixture) event.Event { return event.TransportDisconnected{} },
			func(*fixture) event.Event { return event.FirmwareDownloaded{Len: 160} },
			func(*fixture) event.Event { return event.TransportConnected{} },
		},
		pipeline.DownloadFirmware: {
			func(*fixture) event.Event { return event.StationConnected{} },
			func(*fixture) event.Event { return event.Reload{} },
			func(f *fixture) event.Event { return f.offer("") },
			func(*fixture) event.Event { return event.FirmwareDownloaded{Len: 160} },
			func(*fixture) event.Event { return event.StationDisconnected{} },
			func(*fixture) event.Event { return event.TransportConnected{} },
		},
	}

	for _, st := range stages {
		for i, mk := range events[st.want] {
			t.Run(fmt.Sprintf("%s/%d", st.name, i), func(t *testing.T) {
				f := newFixture(t, nil)
				st.setup(t, f)
				calls := len(f.transport.calls)

				ev := mk(f)
				f.handle(ev)

				if got := f.o.Stage(); got != st.want {
					t.Errorf("%s: stage = %v, want %v", ev.Kind(), got, st.want)
				}
				if len(f.transport.calls) != calls {
					t.Errorf("%s: transport called: %v", ev.Kind(), f.transport.calls[calls:])
				}
				if f.applier.calls != 0 {
					t.Errorf("%s: pipeline invoked", ev.Kind())
				}
				if n := f.pool.Outstanding(); n != 0 {
					t.Errorf("%s: %d buffers not released", ev.Kind(), n)
				}
			})
		}
	}
}

func TestSendFailure_StaysIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.fail = event.ErrFull
	f.handle(event.StationConnected{})
	if got := f.o.Stage(); got != pipeline.Idle {
		t.Errorf("stage = %v, want idle", got)
	}
}

func TestSoakLoops(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SoakLoops = 2 })
	noUpdate := func() event.Event {
		return f.response(200, map[string]string{"status": "no update needed"})
	}

	f.handle(event.StationConnected{}, noUpdate())
	for i := 0; i < 2; i++ {
		ev, err := f.o.inbox.Receive(context.Background())
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if ev.Kind() != event.KindReload {
			t.Fatalf("queued %v, want reload", ev.Kind())
		}
		f.handle(ev, noUpdate())
	}
	if n := f.o.inbox.Len(); n != 0 {
		t.Errorf("%d events queued after soak loops exhausted", n)
	}

	sends := 0
	for _, c := range f.transport.calls {
		if c.Method == "send" {
			sends++
		}
	}
	if sends != 3 {
		t.Errorf("checks sent = %d, want 3", sends)
	}
}

func TestRun_ProcessesPostedEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.sent = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()

	if err := f.o.Post(ctx, event.StationConnected{Addr: "10.0.0.2"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case <-f.transport.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("check request not sent")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestTrigger(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < event.Capacity; i++ {
		if err := f.o.Trigger(); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
	}
	if err := f.o.Trigger(); !errors.Is(err, event.ErrFull) {
		t.Errorf("trigger on full mailbox: got %v, want ErrFull", err)
	}
}

func TestNew_SharedInbox(t *testing.T) {
	inbox := event.NewMailbox[event.Event]()
	var sink event.Sink = inbox

	f := newFixture(t, func(c *Config) { c.Inbox = inbox })
	if err := sink.Post(context.Background(), event.Reload{}); err != nil {
		t.Fatalf("post: %v", err)
	}
	ev, err := f.o.inbox.Receive(context.Background())
	if err != nil || ev.Kind() != event.KindReload {
		t.Fatalf("receive = %v, %v", ev, err)
	}
}

// The production applier runs the commit through a persisted FSM run while
// the device restart cancels the run context.
func TestUpdate_FSMCommitWithRestartRecordedCommitted(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReportURL = reportURL })

	p, err := pipeline.New(f.store, testKey, testIV)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	if err != nil {
		t.Fatalf("fsm manager: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(5 * time.Second) })

	machine := appfsm.NewMachine(p, f.repo, 3, true)
	if err := machine.Register(context.Background(), manager); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.o = New(f.o.config, f.transport, f.conn, machine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.store.OnRestart = cancel

	plain := plainImage(154)
	ct, err := cipher.Seal(testKey, testIV, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	f.o.Handle(ctx, event.StationConnected{Addr: "10.0.0.2"})
	f.o.Handle(ctx, f.offer(hexSum(plain[:144])))
	f.o.Handle(ctx, event.TransportDisconnected{})
	f.stageImage(t, ct)
	f.o.Handle(ctx, event.FirmwareDownloaded{Len: int64(len(ct))})

	if ctx.Err() == nil {
		t.Fatal("restart hook did not run")
	}
	if f.store.Boot != region.Execution || f.store.Restarts != 1 {
		t.Errorf("boot = %v restarts = %d, want execution and 1", f.store.Boot, f.store.Restarts)
	}
	if c := f.lastCycle(t); c.Status != db.StatusCommitted || c.ErrorMessage != "" {
		t.Errorf("cycle status = %q error = %q, want committed", c.Status, c.ErrorMessage)
	}
	want := []call{{"send", checkURL}, {"download", baseURL + "fw-1.2.bin"}}
	if diff := cmp.Diff(want, f.transport.calls); diff != "" {
		t.Errorf("transport calls mismatch (-want +got):\n%s", diff)
	}
	if got := f.o.Stage(); got != pipeline.Idle {
		t.Errorf("stage = %v, want idle", got)
	}
}

func TestRun_ReleasesQueuedEventsOnStop(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < event.Capacity; i++ {
		ev := f.response(200, map[string]string{"status": "no update needed"})
		if err := f.o.inbox.TryPost(ev); err != nil {
			t.Fatalf("queue event %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.o.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if n := f.o.inbox.Len(); n != 0 {
		t.Errorf("%d events left queued", n)
	}
	if n := f.pool.Outstanding(); n != 0 {
		t.Errorf("%d buffers not released", n)
	}
}
