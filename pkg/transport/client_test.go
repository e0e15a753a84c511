package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toyotech/ota-client/pkg/event"
	"github.com/toyotech/ota-client/pkg/region"
	"github.com/toyotech/ota-client/pkg/security"
	"github.com/toyotech/ota-client/pkg/storage"
)

type harness struct {
	client *Client
	sink   *event.Mailbox[event.Event]
	pool   *event.BufferPool
	port   *region.MemStore
}

func newHarness(t *testing.T, srv *httptest.Server, regionSize, maxResponse int64) *harness {
	t.Helper()
	var tlsCfg *tls.Config
	if srv != nil {
		tlsCfg = srv.Client().Transport.(*http.Transport).TLSClientConfig
	}
	h := &harness{
		sink: event.NewMailbox[event.Event](),
		pool: event.NewBufferPool(),
		port: region.NewMemStore(regionSize),
	}
	h.client = NewClient(Config{
		TLS:       tlsCfg,
		Port:      h.port,
		Validator: security.NewValidator(regionSize, maxResponse),
	}, h.sink, h.pool)
	return h
}

func (h *harness) drain(t *testing.T) []event.Event {
	t.Helper()
	var out []event.Event
	for h.sink.Len() > 0 {
		ev, err := h.sink.Receive(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, ev)
	}
	return out
}

func kinds(evs []event.Event) []event.Kind {
	var out []event.Kind
	for _, ev := range evs {
		out = append(out, ev.Kind())
	}
	return out
}

func TestSendRequest_Events(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != ContentType {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"hardware":"ModelX","version":"1.1"}` {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"status":"no update needed"}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv, 1024, 2048)
	if err := h.client.handle(context.Background(), sendRequest{url: srv.URL, payload: []byte(`{"hardware":"ModelX","version":"1.1"}`)}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	evs := h.drain(t)
	want := []event.Kind{event.KindTransportConnected, event.KindTransportReceived, event.KindTransportDisconnected}
	if got := kinds(evs); len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("events = %v, want %v", got, want)
	}

	rx := evs[1].(event.TransportReceived)
	if rx.Status != http.StatusOK || rx.Err != nil {
		t.Errorf("received status=%d err=%v", rx.Status, rx.Err)
	}
	if string(rx.Body.Bytes()) != `{"status":"no update needed"}` {
		t.Errorf("body = %q", rx.Body.Bytes())
	}
	if h.pool.Outstanding() != 1 {
		t.Errorf("outstanding = %d, want 1 before release", h.pool.Outstanding())
	}
	for _, ev := range evs {
		ev.Release()
	}
	if h.pool.Outstanding() != 0 {
		t.Errorf("outstanding = %d after release", h.pool.Outstanding())
	}
}

func TestSendRequest_FullMailboxDoesNotBlockDial(t *testing.T) {
	reached := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(reached)
		w.Write([]byte(`{"status":"no update needed"}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv, 1024, 2048)
	for i := 0; i < event.Capacity; i++ {
		if err := h.sink.TryPost(event.Reload{}); err != nil {
			t.Fatalf("fill mailbox: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- h.client.handle(context.Background(), sendRequest{url: srv.URL, payload: []byte(`{}`)})
	}()

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server while the mailbox was full")
	}

	var got []event.Kind
	for finished := false; !finished || h.sink.Len() > 0; {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			finished = true
		case ev := <-h.sink.C():
			got = append(got, ev.Kind())
			ev.Release()
		case <-time.After(5 * time.Second):
			t.Fatalf("send did not complete, events so far %v", got)
		}
	}

	want := []event.Kind{event.KindReload, event.KindReload, event.KindReload,
		event.KindTransportReceived, event.KindTransportDisconnected}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if n := h.pool.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d after release", n)
	}
}

func TestSendRequest_ResponseOverflowTruncated(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 5000))
	}))
	defer srv.Close()

	h := newHarness(t, srv, 1024, 100)
	h.client.handle(context.Background(), sendRequest{url: srv.URL})

	evs := h.drain(t)
	rx, ok := evs[1].(event.TransportReceived)
	if !ok {
		t.Fatalf("events = %v", kinds(evs))
	}
	if rx.Len() != 100 {
		t.Errorf("body len = %d, want 100", rx.Len())
	}
	rx.Release()
}

func TestSendRequest_ConnectionFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newHarness(t, nil, 1024, 2048)
	if err := h.client.handle(context.Background(), sendRequest{url: url}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	evs := h.drain(t)
	got := kinds(evs)
	if len(got) != 2 || got[0] != event.KindTransportReceived || got[1] != event.KindTransportDisconnected {
		t.Fatalf("events = %v", got)
	}
	rx := evs[0].(event.TransportReceived)
	if rx.Status != 0 || rx.Err == nil || rx.Body != nil {
		t.Errorf("received = %+v, want status 0 with error", rx)
	}
}

func TestReportStatus_NoEvents(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t, srv, 1024, 2048)
	if err := h.client.handle(context.Background(), reportRequest{url: srv.URL, payload: []byte(`{}`)}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
	if evs := h.drain(t); len(evs) != 0 {
		t.Errorf("report produced events: %v", kinds(evs))
	}
}

func downloaded(t *testing.T, h *harness) event.FirmwareDownloaded {
	t.Helper()
	for _, ev := range h.drain(t) {
		if fd, ok := ev.(event.FirmwareDownloaded); ok {
			return fd
		}
	}
	t.Fatal("no firmware_downloaded event")
	return event.FirmwareDownloaded{}
}

func TestDownloadFirmware_HTTPS(t *testing.T) {
	image := bytes.Repeat([]byte{0x5A}, 160)

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		regionSize int64
		wantLen    int64
		wantErr    bool
	}{
		{
			name:       "ok",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.Write(image) },
			regionSize: 1024,
			wantLen:    160,
		},
		{
			name:       "not found",
			handler:    http.NotFound,
			regionSize: 1024,
			wantErr:    true,
		},
		{
			name:       "unaligned",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.Write(image[:100]) },
			regionSize: 1024,
			wantErr:    true,
		},
		{
			name:       "larger than staging",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.Write(image) },
			regionSize: 64,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewTLSServer(tt.handler)
			defer srv.Close()

			h := newHarness(t, srv, tt.regionSize, 2048)
			if err := h.client.handle(context.Background(), downloadRequest{url: srv.URL + "/fw/QmFirmware"}); err != nil {
				t.Fatalf("handle: %v", err)
			}

			fd := downloaded(t, h)
			if tt.wantErr {
				if fd.Err == nil {
					t.Fatal("expected download error")
				}
				if h.port.Commits[region.Staging] != 0 {
					t.Error("staging committed after failed download")
				}
				if h.port.Busy(region.Staging) {
					t.Error("staging session left open")
				}
				return
			}
			if fd.Err != nil {
				t.Fatalf("download error: %v", fd.Err)
			}
			if fd.Len != tt.wantLen {
				t.Errorf("len = %d, want %d", fd.Len, tt.wantLen)
			}
			if !bytes.Equal(h.port.Bytes(region.Staging, 160), image) {
				t.Error("staging does not hold the image")
			}
		})
	}
}

func TestDownloadFirmware_RejectsPlainHTTP(t *testing.T) {
	h := newHarness(t, nil, 1024, 2048)
	h.client.handle(context.Background(), downloadRequest{url: "http://updates.example.com/fw"})

	fd := downloaded(t, h)
	if fd.Err == nil {
		t.Fatal("expected error for http url")
	}
	if h.port.Commits[region.Staging] != 0 || h.port.Discards[region.Staging] != 0 {
		t.Error("staging touched for rejected url")
	}
}

type fakeObjects struct {
	bucket, key string
	data        []byte
	err         error
}

func (f *fakeObjects) Download(ctx context.Context, bucket, key string, w io.Writer, wrap func(io.Reader, int64) io.Reader) (*storage.DownloadResult, error) {
	f.bucket, f.key = bucket, key
	if f.err != nil {
		return nil, f.err
	}
	n, err := io.Copy(w, wrap(bytes.NewReader(f.data), int64(len(f.data))))
	if err != nil {
		return nil, err
	}
	return &storage.DownloadResult{Bucket: bucket, Key: key, Size: n}, nil
}

func TestDownloadFirmware_S3(t *testing.T) {
	objects := &fakeObjects{data: bytes.Repeat([]byte{1}, 48)}
	h := newHarness(t, nil, 1024, 2048)
	h.client.config.Objects = objects

	h.client.handle(context.Background(), downloadRequest{url: "s3://firmware/releases/QmFirmware"})

	fd := downloaded(t, h)
	if fd.Err != nil || fd.Len != 48 {
		t.Fatalf("downloaded = %+v", fd)
	}
	if objects.bucket != "firmware" || objects.key != "releases/QmFirmware" {
		t.Errorf("fetched %s/%s", objects.bucket, objects.key)
	}

	objects.err = errors.New("access denied")
	h.client.handle(context.Background(), downloadRequest{url: "s3://firmware/releases/QmFirmware"})
	if fd := downloaded(t, h); fd.Err == nil {
		t.Error("expected error from object store")
	}
}

func writeCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ca.pem")
	b := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(p, b, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadTLSConfig(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	ca := writeCA(t, srv)

	// The test certificate is issued for 127.0.0.1 and example.com only.
	byName := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1)

	tests := []struct {
		name    string
		files   TLSFiles
		url     string
		wantErr bool
	}{
		{"ca by ip", TLSFiles{CACert: ca}, srv.URL, false},
		{"ca wrong name", TLSFiles{CACert: ca}, byName, true},
		{"skip hostname", TLSFiles{CACert: ca, SkipHostname: true}, byName, false},
		{"system roots", TLSFiles{}, srv.URL, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadTLSConfig(tt.files)
			if err != nil {
				t.Fatalf("LoadTLSConfig: %v", err)
			}
			c := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}
			resp, err := c.Get(tt.url)
			if resp != nil {
				resp.Body.Close()
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("GET error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTLSConfig_MissingFiles(t *testing.T) {
	if _, err := LoadTLSConfig(TLSFiles{CACert: "/nonexistent/ca.pem"}); err == nil {
		t.Error("expected error for missing ca")
	}
	if _, err := LoadTLSConfig(TLSFiles{ClientCert: "/nonexistent/c.pem", ClientKey: "/nonexistent/c.key"}); err == nil {
		t.Error("expected error for missing key pair")
	}
}
