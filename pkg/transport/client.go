// Package transport talks to the update server. It posts JSON requests over
// mutual TLS and downloads firmware images into the staging region, reporting
// outcomes to the orchestrator as events.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/machinebox/progress"
	"github.com/toyotech/ota-client/pkg/errors"
	"github.com/toyotech/ota-client/pkg/event"
	"github.com/toyotech/ota-client/pkg/metrics"
	"github.com/toyotech/ota-client/pkg/region"
	"github.com/toyotech/ota-client/pkg/security"
	"github.com/toyotech/ota-client/pkg/storage"
)

// ContentType is the content type of every request body.
const ContentType = "application/json"

// ObjectSource downloads objects addressed by s3:// URLs.
type ObjectSource interface {
	Download(ctx context.Context, bucket, key string, w io.Writer, wrap func(io.Reader, int64) io.Reader) (*storage.DownloadResult, error)
}

// Config holds Client dependencies. Port and Validator are required.
type Config struct {
	TLS       *tls.Config
	Timeout   time.Duration
	Port      region.Port
	Validator *security.Validator
	Objects   ObjectSource
	Metrics   *metrics.Metrics
	// ProgressInterval enables download progress logging when positive.
	ProgressInterval time.Duration
}

type request interface{ isRequest() }

type sendRequest struct {
	url     string
	payload []byte
}

type downloadRequest struct{ url string }

type reportRequest struct {
	url     string
	payload []byte
}

func (sendRequest) isRequest()     {}
func (downloadRequest) isRequest() {}
func (reportRequest) isRequest()   {}

// Client is the transport unit.
type Client struct {
	http   *http.Client
	sink   event.Sink
	pool   *event.BufferPool
	inbox  *event.Mailbox[request]
	config Config
}

// NewClient creates a transport reporting to sink. Response bodies are
// taken from pool.
func NewClient(cfg Config, sink event.Sink, pool *event.BufferPool) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = cfg.TLS
	// Each request is its own connection, so connect and disconnect events
	// bracket every exchange.
	tr.DisableKeepAlives = true

	return &Client{
		http:   &http.Client{Transport: tr, Timeout: cfg.Timeout},
		sink:   sink,
		pool:   pool,
		inbox:  event.NewMailbox[request](),
		config: cfg,
	}
}

// SendRequest queues a JSON POST whose response is delivered as
// event.TransportReceived followed by event.TransportDisconnected.
func (c *Client) SendRequest(url string, payload []byte) error {
	return c.inbox.TryPost(sendRequest{url: url, payload: append([]byte(nil), payload...)})
}

// DownloadFirmware queues a download into the staging region. The outcome is
// delivered as event.FirmwareDownloaded.
func (c *Client) DownloadFirmware(url string) error {
	return c.inbox.TryPost(downloadRequest{url: url})
}

// ReportStatus queues a JSON POST whose outcome is only logged.
func (c *Client) ReportStatus(url string, payload []byte) error {
	return c.inbox.TryPost(reportRequest{url: url, payload: append([]byte(nil), payload...)})
}

// Run processes queued requests until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	slog.Info("transport_start", "timeout", c.config.Timeout)
	for {
		req, err := c.inbox.Receive(ctx)
		if err != nil {
			slog.Info("transport_stop")
			return nil
		}
		if err := c.handle(ctx, req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Client) handle(ctx context.Context, req request) error {
	switch req := req.(type) {
	case sendRequest:
		return c.send(ctx, req)
	case downloadRequest:
		n, err := c.download(ctx, req.url)
		if err != nil {
			slog.Error("firmware_download_failed", "url", req.url, "error", err)
		}
		return c.sink.Post(ctx, event.FirmwareDownloaded{Len: n, Err: err})
	case reportRequest:
		status, _, err := c.post(ctx, req.url, req.payload, nil)
		if err != nil {
			slog.Warn("status_report_failed", "url", req.url, "error", err)
			return nil
		}
		slog.Info("status_report_sent", "url", req.url, "status", status)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req sendRequest) error {
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			slog.Info("transport_connected", "url", req.url)
			c.connected(ctx, req.url)
		},
	}

	status, body, err := c.post(ctx, req.url, req.payload, trace)
	if err != nil {
		slog.Error("transport_request_failed", "url", req.url, "error", err)
		if perr := c.sink.Post(ctx, event.TransportReceived{Err: err}); perr != nil {
			return perr
		}
	} else {
		ev := event.TransportReceived{Status: status, Body: c.pool.Get(body)}
		if perr := c.sink.Post(ctx, ev); perr != nil {
			ev.Release()
			return perr
		}
	}

	slog.Info("transport_disconnected", "url", req.url)
	return c.sink.Post(ctx, event.TransportDisconnected{})
}

// connected reports a new connection. It runs on the dialing goroutine, so
// it never waits on a full mailbox; the event is only logged downstream.
func (c *Client) connected(ctx context.Context, url string) {
	var err error
	if tp, ok := c.sink.(interface{ TryPost(event.Event) error }); ok {
		err = tp.TryPost(event.TransportConnected{})
	} else {
		err = c.sink.Post(ctx, event.TransportConnected{})
	}
	if err != nil {
		slog.Warn("transport_connected_dropped", "url", url, "error", err)
	}
}

// post sends payload and returns the status and at most max-response-size
// bytes of the response body.
func (c *Client) post(ctx context.Context, url string, payload []byte, trace *httptrace.ClientTrace) (int, []byte, error) {
	if trace != nil {
		ctx = httptrace.WithClientTrace(ctx, trace)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", ContentType)

	slog.Info("transport_request", "url", url, "payload_len", len(payload))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	limit := c.config.Validator.MaxResponseSize()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to read response")
	}
	if int64(len(body)) > limit {
		slog.Warn("transport_response_overflow", "url", url, "limit", limit)
		body = body[:limit]
	}

	slog.Info("transport_response", "url", url, "status", resp.StatusCode, "content_length", len(body))
	return resp.StatusCode, body, nil
}

// download streams an image into a staging write session, committing it only
// when the whole image arrived and passed validation.
func (c *Client) download(ctx context.Context, raw string) (int64, error) {
	v := c.config.Validator
	u, err := v.ValidateDownloadURL(raw)
	if err != nil {
		return 0, err
	}
	v.Reset()

	// Bounds the progress ticker to this download.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	port := c.config.Port
	size, err := port.Size(region.Staging)
	if err != nil {
		return 0, err
	}
	if err := port.Erase(region.Staging, 0, size); err != nil {
		return 0, err
	}

	ws, err := port.OpenWriteSession(region.Staging)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			ws.Close(false)
		}
	}()

	slog.Info("firmware_download_start", "url", u.Redacted())
	w := &limitedWriter{w: ws, v: v}

	switch u.Scheme {
	case "s3":
		if c.config.Objects == nil {
			return 0, fmt.Errorf("no object store configured for %s", u.Redacted())
		}
		key := strings.TrimPrefix(u.Path, "/")
		if _, err := c.config.Objects.Download(ctx, u.Host, key, w, c.progress(ctx, u)); err != nil {
			return 0, err
		}
	default:
		if err := c.get(ctx, u, w); err != nil {
			return 0, err
		}
	}

	n := ws.Written()
	if err := v.ValidateCiphertextLen(n); err != nil {
		return 0, err
	}
	committed = true
	if err := ws.Close(true); err != nil {
		return 0, err
	}

	c.config.Metrics.Downloaded(n)
	slog.Info("firmware_download_complete", "url", u.Redacted(), "len", n)
	return n, nil
}

func (c *Client) get(ctx context.Context, u *url.URL, w io.Writer) error {
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			c.connected(ctx, u.Redacted())
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "download request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		if err := c.config.Validator.ValidateImageSize(resp.ContentLength); err != nil {
			return err
		}
	}

	body := c.progress(ctx, u)(resp.Body, resp.ContentLength)
	if _, err := io.Copy(w, body); err != nil {
		return errors.Wrap(err, "failed to write firmware to staging")
	}
	return nil
}

// progress returns a body wrapper that logs download progress while ctx is
// live and the size is known.
func (c *Client) progress(ctx context.Context, u *url.URL) func(io.Reader, int64) io.Reader {
	return func(r io.Reader, size int64) io.Reader {
		if c.config.ProgressInterval <= 0 || size <= 0 {
			return r
		}
		pr := progress.NewReader(r)
		ticks := progress.NewTicker(ctx, pr, size, c.config.ProgressInterval)
		go func() {
			for p := range ticks {
				slog.Info("firmware_download_progress",
					"url", u.Redacted(),
					"percent", int(p.Percent()),
					"remaining", p.Remaining().Round(time.Second))
			}
		}()
		return pr
	}
}

// limitedWriter counts bytes against the validator's image limit before
// passing them to the write session.
type limitedWriter struct {
	w io.Writer
	v *security.Validator
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if err := l.v.AddDownloaded(int64(len(p))); err != nil {
		return 0, err
	}
	return l.w.Write(p)
}
