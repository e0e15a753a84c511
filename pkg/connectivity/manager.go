// Package connectivity keeps the device's network link up and tells the
// orchestrator when it comes and goes.
//
// A link-down is retried while the reconnect budget lasts. Once the budget is
// spent the next link-down is surfaced as event.StationDisconnected and no
// further automatic reconnect is attempted until RequestConnect is called.
package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/toyotech/ota-client/pkg/event"
	"github.com/toyotech/ota-client/pkg/metrics"
)

// DefaultMaxRetries is the reconnect budget after a link-down.
const DefaultMaxRetries = 5

// Link receives link state changes from a Station.
type Link interface {
	LinkUp(ctx context.Context, addr string) error
	LinkDown(ctx context.Context, err error) error
}

// Station brings the network link up. Connect starts an attempt and
// returns; the outcome is reported through link.
type Station interface {
	Connect(ctx context.Context, link Link) error
}

type message interface{ isMessage() }

type connectRequested struct{}

type linkUp struct{ addr string }

type linkDown struct{ err error }

func (connectRequested) isMessage() {}
func (linkUp) isMessage()           {}
func (linkDown) isMessage()         {}

// Config holds Manager options.
type Config struct {
	MaxRetries     int
	ReconnectDelay time.Duration
	Metrics        *metrics.Metrics
}

// Manager is the connectivity unit.
type Manager struct {
	station Station
	sink    event.Sink
	inbox   *event.Mailbox[message]
	config  Config

	budget backoff.BackOff
}

// NewManager creates a Manager reporting to sink.
func NewManager(station Station, sink event.Sink, cfg Config) *Manager {
	m := &Manager{
		station: station,
		sink:    sink,
		inbox:   event.NewMailbox[message](),
		config:  cfg,
	}
	m.budget = m.newBudget()
	return m
}

func (m *Manager) newBudget() backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.config.ReconnectDelay), uint64(m.config.MaxRetries))
	b.Reset()
	return b
}

// RequestConnect asks the manager to (re)connect. It does not wait.
func (m *Manager) RequestConnect() error {
	return m.inbox.TryPost(connectRequested{})
}

func (m *Manager) LinkUp(ctx context.Context, addr string) error {
	return m.inbox.Post(ctx, linkUp{addr: addr})
}

func (m *Manager) LinkDown(ctx context.Context, err error) error {
	return m.inbox.Post(ctx, linkDown{err: err})
}

// Run processes the manager's mailbox until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	slog.Info("connectivity_start", "max_retries", m.config.MaxRetries, "reconnect_delay", m.config.ReconnectDelay)
	for {
		msg, err := m.inbox.Receive(ctx)
		if err != nil {
			slog.Info("connectivity_stop")
			return nil
		}
		if err := m.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg message) error {
	switch msg := msg.(type) {
	case connectRequested:
		m.budget = m.newBudget()
		slog.Info("station_connect_requested")
		return m.connect(ctx)

	case linkUp:
		m.budget.Reset()
		slog.Info("station_connected", "addr", msg.addr)
		return m.sink.Post(ctx, event.StationConnected{Addr: msg.addr})

	case linkDown:
		delay := m.budget.NextBackOff()
		if delay == backoff.Stop {
			slog.Warn("station_disconnected", "reason", "retry_budget_exhausted", "error", msg.err)
			m.config.Metrics.Disconnect()
			return m.sink.Post(ctx, event.StationDisconnected{})
		}

		slog.Info("station_reconnect", "delay", delay, "error", msg.err)
		m.config.Metrics.Reconnect()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return m.connect(ctx)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	if err := m.station.Connect(ctx, m); err != nil {
		slog.Error("station_connect_failed", "error", err)
		// Counted against the budget like any other link-down.
		return m.handle(ctx, linkDown{err: err})
	}
	return nil
}
