package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// NetStation treats reachability of a TCP endpoint as the network link.
// After a successful probe it keeps probing every interval and reports a
// link-down on the first failure.
type NetStation struct {
	addr     string
	timeout  time.Duration
	interval time.Duration
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	attempt uint64
}

// NewNetStation creates a station probing addr ("host:port").
func NewNetStation(addr string, timeout, interval time.Duration) *NetStation {
	d := &net.Dialer{Timeout: timeout}
	return &NetStation{
		addr:     addr,
		timeout:  timeout,
		interval: interval,
		dialer:   d.DialContext,
	}
}

// Connect starts a probe in the background. A previous monitor is stopped.
func (s *NetStation) Connect(ctx context.Context, link Link) error {
	if s.addr == "" {
		return fmt.Errorf("no probe address configured")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	go s.run(ctx, link, attempt)
	return nil
}

// Close stops the link monitor.
func (s *NetStation) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *NetStation) probe(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dialer(ctx, "tcp", s.addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return conn.LocalAddr().String(), nil
	}
	return host, nil
}

func (s *NetStation) run(ctx context.Context, link Link, attempt uint64) {
	addr, err := s.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("station_probe_failed", "target", s.addr, "attempt", attempt, "error", err)
		link.LinkDown(ctx, err)
		return
	}
	if err := link.LinkUp(ctx, addr); err != nil {
		return
	}
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.probe(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("station_link_lost", "target", s.addr, "error", err)
				link.LinkDown(ctx, err)
				return
			}
		}
	}
}
