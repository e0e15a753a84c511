package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics, /healthz and /updatecheck.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP server. trigger, when not nil, is called by
// POST /updatecheck to start a new update cycle.
func NewServer(addr string, m *Metrics, trigger func() error) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(m, trigger),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// NewRouter returns the server's routes.
func NewRouter(m *Metrics, trigger func() error) *mux.Router {
	r := mux.NewRouter()
	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if trigger != nil {
		r.HandleFunc("/updatecheck", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			if err := trigger(); err != nil {
				slog.Warn("update_check_trigger_failed", "error", err)
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte("update check queued\n"))
		}).Methods(http.MethodPost)
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	slog.Info("metrics_server_start", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("metrics_server_stop")
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
