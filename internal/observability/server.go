package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spacemeter/internal/logging"
)

const readyTimeout = 2 * time.Second

// Server exposes /metrics and probes for the queue workers.
type Server struct {
	srv *http.Server
	log *logging.Logger
}

// Handler returns the router serving /metrics, /healthz and /readyz.
// A nil ready func reports ready.
func Handler(reg *prometheus.Registry, ready func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { probe(w, nil) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready == nil {
			probe(w, nil)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		probe(w, ready(ctx))
	})
	return r
}

func probe(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start serves Handler on addr until ctx is done.
func Start(ctx context.Context, addr string, log *logging.Logger, reg *prometheus.Registry, ready func(context.Context) error) *Server {
	s := &Server{
		srv: &http.Server{Addr: addr, Handler: Handler(reg, ready), ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}
	go func() {
		log.Info("observability listening", "addr", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observability server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(shutdownCtx)
	}()
	return s
}

func (s *Server) Stop(ctx context.Context) {
	if s == nil || s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("observability shutdown", "error", err)
	}
}
