package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgconn"

	"spacemeter/internal/billing"
	"spacemeter/internal/domain"
	"spacemeter/internal/logging"
)

// Ledger is the store surface the control plane reads and repairs.
type Ledger interface {
	PutSpaceDiff(ctx context.Context, d domain.SpaceDiffRecord) error
	GetSpaceSnapshot(ctx context.Context, provider, space string, recordedAt time.Time) (domain.SpaceSnapshotRecord, error)
	PutSpaceSnapshot(ctx context.Context, snap domain.SpaceSnapshotRecord) error
	ListUsage(ctx context.Context, customer string, from time.Time) ([]domain.UsageRecord, error)
}

type Publisher interface {
	Publish(ctx context.Context, in domain.BillingInstruction) (string, error)
}

type InstructionHandler interface {
	Handle(ctx context.Context, in domain.BillingInstruction) (billing.Result, error)
}

type Metrics interface {
	ObserveHTTP(route string, status int)
}

// Options wires the optional collaborators. A nil Publisher disables
// asynchronous instructions; a nil Handler disables ?sync=true.
type Options struct {
	AdminToken string
	Publisher  Publisher
	Handler    InstructionHandler
	Ready      func(context.Context) error
	Metrics    Metrics
}

type Server struct {
	log       *logging.Logger
	ledger    Ledger
	publisher Publisher
	handler   InstructionHandler
	ready     func(context.Context) error
	metrics   Metrics
	adminHash [sha256.Size]byte
	hasAdmin  bool
	now       func() time.Time
	r         chi.Router
}

const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

func NewServer(log *logging.Logger, ledger Ledger, opts Options) *Server {
	s := &Server{
		log:       log,
		ledger:    ledger,
		publisher: opts.Publisher,
		handler:   opts.Handler,
		ready:     opts.Ready,
		metrics:   opts.Metrics,
		now:       time.Now,
		r:         chi.NewRouter(),
	}
	if token := strings.TrimSpace(opts.AdminToken); token != "" {
		s.adminHash = hashToken(token)
		s.hasAdmin = true
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.Use(middleware.RequestID)
	s.r.Use(s.loggingMiddleware)
	s.r.Use(s.metricsMiddleware)
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)
	s.r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/spaces/{provider}/{space}", func(r chi.Router) {
			r.Post("/diffs", s.handlePutDiff)
			r.Put("/snapshots", s.handlePutSnapshot)
			r.Get("/snapshots", s.handleGetSnapshot)
		})
		r.Get("/customers/{customer}/usage", s.handleListUsage)
		r.Post("/instructions", s.handleInstruction)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("X-API-Key"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing API token", nil)
			return
		}
		got := hashToken(token)
		if !s.hasAdmin || subtle.ConstantTimeCompare(got[:], s.adminHash[:]) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		logger := s.log.WithRequestID(reqID)
		ctx := logging.ContextWithLogger(r.Context(), logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method+" "+route, status)
	})
}

func hashToken(token string) [sha256.Size]byte {
	return sha256.Sum256([]byte(token))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			logging.FromContext(r.Context(), s.log).Error("readyz failed", "error", err.Error())
			writeError(w, http.StatusServiceUnavailable, "not ready", map[string]string{"error": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// pathParam returns a decoded, non-blank URL parameter.
func pathParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", errors.New("invalid " + name + " parameter")
	}
	if strings.TrimSpace(v) == "" {
		return "", errors.New("missing " + name + " parameter")
	}
	return v, nil
}

func parseTimeParam(raw, name string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

// writeStoreError maps ledger failures onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found", nil)
		return
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			writeError(w, http.StatusConflict, pgErr.Message, nil)
			return
		case "23514":
			writeError(w, http.StatusBadRequest, "record violates a ledger constraint", map[string]string{"constraint": pgErr.ConstraintName})
			return
		}
	}
	writeError(w, http.StatusInternalServerError, fallback, nil)
}

// writeBillingError maps handler error kinds onto HTTP statuses.
func writeBillingError(w http.ResponseWriter, err error) {
	kind := billing.KindOf(err)
	details := map[string]string{"error_kind": string(kind), "reason": err.Error()}
	switch kind {
	case billing.KindInvalidInstruction:
		writeError(w, http.StatusBadRequest, "invalid instruction", details)
	case billing.KindMissingSnapshot:
		writeError(w, http.StatusConflict, "missing snapshot at period start", details)
	case billing.KindNegativeSize:
		writeError(w, http.StatusUnprocessableEntity, "ledger yields a negative space size", details)
	case billing.KindSizeOverflow:
		writeError(w, http.StatusUnprocessableEntity, "ledger yields a space size beyond int64", details)
	case billing.KindStorageFailure:
		writeError(w, http.StatusServiceUnavailable, "storage failure, retry later", details)
	default:
		writeError(w, http.StatusInternalServerError, "failed to handle instruction", nil)
	}
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}
