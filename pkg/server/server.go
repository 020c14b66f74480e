// Package server exposes the coordinator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	cachepkg "github.com/pario-ai/chatrelay/pkg/cache/sqlite"
	"github.com/pario-ai/chatrelay/pkg/coordinator"
	"github.com/pario-ai/chatrelay/pkg/metrics"
	"github.com/pario-ai/chatrelay/pkg/models"
	"github.com/pario-ai/chatrelay/pkg/session"
	"github.com/pario-ai/chatrelay/pkg/worker"
)

const maxBodyBytes = 1 << 20

// Asker answers questions.
type Asker interface {
	Ask(ctx context.Context, req models.AskRequest) (*models.AskResponse, error)
}

// Deps are the components served over HTTP. Everything except Asker is
// optional and only feeds /stats and /metrics.
type Deps struct {
	Asker    Asker
	Metrics  *metrics.Collector
	Pool     metrics.PoolStatter
	Cache    *cachepkg.Cache
	Workers  *worker.Pool
	Sessions *session.Store
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the chatrelay HTTP API.
type Server struct {
	listen string
	deps   Deps
	router chi.Router
}

// New creates a Server listening on listen once started.
func New(listen string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{listen: listen, deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Post("/ask", s.handleAsk)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("chatrelay listening", "addr", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error(), nil)
		return
	}

	resp, err := s.deps.Asker.Ask(r.Context(), req)
	if err != nil {
		s.writeAskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeAskError(w http.ResponseWriter, err error) {
	var ce *coordinator.Error
	if !errors.As(err, &ce) {
		s.deps.Logger.Error("ask failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}

	status := http.StatusBadGateway
	switch ce.Kind {
	case coordinator.KindValidation:
		status = http.StatusBadRequest
	case coordinator.KindPoolExhausted:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, status, ce.Kind.String(), ce.Err.Error(), &ce.Metrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Requests *metrics.Snapshot  `json:"requests,omitempty"`
	Pool     *models.PoolStats  `json:"pool,omitempty"`
	Cache    *models.CacheStats `json:"cache,omitempty"`
	Workers  *worker.Stats      `json:"workers,omitempty"`
	Sessions *int               `json:"sessions,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var out statsResponse
	if s.deps.Metrics != nil {
		snap := s.deps.Metrics.Snapshot()
		out.Requests = &snap
	}
	if s.deps.Pool != nil {
		ps := s.deps.Pool.Stats()
		out.Pool = &ps
	}
	if s.deps.Cache != nil {
		cs, err := s.deps.Cache.Stats()
		if err != nil {
			s.deps.Logger.Warn("cache stats unavailable", "error", err)
		} else {
			out.Cache = &cs
		}
	}
	if s.deps.Workers != nil {
		ws := s.deps.Workers.Stats()
		out.Workers = &ws
	}
	if s.deps.Sessions != nil {
		n := s.deps.Sessions.Len()
		out.Sessions = &n
	}
	writeJSON(w, http.StatusOK, out)
}

// errorResponse mirrors AskResponse's status field so clients can read
// the failure the same way they read success.
type errorResponse struct {
	Error              string                     `json:"error"`
	Status             string                     `json:"status"`
	PerformanceMetrics *models.PerformanceMetrics `json:"performance_metrics,omitempty"`
}

func writeJSONError(w http.ResponseWriter, code int, kind, message string, pm *models.PerformanceMetrics) {
	writeJSON(w, code, errorResponse{Error: kind, Status: message, PerformanceMetrics: pm})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// accessLog logs method, path, status and duration of every request
// except health checks.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if r.URL.Path == "/healthz" {
				return
			}
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
