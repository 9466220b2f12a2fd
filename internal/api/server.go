// Package api exposes the HTTP interface for the scrapper service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/config"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/metrics"
	"github.com/dhruvin-rv/facebook-group-post-scrapper/internal/scraper"
)

// JobService starts scrape jobs.
type JobService interface {
	StartJob(ctx context.Context, req scraper.SubmitRequest) (string, error)
}

// JobLedger answers status queries.
type JobLedger interface {
	Current(userID string) (scraper.Snapshot, error)
	ByJobID(jobID string) (scraper.Snapshot, error)
}

// ProxyProvisioner assigns a sticky lease on request.
type ProxyProvisioner interface {
	Ensure(ctx context.Context, userID string) (*scraper.ProxyAssignment, error)
}

// Server wires HTTP handlers to the orchestrator, ledger and credential store.
type Server struct {
	router  chi.Router
	handler http.Handler
	jobs    JobService
	ledger  JobLedger
	creds   scraper.CredentialStore
	proxies ProxyProvisioner
	cfg     config.Config
	logger  *zap.Logger
}

const maxBodyBytes = 1 << 20

// NewServer constructs a Server with middleware and routes. proxies may be nil.
func NewServer(
	jobs JobService,
	ledger JobLedger,
	creds scraper.CredentialStore,
	proxies ProxyProvisioner,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobs,
		ledger:  ledger,
		creds:   creds,
		proxies: proxies,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	if prefix := strings.TrimRight(cfg.Media.PublicPrefix, "/"); prefix != "" && cfg.Media.Dir != "" {
		files := http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.Media.Dir)))
		r.Handle(prefix+"/*", files)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/scrapper", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/status/{userId}", s.getCurrentJob)
			r.Get("/jobs/{jobId}", s.getJob)
		})
		r.Route("/session-config", func(r chi.Router) {
			r.Post("/set-session-config", s.setSessionConfig)
			r.Post("/get-session-config", s.getSessionConfig)
			r.Post("/get-all-config", s.getAllConfig)
			r.Post("/delete-session-config", s.deleteSessionConfig)
		})
		r.Post("/test-webhook", s.testWebhook)
	})

	s.router = r
	s.handler = otelhttp.NewHandler(r, "scrapper.api",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz" && req.URL.Path != "/readyz" && req.URL.Path != "/metrics"
		}),
	)
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.creds.Users(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	var body any
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("test webhook received", zap.Any("body", body))
	writeJSON(w, http.StatusOK, map[string]any{"status": true})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON: %w", scraper.ErrValidation, err)
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scraper.ErrValidation), errors.Is(err, scraper.ErrCredentialsMissing):
		return http.StatusBadRequest
	case errors.Is(err, scraper.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, scraper.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scraper.ErrProxyProvision):
		return http.StatusBadGateway
	case errors.Is(err, scraper.ErrCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Status: false, Error: err.Error()})
}

type errorBody struct {
	Status bool   `json:"status"`
	Error  string `json:"error"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorBody{Status: false, Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, errorBody{Status: false, Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
