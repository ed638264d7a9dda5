// Package api serves the admin HTTP surface: health, metrics, balances and
// on-demand protection checks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"balance-guard/internal/balance"
	"balance-guard/internal/guard"
	"balance-guard/internal/metrics"
	"balance-guard/internal/protection"
	"balance-guard/internal/version"
)

// BalanceReader is the part of the guard the API exposes.
type BalanceReader interface {
	Snapshots(ctx context.Context, forceFresh bool) ([]balance.Snapshot, []balance.Provider)
	MonitorAllBalances(ctx context.Context) guard.MonitorReport
}

// SafetyChecker runs an audited protection check.
type SafetyChecker interface {
	CheckOperationSafety(ctx context.Context, op protection.Operation) guard.ProtectionStatus
}

// Options configure the listener.
type Options struct {
	Listen         string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Registry       *prometheus.Registry
}

// Server is the admin HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	balances BalanceReader
	checker  SafetyChecker
	logger   zerolog.Logger
}

// New builds the router and server.
func New(opts Options, balances BalanceReader, checker SafetyChecker, logger zerolog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 60 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		router:   chi.NewRouter(),
		balances: balances,
		checker:  checker,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealth)
	if opts.Registry != nil {
		s.router.Handle("/metrics", metrics.Handler(opts.Registry))
	}
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/balances", s.handleBalances)
		r.Post("/monitor", s.handleMonitor)
		r.Post("/protection/check", s.handleProtectionCheck)
	})

	s.server = &http.Server{
		Addr:         opts.Listen,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.logger.Info().Str("listen", s.server.Addr).Msg("starting admin API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down admin API")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

type balancesResponse struct {
	Snapshots       []balance.Snapshot `json:"balance_snapshots"`
	FailedProviders []string           `json:"failed_providers"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	snaps, failed := s.balances.Snapshots(r.Context(), fresh)

	resp := balancesResponse{Snapshots: snaps, FailedProviders: make([]string, 0, len(failed))}
	for _, p := range failed {
		resp.FailedProviders = append(resp.FailedProviders, string(p))
	}
	status := http.StatusOK
	if len(snaps) == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.balances.MonitorAllBalances(r.Context()))
}

func (s *Server) handleProtectionCheck(w http.ResponseWriter, r *http.Request) {
	var op protection.Operation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	op.Type = strings.TrimSpace(op.Type)
	op.Currency = strings.ToUpper(strings.TrimSpace(op.Currency))
	if op.Type == "" || op.Currency == "" {
		writeError(w, http.StatusBadRequest, "operation_type and currency are required")
		return
	}
	if op.Amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must not be negative")
		return
	}

	status := s.checker.CheckOperationSafety(r.Context(), op)
	code := http.StatusOK
	if !status.OperationAllowed {
		code = http.StatusLocked
	}
	writeJSON(w, code, struct {
		guard.ProtectionStatus
		UserMessage string `json:"user_message,omitempty"`
	}{status, status.UserMessage()})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
