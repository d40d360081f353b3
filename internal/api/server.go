// ABOUTME: Read-only status HTTP API for dashboards, routed with chi
// ABOUTME: Serves bridge status, accounts, webhook health, audit rows and an SSE task stream

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"tailscale.com/tsnet"

	"github.com/2389/coven-agent/internal/auth"
	"github.com/2389/coven-agent/internal/bridge"
	"github.com/2389/coven-agent/internal/session"
	"github.com/2389/coven-agent/internal/store"
	"github.com/2389/coven-agent/internal/webhook"
)

// DefaultAddr is used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:8790"

const shutdownTimeout = 5 * time.Second

// StatusSource is the bridge as seen by the API.
type StatusSource interface {
	Status() bridge.Status
	Subscribe(ctx context.Context) (<-chan bridge.TaskEvent, string)
}

// AccountLister lists platform accounts.
type AccountLister interface {
	ListAccounts() []session.AccountInfo
}

// HealthReporter exposes webhook delivery health.
type HealthReporter interface {
	Health() webhook.Health
}

// AuditReader reads the audit ledger.
type AuditReader interface {
	RecentTaskResults(ctx context.Context, limit int) ([]store.TaskRecord, error)
	RecentWebhookFailures(ctx context.Context, limit int) ([]store.WebhookFailure, error)
	Ping(ctx context.Context) error
}

// TailscaleConfig places the listener on a tailnet instead of a local port.
type TailscaleConfig struct {
	Enabled   bool
	Hostname  string
	AuthKey   string
	StateDir  string
	Ephemeral bool
}

// Config wires a Server. Bridge is required; the rest are optional and
// their routes answer 404 when unset.
type Config struct {
	Addr      string
	Bridge    StatusSource
	Accounts  AccountLister
	Webhook   HealthReporter
	Audit     AuditReader
	Verifier  auth.TokenVerifier
	Tailscale TailscaleConfig
	Logger    *slog.Logger
}

// Server is the status API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
	ts     *tsnet.Server
}

// New builds the router. Nothing listens until Serve.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.cfg.Verifier != nil {
			r.Use(auth.Middleware(s.cfg.Verifier))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/accounts", s.handleAccounts)
		r.Get("/accounts/{id}", s.handleAccount)
		r.Get("/webhook/health", s.handleWebhookHealth)
		r.Get("/webhook/failures", s.handleWebhookFailures)
		r.Get("/audit/tasks", s.handleAuditTasks)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	return s.serveOn(ctx, ln)
}

func (s *Server) serveOn(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("status API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.closeTailscale()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving status API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status API shutdown", "error", err)
	}
	s.closeTailscale()
	return nil
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.listenTailscale(ctx)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return ln, nil
}

// handleHealth answers 503 when the audit ledger is configured but unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit != nil {
		if err := s.cfg.Audit.Ping(r.Context()); err != nil {
			s.logger.Warn("audit ledger ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "audit": "unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Bridge.Status())
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Accounts == nil {
		sendJSONError(w, http.StatusNotFound, "sessions not configured")
		return
	}
	accounts := s.cfg.Accounts.ListAccounts()
	if accounts == nil {
		accounts = []session.AccountInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Accounts == nil {
		sendJSONError(w, http.StatusNotFound, "sessions not configured")
		return
	}
	id := chi.URLParam(r, "id")
	for _, a := range s.cfg.Accounts.ListAccounts() {
		if a.AccountID == id {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	sendJSONError(w, http.StatusNotFound, "account not found")
}

func (s *Server) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Webhook == nil {
		sendJSONError(w, http.StatusNotFound, "webhook not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Webhook.Health())
}

func (s *Server) handleWebhookFailures(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		sendJSONError(w, http.StatusNotFound, "audit ledger not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	failures, err := s.cfg.Audit.RecentWebhookFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading audit ledger", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if failures == nil {
		failures = []store.WebhookFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func (s *Server) handleAuditTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		sendJSONError(w, http.StatusNotFound, "audit ledger not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	records, err := s.cfg.Audit.RecentTaskResults(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading audit ledger", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []store.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": records})
}

// parseLimit reads the optional limit query parameter. Zero lets the ledger
// pick its default. On a bad value it writes the 400 and returns false.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// handleEvents streams task lifecycle events until the client goes away or
// the bridge disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := s.cfg.Bridge.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "connected", map[string]string{"subscription_id": subID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.writeSSEEvent(w, "closed", map[string]string{"reason": "bridge disconnected"})
				flusher.Flush()
				return
			}
			s.writeSSEEvent(w, string(ev.Kind), ev)
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
