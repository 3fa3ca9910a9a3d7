// Package httpapi is the Session Orchestration Core's local control plane:
// a loopback-only, unauthenticated HTTP API (spec.md §6 — "local trust")
// implemented with stdlib net/http.ServeMux, exactly the routes spec.md §6
// lists.
//
// Grounded on the teacher's internal/web/server.go (withRecover middleware,
// BaseContext-scoped background goroutines, graceful-then-forced Shutdown),
// generalized from a menu/dashboard web server into the SOC's JSON control
// API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/relaysoc/soc/internal/chatgateway"
	"github.com/relaysoc/soc/internal/delivery"
	"github.com/relaysoc/soc/internal/handoff"
	"github.com/relaysoc/soc/internal/logging"
	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/observability"
	"github.com/relaysoc/soc/internal/registry"
	"github.com/relaysoc/soc/internal/reminder"
	"github.com/relaysoc/soc/internal/terminaldriver"
	"github.com/relaysoc/soc/internal/tracker"
	"github.com/relaysoc/soc/internal/watch"
)

// Deps bundles every component the control plane fans requests out to.
type Deps struct {
	Registry *registry.Registry
	Delivery *delivery.Engine
	Tracker  *tracker.Tracker
	Reminder *reminder.Scheduler
	Handoff  *handoff.Coordinator
	Watch    *watch.Manager
	Driver   terminaldriver.TerminalDriver
	Obs      *observability.Store

	// PushStore and VAPIDPublicKey back the browser push subscribe
	// endpoints; both nil/empty when no VAPID keypair could be ensured.
	PushStore      *chatgateway.SubscriptionStore
	VAPIDPublicKey string
}

// Server is the loopback HTTP control plane.
type Server struct {
	deps       Deps
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer builds the control plane server bound to addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /sessions/{id}/key", s.handleKey)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleKillSession)
	mux.HandleFunc("POST /sessions/{id}/handoff", s.handleHandoff)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleOutput)
	mux.HandleFunc("POST /hooks/{provider}", s.handleHook)
	mux.HandleFunc("POST /watch", s.handleWatch)
	mux.HandleFunc("GET /push/vapid-public-key", s.handlePushPublicKey)
	mux.HandleFunc("POST /push/subscriptions", s.handlePushSubscribe)
	mux.HandleFunc("DELETE /push/subscriptions", s.handlePushUnsubscribe)

	handler := withRecover(mux)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start blocks until the listener stops (returns nil on graceful Shutdown).
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, cancelling any in-flight
// long-poll-style handlers via the base context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return s.httpServer.Close()
		}
		return err
	}
	return nil
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.ForComponent(logging.CompHTTP).Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC().Format(time.RFC3339)})
}

// writeJSON encodes v as the response body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the JSON error body shape, following the teacher's
// internal/web JSON-error-body convention.
type apiError struct {
	Error string `json:"error"`
}

// writeError maps a SOC error to an HTTP status + JSON body per spec.md §7
// (not found -> 404, invalid state -> 409, anything else -> 500).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, model.ErrDriverFailure), errors.Is(err, model.ErrTransportStall), errors.Is(err, model.ErrHookRace):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}
