package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/relaysoc/soc/internal/chatgateway"
)

// handlePushPublicKey returns the VAPID public key browsers need to create
// a PushSubscription. Empty when no push channel is configured.
func (s *Server) handlePushPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": s.deps.VAPIDPublicKey})
}

// handlePushSubscribe registers (or refreshes, by endpoint) a browser push
// subscription, mirroring spec.md §9's "web-push subscribers get the same
// idle/urgent-reminder notifications Telegram gets" onto a concrete HTTP
// surface.
func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.PushStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "push channel not configured"})
		return
	}

	var sub chatgateway.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if err := s.deps.PushStore.Upsert(sub); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

// handlePushUnsubscribe removes a subscription by endpoint.
func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.PushStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "push channel not configured"})
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "endpoint is required"})
		return
	}
	if err := s.deps.PushStore.RemoveByEndpoint(req.Endpoint); err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
