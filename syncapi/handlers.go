// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmarkhas/reelcache/internal/auth"
	"github.com/dmarkhas/reelcache/replica"
)

// Handlers serves the sync endpoint plus the replica-store surface the
// UI uses for queueing edits.
type Handlers struct {
	service *Service
	store   *replica.Store
	auth    *SessionAuth
	logger  *slog.Logger
}

// NewHandlers creates the HTTP handlers for the sync API.
func NewHandlers(service *Service, store *replica.Store, sessionAuth *SessionAuth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, store: store, auth: sessionAuth, logger: logger}
}

// HandleSync processes POST /api/sync, dispatching on the action
// discriminator. The cache action is open; the mutations action requires
// a valid session cookie and fails the whole batch with 401 without one —
// unauthenticated writes must never be reported as applied.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}

	switch req.Action {
	case ActionCache:
		resp, err := h.service.Refresh(r.Context())
		if err != nil {
			h.logger.Error("Refresh failed", "error", err)
			h.writeError(w, http.StatusBadGateway, "refresh_failed", err.Error())
			return
		}
		h.writeJSON(w, resp)

	case ActionMutations:
		userID, err := h.auth.UserFromRequest(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		ctx := auth.SetUserID(r.Context(), userID)

		resp := h.service.ApplyMutations(ctx, req.Mutations)
		h.logger.Info("Processed mutation batch",
			"user_id", userID, "submitted", len(req.Mutations),
			"synced", resp.Synced, "failed", len(resp.Errors))
		h.writeJSON(w, resp)

	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "action must be \"cache\" or \"mutations\"")
	}
}

// HandleSignIn issues a session cookie. Cookie issuance proper lives
// outside this system; this is the thin stand-in that makes the
// mutations path exercisable end to end.
func (h *Handlers) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user required")
		return
	}

	token, err := h.auth.GenerateToken(req.User, 24*time.Hour)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "token_error", err.Error())
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((24 * time.Hour).Seconds()),
	})
	h.writeJSON(w, map[string]string{"user": req.User})
}

// HandleQueueList returns the pending-mutation queue in enqueue order.
func (h *Handlers) HandleQueueList(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.ListPendingMutations(r.Context())
	if err != nil {
		h.logger.Error("Failed to list pending mutations", "error", err)
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to list pending mutations")
		return
	}
	if pending == nil {
		pending = []replica.PendingMutation{}
	}
	h.writeJSON(w, map[string]any{"mutations": pending})
}

// HandleQueueAdd enqueues an edit the UI could not deliver upstream.
func (h *Handlers) HandleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var m replica.PendingMutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse mutation")
		return
	}

	queued, err := h.store.EnqueueMutation(r.Context(), m)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "queue_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(queued); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// HandleQueueRemove drops one queue entry by id.
func (h *Handlers) HandleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing mutation id")
		return
	}
	if err := h.store.RemoveMutation(r.Context(), id); err != nil {
		h.logger.Error("Failed to remove mutation", "mutation_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to remove mutation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
