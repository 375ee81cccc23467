// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dmarkhas/reelcache/replica"
)

// Refresher triggers a replica refresh when offline mode is switched on,
// so the replica is as fresh as possible before connectivity is lost.
type Refresher interface {
	RefreshReplica(ctx context.Context) error
}

// ModeController owns the user-facing offline-mode flag. The flag lives
// in replica metadata so it survives restarts.
type ModeController struct {
	store     *replica.Store
	refresher Refresher
	logger    *slog.Logger
}

func NewModeController(store *replica.Store, refresher Refresher, logger *slog.Logger) *ModeController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModeController{store: store, refresher: refresher, logger: logger}
}

// Enabled reports the persisted flag. An unset flag means disabled.
func (m *ModeController) Enabled(ctx context.Context) (bool, error) {
	value, err := m.store.GetMeta(ctx, replica.MetaOfflineEnabled)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// SetEnabled persists the flag. Enabling also kicks off a refresh; a
// refresh failure is logged but does not undo the toggle, since the
// user's intent to go offline stands regardless.
func (m *ModeController) SetEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	if err := m.store.SetMeta(ctx, replica.MetaOfflineEnabled, value); err != nil {
		return err
	}
	m.logger.Info("Offline mode toggled", "enabled", enabled)

	if enabled && m.refresher != nil {
		if err := m.refresher.RefreshReplica(ctx); err != nil {
			m.logger.Warn("Replica refresh after enabling offline mode failed", "error", err)
		}
	}
	return nil
}

type modeStatus struct {
	Enabled      bool   `json:"enabled"`
	LastSyncAt   string `json:"lastSyncAt,omitempty"`
	ReplicaBytes string `json:"replicaBytes,omitempty"`
}

// HandleStatus returns the current offline-mode state.
func (m *ModeController) HandleStatus(w http.ResponseWriter, r *http.Request) {
	enabled, err := m.Enabled(r.Context())
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, "failed to read offline state")
		return
	}
	lastSync, _ := m.store.GetMeta(r.Context(), replica.MetaLastSyncAt)
	bytes, _ := m.store.GetMeta(r.Context(), replica.MetaReplicaBytes)

	m.writeJSON(w, http.StatusOK, modeStatus{
		Enabled:      enabled,
		LastSyncAt:   lastSync,
		ReplicaBytes: bytes,
	})
}

// HandleToggle sets the offline-mode flag from a JSON body.
func (m *ModeController) HandleToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := m.SetEnabled(r.Context(), req.Enabled); err != nil {
		m.writeError(w, http.StatusInternalServerError, "failed to persist offline state")
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (m *ModeController) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		m.logger.Error("Failed to encode response", "error", err)
	}
}

func (m *ModeController) writeError(w http.ResponseWriter, status int, message string) {
	m.logger.Debug("Request failed", "status", status, "message", message)
	m.writeJSON(w, status, map[string]string{"error": message})
}
