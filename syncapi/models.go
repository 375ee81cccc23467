// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"encoding/json"

	"github.com/dmarkhas/reelcache/replica"
)

// Sync actions accepted by the endpoint.
const (
	ActionCache     = "cache"
	ActionMutations = "mutations"
)

// SyncRequest is the body of POST /api/sync. The action discriminator
// selects between a bulk replica refresh and a mutation replay.
type SyncRequest struct {
	Action    string           `json:"action"`
	Mutations []MutationUpload `json:"mutations,omitempty"`
}

// MutationUpload is one queued edit submitted for upstream replay.
type MutationUpload struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"videoId"`
	Kind       string          `json:"kind"` // "update" or "delete"
	Patch      json.RawMessage `json:"patch,omitempty"`
}

// CacheResponse carries the freshly fetched records. The caller writes
// them into the local replica and records the new sync timestamp; the
// endpoint itself owns no offline state.
type CacheResponse struct {
	Videos         []replica.CachedRecord `json:"videos"`
	Timestamp      int64                  `json:"timestamp"`
	TotalAvailable int                    `json:"totalAvailable"`
}

// MutationsResponse reports a replay batch: how many applied, and a
// per-item error list for the rest. Failed entries stay queued client-side.
type MutationsResponse struct {
	Synced int             `json:"synced"`
	Errors []MutationError `json:"errors"`
}

// MutationError identifies one failed mutation within a batch.
type MutationError struct {
	MutationID string `json:"mutationId"`
	Error      string `json:"error"`
}

// ErrorResponse is the standardized error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// UploadFromPending converts queue entries to their wire form.
func UploadFromPending(pending []replica.PendingMutation) []MutationUpload {
	uploads := make([]MutationUpload, 0, len(pending))
	for _, m := range pending {
		uploads = append(uploads, MutationUpload{
			ID:         m.ID,
			ExternalID: m.ExternalID,
			Kind:       m.Kind,
			Patch:      m.Patch,
		})
	}
	return uploads
}
