// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package replica

import "encoding/json"

// Mutation kinds. The queue records the user's intent, not the result;
// UPDATE carries a partial field patch, DELETE carries no payload.
const (
	MutationUpdate = "update"
	MutationDelete = "delete"
)

// PendingMutation is a locally queued edit awaiting upstream replay.
// An entry leaves the queue only after the sync endpoint confirms it was
// applied; failed entries stay queued for the next cycle.
type PendingMutation struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"videoId"`
	Kind       string          `json:"kind"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	QueuedAt   string          `json:"queuedAt"`
}
