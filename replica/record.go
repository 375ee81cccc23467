// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"encoding/json"

	"github.com/dmarkhas/reelcache/recordstore"
)

// CachedRecord is the sanitized projection of a remote video record that
// the replica stores. Transcript-class fields never appear here; the only
// way records enter the store is through Sanitize.
type CachedRecord struct {
	ID          int64    `json:"id"`
	ExternalID  string   `json:"externalId"`
	Title       string   `json:"title"`
	Channel     string   `json:"channel"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	People      []string `json:"people,omitempty"`
	Topics      []string `json:"topics,omitempty"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
	PublishedAt string   `json:"publishedAt,omitempty"`
	CompletedAt string   `json:"completedAt,omitempty"`
}

// Sanitize projects an upstream record onto the cacheable subset,
// dropping the transcript and any other large or sensitive fields.
// Every write path into the store goes through this, not only bulk
// refresh.
func Sanitize(r recordstore.Record) CachedRecord {
	return CachedRecord{
		ID:          r.ID,
		ExternalID:  r.ExternalID,
		Title:       r.Title,
		Channel:     r.Channel,
		Description: r.Description,
		Tags:        r.Tags,
		People:      r.People,
		Topics:      r.Topics,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		PublishedAt: r.PublishedAt,
		CompletedAt: r.CompletedAt,
	}
}

// EstimateSize returns the serialized size of the record in bytes. The
// byte cap is enforced against the sum of these estimates.
func (r CachedRecord) EstimateSize() int64 {
	data, err := json.Marshal(r)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// merge overlays incoming onto existing field by field. A partial detail
// payload must never erase fields populated by a previous full refresh,
// so empty incoming fields keep the existing value.
func merge(existing, incoming CachedRecord) CachedRecord {
	out := existing
	if incoming.ID != 0 {
		out.ID = incoming.ID
	}
	if incoming.Title != "" {
		out.Title = incoming.Title
	}
	if incoming.Channel != "" {
		out.Channel = incoming.Channel
	}
	if incoming.Description != "" {
		out.Description = incoming.Description
	}
	if len(incoming.Tags) > 0 {
		out.Tags = incoming.Tags
	}
	if len(incoming.People) > 0 {
		out.People = incoming.People
	}
	if len(incoming.Topics) > 0 {
		out.Topics = incoming.Topics
	}
	if incoming.CreatedAt != "" {
		out.CreatedAt = incoming.CreatedAt
	}
	if incoming.UpdatedAt != "" {
		out.UpdatedAt = incoming.UpdatedAt
	}
	if incoming.PublishedAt != "" {
		out.PublishedAt = incoming.PublishedAt
	}
	if incoming.CompletedAt != "" {
		out.CompletedAt = incoming.CompletedAt
	}
	return out
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}
