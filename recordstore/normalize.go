// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is the normalized shape of a video record. The store's API has
// grown several representations for the same fields over time; DecodeRecord
// folds all of them into this one.
type Record struct {
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

	// Transcript is a large field that only detail responses carry. It
	// must never reach the local replica; sanitization strips it.
	Transcript string `json:"transcript,omitempty"`
}

// DecodeRecord normalizes one raw record object.
//
// Accepted variants:
//   - id: number or numeric string
//   - external id under "externalId", "external_id" or "videoId"
//   - channel: string or {"name": ...} object
//   - tags/people/topics: array of strings, comma-joined string, or
//     array of {"name": ...} objects
//   - timestamps: RFC 3339, epoch milliseconds, or date-only strings
func DecodeRecord(raw json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("record is not an object: %w", err)
	}

	var rec Record
	var err error

	if rec.ID, err = decodeID(fields["id"]); err != nil {
		return Record{}, err
	}
	rec.ExternalID = decodeString(firstPresent(fields, "externalId", "external_id", "videoId"))
	if rec.ExternalID == "" {
		return Record{}, fmt.Errorf("record has no external id")
	}

	rec.Title = decodeString(fields["title"])
	rec.Channel = decodeNameOrString(fields["channel"])
	rec.Description = decodeString(fields["description"])
	rec.Transcript = decodeString(fields["transcript"])

	rec.Tags = decodeStringCollection(fields["tags"])
	rec.People = decodeStringCollection(fields["people"])
	rec.Topics = decodeStringCollection(fields["topics"])

	rec.CreatedAt = decodeTimestamp(firstPresent(fields, "createdAt", "created_at"))
	rec.UpdatedAt = decodeTimestamp(firstPresent(fields, "updatedAt", "updated_at"))
	rec.PublishedAt = decodeTimestamp(firstPresent(fields, "publishedAt", "published_at"))
	rec.CompletedAt = decodeTimestamp(firstPresent(fields, "completedAt", "completed_at"))

	return rec, nil
}

func firstPresent(fields map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := fields[k]; ok && !isJSONNull(v) {
			return v
		}
	}
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func decodeID(raw json.RawMessage) (int64, error) {
	if isJSONNull(raw) {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("record id %q is not numeric", s)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("record id has unsupported shape: %s", string(raw))
}

func decodeString(raw json.RawMessage) string {
	if isJSONNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// decodeNameOrString accepts "channel": "name" and "channel": {"name": "..."}.
func decodeNameOrString(raw json.RawMessage) string {
	if isJSONNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}

func decodeStringCollection(raw json.RawMessage) []string {
	if isJSONNull(raw) {
		return nil
	}

	var items []string
	if err := json.Unmarshal(raw, &items); err == nil {
		return compactStrings(items)
	}

	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return compactStrings(strings.Split(joined, ","))
	}

	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		items = make([]string, 0, len(objs))
		for _, o := range objs {
			items = append(items, o.Name)
		}
		return compactStrings(items)
	}

	return nil
}

func compactStrings(items []string) []string {
	out := items[:0]
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// timestampLayouts lists the formats the store has been seen emitting.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// decodeTimestamp normalizes a timestamp to an RFC 3339 UTC string.
// Unparseable values are dropped rather than stored in a foreign format.
func decodeTimestamp(raw json.RawMessage) string {
	if isJSONNull(raw) {
		return ""
	}

	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis).UTC().Format(time.RFC3339)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}
