// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

// Package syncapi implements the sync orchestrator: one endpoint with a
// bulk-refresh verb and an at-least-once mutation-replay verb, plus the
// caller-side integration that feeds the local replica.
package syncapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmarkhas/reelcache/internal/auth"
	"github.com/dmarkhas/reelcache/recordstore"
	"github.com/dmarkhas/reelcache/replica"
)

// listFields is the subset of record fields needed for list and detail
// display. Transcript-class fields are excluded at the query level, not
// just at sanitization time, to bound transfer size.
var listFields = []string{
	"id", "externalId", "title", "channel", "description",
	"tags", "people", "topics",
	"createdAt", "updatedAt", "publishedAt", "completedAt",
}

// Service performs the two sync operations against the record store.
// It decides nothing about scheduling; that belongs to the caller.
type Service struct {
	records *recordstore.Client
	limit   int // newest-N bound, matching the replica record cap
	logger  *slog.Logger
}

// NewService creates a sync service fetching at most limit records per
// refresh.
func NewService(records *recordstore.Client, limit int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: records, limit: limit, logger: logger}
}

// Refresh fetches the newest records from the record store, sanitized
// for caching, plus the total count known upstream. The in-process query
// cache is cleared first so a stale empty page is never re-served.
func (s *Service) Refresh(ctx context.Context) (*CacheResponse, error) {
	s.records.InvalidateCache()

	result, err := s.records.List(ctx, recordstore.ListOptions{
		Sort:   "-createdAt",
		Limit:  s.limit,
		Page:   1,
		Fields: listFields,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	videos := make([]replica.CachedRecord, 0, len(result.Records))
	for _, rec := range result.Records {
		videos = append(videos, replica.Sanitize(rec))
	}

	total := result.PageInfo.Total
	if total == 0 {
		total = len(videos)
	}

	return &CacheResponse{
		Videos:         videos,
		Timestamp:      time.Now().UnixMilli(),
		TotalAvailable: total,
	}, nil
}

// ApplyMutations replays queued edits against the record store. Each
// mutation is applied independently; one bad mutation never blocks the
// rest of the batch. The response reports successes and per-item errors
// so the caller can clear exactly the applied entries from its queue.
func (s *Service) ApplyMutations(ctx context.Context, mutations []MutationUpload) *MutationsResponse {
	resp := &MutationsResponse{Errors: []MutationError{}}
	// Empty for the background syncer, which replays without a session.
	userID, _ := auth.GetUserID(ctx)

	for _, m := range mutations {
		if err := s.applyOne(ctx, m); err != nil {
			s.logger.Warn("Mutation replay failed",
				"user_id", userID,
				"mutation_id", m.ID, "video_id", m.ExternalID, "kind", m.Kind, "error", err)
			resp.Errors = append(resp.Errors, MutationError{MutationID: m.ID, Error: err.Error()})
			continue
		}
		resp.Synced++
	}
	return resp
}

func (s *Service) applyOne(ctx context.Context, m MutationUpload) error {
	switch m.Kind {
	case replica.MutationUpdate:
		if len(m.Patch) == 0 {
			return fmt.Errorf("update mutation has no patch")
		}
		if _, err := s.records.Update(ctx, m.ExternalID, m.Patch); err != nil {
			return err
		}
		return nil
	case replica.MutationDelete:
		err := s.records.Delete(ctx, m.ExternalID)
		// A record already gone upstream makes the delete a no-op, not a
		// failure: the intent is satisfied.
		if err != nil && !recordstore.IsNotFound(err) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}
