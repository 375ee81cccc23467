// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dmarkhas/reelcache/replica"
)

// Syncer is the caller side of the sync endpoint: it writes refreshed
// records into the local replica and drains the pending-mutation queue,
// removing only entries the service confirmed applied.
type Syncer struct {
	svc    *Service
	store  *replica.Store
	logger *slog.Logger

	BackoffMin time.Duration
	BackoffMax time.Duration
}

// NewSyncer wires the sync service to the local replica store.
func NewSyncer(svc *Service, store *replica.Store, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		svc:        svc,
		store:      store,
		logger:     logger,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// RefreshReplica pulls the newest records and atomically replaces the
// cached set, then records the sync timestamp.
func (s *Syncer) RefreshReplica(ctx context.Context) error {
	resp, err := s.svc.Refresh(ctx)
	if err != nil {
		return err
	}

	result, err := s.store.ReplaceAll(ctx, resp.Videos)
	if err != nil {
		return fmt.Errorf("failed to write refreshed records: %w", err)
	}
	if err := s.store.SetMeta(ctx, replica.MetaLastSyncAt, strconv.FormatInt(resp.Timestamp, 10)); err != nil {
		return err
	}

	s.logger.Info("Replica refreshed",
		"fetched", len(resp.Videos),
		"kept", result.Kept,
		"total_bytes", result.TotalBytes,
		"total_available", resp.TotalAvailable)
	return nil
}

// FlushPending replays the queued mutations and removes the confirmed
// ones from the queue. Failed entries stay queued for the next cycle —
// at-least-once, isolated per item.
func (s *Syncer) FlushPending(ctx context.Context) (*MutationsResponse, error) {
	pending, err := s.store.ListPendingMutations(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &MutationsResponse{Errors: []MutationError{}}, nil
	}

	resp := s.svc.ApplyMutations(ctx, UploadFromPending(pending))

	failed := make(map[string]bool, len(resp.Errors))
	for _, e := range resp.Errors {
		failed[e.MutationID] = true
	}
	for _, m := range pending {
		if failed[m.ID] {
			continue
		}
		if err := s.store.RemoveMutation(ctx, m.ID); err != nil {
			// The mutation was applied upstream; a removal failure means it
			// will be replayed, which last-write-wins absorbs.
			s.logger.Error("Failed to clear applied mutation", "mutation_id", m.ID, "error", err)
		}
	}

	s.logger.Info("Pending mutations flushed", "synced", resp.Synced, "failed", len(resp.Errors))
	return resp, nil
}

// Run flushes and refreshes on a fixed interval with exponential backoff
// on errors, until the context is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	backoff := s.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		err := s.cycle(ctx)
		if err != nil {
			s.logger.Warn("Sync cycle failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.BackoffMax {
				backoff = s.BackoffMax
			}
			continue
		}
		backoff = s.BackoffMin
	}
}

func (s *Syncer) cycle(ctx context.Context) error {
	if _, err := s.FlushPending(ctx); err != nil {
		return err
	}
	return s.RefreshReplica(ctx)
}
