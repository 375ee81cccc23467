// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmarkhas/reelcache/recordstore"
	"github.com/dmarkhas/reelcache/replica"
)

// fakeStore is a minimal record-store backend for sync tests. Handlers
// for PATCH and DELETE can be swapped per test.
type fakeStore struct {
	listBody string
	onPatch  func(externalID string, patch map[string]any) int
	onDelete func(externalID string) int

	listCalls atomic.Int32
}

func (f *fakeStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		externalID := strings.TrimPrefix(r.URL.Path, "/api/videos/")

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/videos":
			f.listCalls.Add(1)
			w.Write([]byte(f.listBody))

		case r.Method == http.MethodPatch:
			var patch map[string]any
			json.NewDecoder(r.Body).Decode(&patch)
			status := http.StatusOK
			if f.onPatch != nil {
				status = f.onPatch(externalID, patch)
			}
			if status != http.StatusOK {
				http.Error(w, "patch rejected", status)
				return
			}
			fmt.Fprintf(w, `{"video": {"id": 1, "externalId": %q}}`, externalID)

		case r.Method == http.MethodDelete:
			status := http.StatusOK
			if f.onDelete != nil {
				status = f.onDelete(externalID)
			}
			if status != http.StatusOK {
				http.Error(w, "delete rejected", status)
				return
			}
			w.Write([]byte(`{}`))

		default:
			http.NotFound(w, r)
		}
	})
}

func newTestService(t *testing.T, fake *fakeStore) *Service {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	client := recordstore.NewClient(server.URL, "", nil)
	return NewService(client, 500, nil)
}

func newSyncerStore(t *testing.T) *replica.Store {
	t.Helper()
	store, err := replica.Open(filepath.Join(t.TempDir(), "replica.db"), replica.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRefreshSanitizesAndCounts(t *testing.T) {
	fake := &fakeStore{listBody: `{
		"videos": [
			{"id": 1, "externalId": "v1", "title": "A", "transcript": "huge transcript text"},
			{"id": 2, "externalId": "v2", "title": "B"}
		],
		"pageInfo": {"total": 120, "page": 1, "totalPages": 1, "limit": 500}
	}`}
	svc := newTestService(t, fake)

	resp, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Videos, 2)
	require.Equal(t, 120, resp.TotalAvailable)
	require.NotZero(t, resp.Timestamp)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NotContains(t, string(data), "huge transcript")
}

func TestRefreshBypassesQueryCache(t *testing.T) {
	fake := &fakeStore{listBody: `{"videos": [], "pageInfo": {}}`}
	svc := newTestService(t, fake)
	ctx := context.Background()

	_, err := svc.Refresh(ctx)
	require.NoError(t, err)
	_, err = svc.Refresh(ctx)
	require.NoError(t, err)

	// Each refresh must reach upstream; a memoized empty page would
	// otherwise be re-served forever.
	require.Equal(t, int32(2), fake.listCalls.Load())
}

func TestRefreshPropagatesUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := NewService(recordstore.NewClient(server.URL, "", nil), 500, nil)
	_, err := svc.Refresh(context.Background())
	require.Error(t, err)
}

func TestApplyMutationsIsolatesFailures(t *testing.T) {
	fake := &fakeStore{
		onPatch: func(externalID string, _ map[string]any) int {
			if externalID == "v-bad" {
				return http.StatusUnprocessableEntity
			}
			return http.StatusOK
		},
	}
	svc := newTestService(t, fake)

	resp := svc.ApplyMutations(context.Background(), []MutationUpload{
		{ID: "m1", ExternalID: "v1", Kind: replica.MutationUpdate, Patch: json.RawMessage(`{"title":"a"}`)},
		{ID: "m2", ExternalID: "v-bad", Kind: replica.MutationUpdate, Patch: json.RawMessage(`{"title":"b"}`)},
		{ID: "m3", ExternalID: "v3", Kind: replica.MutationUpdate, Patch: json.RawMessage(`{"title":"c"}`)},
	})

	require.Equal(t, 2, resp.Synced)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "m2", resp.Errors[0].MutationID)
	require.NotEmpty(t, resp.Errors[0].Error)
}

func TestApplyMutationsDeleteOfMissingRecordSucceeds(t *testing.T) {
	fake := &fakeStore{
		onDelete: func(string) int { return http.StatusNotFound },
	}
	svc := newTestService(t, fake)

	resp := svc.ApplyMutations(context.Background(), []MutationUpload{
		{ID: "m1", ExternalID: "gone", Kind: replica.MutationDelete},
	})
	require.Equal(t, 1, resp.Synced)
	require.Empty(t, resp.Errors)
}

func TestApplyMutationsRejectsMalformed(t *testing.T) {
	fake := &fakeStore{}
	svc := newTestService(t, fake)

	resp := svc.ApplyMutations(context.Background(), []MutationUpload{
		{ID: "m1", ExternalID: "v1", Kind: replica.MutationUpdate}, // no patch
		{ID: "m2", ExternalID: "v2", Kind: "rename"},
	})
	require.Zero(t, resp.Synced)
	require.Len(t, resp.Errors, 2)
}

func TestFlushPendingRemovesOnlyConfirmed(t *testing.T) {
	fake := &fakeStore{
		onPatch: func(externalID string, _ map[string]any) int {
			if externalID == "v-flaky" {
				return http.StatusBadGateway
			}
			return http.StatusOK
		},
	}
	svc := newTestService(t, fake)
	store := newSyncerStore(t)
	syncer := NewSyncer(svc, store, nil)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		target := fmt.Sprintf("v%d", i)
		if i == 3 {
			target = "v-flaky"
		}
		_, err := store.EnqueueMutation(ctx, replica.PendingMutation{
			ID:         fmt.Sprintf("m%d", i),
			ExternalID: target,
			Kind:       replica.MutationUpdate,
			Patch:      json.RawMessage(`{"title":"x"}`),
			QueuedAt:   fmt.Sprintf("2025-07-01T00:00:0%dZ", i),
		})
		require.NoError(t, err)
	}

	resp, err := syncer.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, resp.Synced)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "m3", resp.Errors[0].MutationID)

	// Only the failed entry survives for the next cycle.
	pending, err := store.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "m3", pending[0].ID)
}

func TestFlushPendingReplaysUntilConfirmed(t *testing.T) {
	var failures atomic.Int32
	failures.Store(1)
	fake := &fakeStore{
		onPatch: func(string, map[string]any) int {
			if failures.Load() > 0 {
				failures.Add(-1)
				return http.StatusBadGateway
			}
			return http.StatusOK
		},
	}
	svc := newTestService(t, fake)
	store := newSyncerStore(t)
	syncer := NewSyncer(svc, store, nil)
	ctx := context.Background()

	_, err := store.EnqueueMutation(ctx, replica.PendingMutation{
		ExternalID: "v1", Kind: replica.MutationUpdate, Patch: json.RawMessage(`{"title":"x"}`),
	})
	require.NoError(t, err)

	resp, err := syncer.FlushPending(ctx)
	require.NoError(t, err)
	require.Zero(t, resp.Synced)

	pending, err := store.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Second cycle: the upstream recovered, the entry drains.
	resp, err = syncer.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Synced)

	pending, err = store.ListPendingMutations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRefreshReplicaWritesStoreAndTimestamp(t *testing.T) {
	fake := &fakeStore{listBody: `{
		"videos": [
			{"id": 1, "externalId": "v1", "title": "A", "createdAt": "2025-01-02T00:00:00Z"},
			{"id": 2, "externalId": "v2", "title": "B", "createdAt": "2025-01-01T00:00:00Z"}
		],
		"pageInfo": {"total": 2, "page": 1, "totalPages": 1, "limit": 500}
	}`}
	svc := newTestService(t, fake)
	store := newSyncerStore(t)
	syncer := NewSyncer(svc, store, nil)
	ctx := context.Background()

	require.NoError(t, syncer.RefreshReplica(ctx))

	records, err := store.GetAllCached(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "v1", records[0].ExternalID)

	lastSync, err := store.GetMeta(ctx, replica.MetaLastSyncAt)
	require.NoError(t, err)
	require.NotEmpty(t, lastSync)
}
