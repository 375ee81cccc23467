// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/dmarkhas/reelcache/recordstore"
	"github.com/dmarkhas/reelcache/replica"
)

const testSecret = "test-session-secret"

func newTestHandlers(t *testing.T, fake *fakeStore) (*Handlers, *replica.Store) {
	t.Helper()
	svc := newTestService(t, fake)
	store := newSyncerStore(t)
	return NewHandlers(svc, store, NewSessionAuth(testSecret), nil), store
}

func sessionCookie(t *testing.T, user string) *http.Cookie {
	t.Helper()
	token, err := NewSessionAuth(testSecret).GenerateToken(user, time.Hour)
	require.NoError(t, err)
	return &http.Cookie{Name: SessionCookieName, Value: token}
}

func TestHandleSyncCacheAction(t *testing.T) {
	fake := &fakeStore{listBody: `{
		"videos": [{"id": 1, "externalId": "v1", "title": "A"}],
		"pageInfo": {"total": 1, "page": 1, "totalPages": 1, "limit": 500}
	}`}
	handlers, _ := newTestHandlers(t, fake)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"action":"cache"}`))
	rec := httptest.NewRecorder()
	handlers.HandleSync(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp CacheResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Videos, 1)
	require.Equal(t, 1, resp.TotalAvailable)
}

func TestHandleSyncCacheActionUpstreamDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := newBrokenService(t, server.URL)
	handlers := NewHandlers(svc, newSyncerStore(t), NewSessionAuth(testSecret), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"action":"cache"}`))
	rec := httptest.NewRecorder()
	handlers.HandleSync(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "refresh_failed", resp.Error)
}

func TestHandleSyncMutationsRequiresSession(t *testing.T) {
	handlers, _ := newTestHandlers(t, &fakeStore{})

	body := `{"action":"mutations","mutations":[{"id":"m1","videoId":"v1","kind":"delete"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handlers.HandleSync(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "authentication_failed", resp.Error)
}

func TestHandleSyncMutationsWithSession(t *testing.T) {
	handlers, _ := newTestHandlers(t, &fakeStore{})

	body := `{"action":"mutations","mutations":[
		{"id":"m1","videoId":"v1","kind":"update","patch":{"title":"new"}},
		{"id":"m2","videoId":"v2","kind":"delete"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))
	req.AddCookie(sessionCookie(t, "alice"))
	rec := httptest.NewRecorder()
	handlers.HandleSync(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp MutationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Synced)
	require.Empty(t, resp.Errors)
}

func TestHandleSyncMutationsReportsPartialFailure(t *testing.T) {
	fake := &fakeStore{
		onPatch: func(externalID string, _ map[string]any) int {
			if externalID == "v-bad" {
				return http.StatusUnprocessableEntity
			}
			return http.StatusOK
		},
	}
	handlers, _ := newTestHandlers(t, fake)

	body := `{"action":"mutations","mutations":[
		{"id":"m1","videoId":"v1","kind":"update","patch":{"title":"a"}},
		{"id":"m2","videoId":"v-bad","kind":"update","patch":{"title":"b"}}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))
	req.AddCookie(sessionCookie(t, "alice"))
	rec := httptest.NewRecorder()
	handlers.HandleSync(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp MutationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Synced)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, "m2", resp.Errors[0].MutationID)
}

func TestHandleSyncRejectsUnknownAction(t *testing.T) {
	handlers, _ := newTestHandlers(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"action":"purge"}`))
	rec := httptest.NewRecorder()
	handlers.HandleSync(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSyncRejectsNonPost(t *testing.T) {
	handlers, _ := newTestHandlers(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/sync", nil)
	rec := httptest.NewRecorder()
	handlers.HandleSync(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSignInSetsCookie(t *testing.T) {
	handlers, _ := newTestHandlers(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"user":"alice"}`))
	rec := httptest.NewRecorder()
	handlers.HandleSignIn(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, SessionCookieName, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)

	claims, err := NewSessionAuth(testSecret).ValidateToken(cookies[0].Value)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestQueueEndpoints(t *testing.T) {
	handlers, store := newTestHandlers(t, &fakeStore{})

	r := chi.NewRouter()
	r.Get("/api/queue", handlers.HandleQueueList)
	r.Post("/api/queue", handlers.HandleQueueAdd)
	r.Delete("/api/queue/{id}", handlers.HandleQueueRemove)

	// Queue an update.
	body := `{"videoId":"v1","kind":"update","patch":{"title":"later"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/queue", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var queued replica.PendingMutation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	require.NotEmpty(t, queued.ID)

	// It shows up in the list.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		Mutations []replica.PendingMutation `json:"mutations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Mutations, 1)
	require.Equal(t, queued.ID, listResp.Mutations[0].ID)

	// Remove it.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/queue/"+queued.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	pending, err := store.ListPendingMutations(req.Context())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestQueueAddRejectsBadKind(t *testing.T) {
	handlers, _ := newTestHandlers(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/queue",
		strings.NewReader(`{"videoId":"v1","kind":"rename"}`))
	rec := httptest.NewRecorder()
	handlers.HandleQueueAdd(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func newBrokenService(t *testing.T, baseURL string) *Service {
	t.Helper()
	return NewService(recordstore.NewClient(baseURL, "", nil), 500, nil)
}
