// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmarkhas/reelcache/recordstore"
	"github.com/dmarkhas/reelcache/replica"
)

const defaultListLimit = 50

// revalidateTimeout bounds background image refreshes, which are
// detached from the originating request's context.
const revalidateTimeout = 10 * time.Second

// transparentGIF is a 1x1 transparent placeholder returned when a
// thumbnail can be served neither from cache nor from the network.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

const offlinePage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
body { font-family: system-ui, sans-serif; background: #0f0f0f; color: #eee;
       display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
main { text-align: center; }
h1 { font-size: 1.4rem; }
p { color: #999; }
</style>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>This page is not cached. Your video library is still available from the home page.</p>
</main>
</body>
</html>
`

type listEnvelope struct {
	Success    bool                    `json:"success"`
	Videos     []replica.CachedRecord  `json:"videos"`
	Pagination *recordstore.PageInfo   `json:"pagination,omitempty"`
	Offline    bool                    `json:"offline,omitempty"`
}

type detailEnvelope struct {
	Success bool                  `json:"success"`
	Video   *replica.CachedRecord `json:"video,omitempty"`
	Offline bool                  `json:"offline,omitempty"`
}

type failureEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
}

func (rt *Router) servePassThrough(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.fetch(r.Context(), r)
	if err != nil {
		rt.logger.Warn("Pass-through fetch failed", "url", r.URL.String(), "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	resp.Write(w)
}

func (rt *Router) serveNetworkOnly(w http.ResponseWriter, r *http.Request, info RequestInfo) {
	resp, err := rt.fetch(r.Context(), r)
	if err == nil && resp.Status >= http.StatusInternalServerError {
		// Same contract as the chained strategies: a server error is a
		// failure, and a client error is a real answer to pass through.
		err = fmt.Errorf("upstream returned status %d", resp.Status)
	}
	if err != nil {
		rt.logger.Warn("Network-only fetch failed",
			"method", info.Method, "url", r.URL.String(), "error", err)
		rt.writeJSON(w, http.StatusServiceUnavailable, failureEnvelope{
			Error:   "network unavailable",
			Offline: true,
		})
		return
	}
	resp.Write(w)
}

// serveList handles the video list endpoint. With offline mode enabled
// and no connectivity the replica answers directly, skipping the network
// entirely. Otherwise it is network-first with the replica and raw cache
// as fallbacks.
func (rt *Router) serveList(w http.ResponseWriter, r *http.Request, online bool) {
	offline := rt.offlineEnabled(r.Context())

	if offline && !online {
		rt.serveListFromReplica(w, r)
		return
	}

	key := requestKey(r)
	steps := []Step{
		rt.networkStep(r, func(resp *CachedResponse) {
			if err := rt.cache.Put(key, resp); err != nil {
				rt.logger.Warn("Failed to cache list response", "error", err)
			}
		}),
	}
	if offline {
		steps = append(steps, Step{
			Source: "replica",
			Run: func(ctx context.Context) (*CachedResponse, error) {
				return rt.replicaListResponse(ctx, r)
			},
		})
	}
	steps = append(steps, rt.cacheStep(key))

	resp, source, err := RunChain(r.Context(), steps)
	if err != nil {
		rt.logger.Warn("List request exhausted all sources", "error", err)
		rt.writeJSON(w, http.StatusServiceUnavailable, failureEnvelope{
			Error:   "video list unavailable offline",
			Offline: true,
		})
		return
	}
	rt.logger.Debug("List served", "source", source)
	resp.Write(w)
}

func (rt *Router) serveListFromReplica(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.replicaListResponse(r.Context(), r)
	if err != nil {
		rt.logger.Error("Replica list failed", "error", err)
		rt.writeJSON(w, http.StatusServiceUnavailable, failureEnvelope{
			Error:   "local replica unavailable",
			Offline: true,
		})
		return
	}
	resp.Write(w)
}

// replicaListResponse builds a list payload from the local replica,
// paginated in memory newest-first. An empty replica is a successful
// empty list, not an error.
func (rt *Router) replicaListResponse(ctx context.Context, r *http.Request) (*CachedResponse, error) {
	records, err := rt.store.GetAllCached(ctx)
	if err != nil {
		return nil, err
	}

	limit := queryInt(r, "limit", defaultListLimit)
	page := queryInt(r, "page", 1)
	if limit < 1 {
		limit = defaultListLimit
	}
	if page < 1 {
		page = 1
	}

	total := len(records)
	totalPages := (total + limit - 1) / limit
	if totalPages < 1 {
		totalPages = 1
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	videos := records[start:end]
	if videos == nil {
		videos = []replica.CachedRecord{}
	}

	body, err := json.Marshal(listEnvelope{
		Success: true,
		Videos:  videos,
		Pagination: &recordstore.PageInfo{
			Page:       page,
			TotalPages: totalPages,
			Total:      total,
			Limit:      limit,
		},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return jsonResponse(body), nil
}

// serveDetail handles single-record API requests. Online successes are
// opportunistically folded into the replica so detail pages visited
// while online stay readable offline.
func (rt *Router) serveDetail(w http.ResponseWriter, r *http.Request, online bool) {
	offline := rt.offlineEnabled(r.Context())
	externalID := detailID(r.URL.Path)
	key := requestKey(r)

	var absorb func(*CachedResponse)
	if offline {
		absorb = func(resp *CachedResponse) {
			rt.absorbDetail(r.Context(), resp)
		}
	}

	if offline && !online {
		if resp, err := rt.replicaDetailResponse(r.Context(), externalID); err == nil {
			resp.Write(w)
			return
		}
	}

	steps := []Step{
		rt.networkStep(r, func(resp *CachedResponse) {
			if err := rt.cache.Put(key, resp); err != nil {
				rt.logger.Warn("Failed to cache detail response", "error", err)
			}
			if absorb != nil {
				absorb(resp)
			}
		}),
	}
	if offline {
		steps = append(steps, Step{
			Source: "replica",
			Run: func(ctx context.Context) (*CachedResponse, error) {
				return rt.replicaDetailResponse(ctx, externalID)
			},
		})
	}
	steps = append(steps, rt.cacheStep(key))

	resp, source, err := RunChain(r.Context(), steps)
	if err != nil {
		rt.logger.Warn("Detail request exhausted all sources",
			"videoId", externalID, "error", err)
		rt.writeJSON(w, http.StatusServiceUnavailable, failureEnvelope{
			Error:   "video unavailable offline",
			Offline: true,
		})
		return
	}
	rt.logger.Debug("Detail served", "videoId", externalID, "source", source)
	resp.Write(w)
}

func (rt *Router) replicaDetailResponse(ctx context.Context, externalID string) (*CachedResponse, error) {
	rec, err := rt.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(detailEnvelope{Success: true, Video: rec, Offline: true})
	if err != nil {
		return nil, err
	}
	return jsonResponse(body), nil
}

// absorbDetail parses a successful detail response and upserts the
// sanitized record. Best effort: a malformed body is logged and skipped.
func (rt *Router) absorbDetail(ctx context.Context, resp *CachedResponse) {
	var envelope struct {
		Video json.RawMessage `json:"video"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil || len(envelope.Video) == 0 {
		return
	}
	rec, err := recordstore.DecodeRecord(envelope.Video)
	if err != nil {
		rt.logger.Warn("Skipping unparsable detail record", "error", err)
		return
	}
	if err := rt.store.UpsertOne(ctx, replica.Sanitize(rec)); err != nil {
		rt.logger.Warn("Failed to absorb detail record", "videoId", rec.ExternalID, "error", err)
	}
}

// serveAPI covers generic API routes. GET requests fall back to the raw
// cache; anything that can mutate server state goes network-only so a
// stale success is never fabricated.
func (rt *Router) serveAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rt.serveNetworkOnly(w, r, rt.requestInfo(r))
		return
	}

	key := requestKey(r)
	steps := []Step{
		rt.networkStep(r, func(resp *CachedResponse) {
			if err := rt.cache.Put(key, resp); err != nil {
				rt.logger.Warn("Failed to cache API response", "error", err)
			}
		}),
		rt.cacheStep(key),
	}

	resp, _, err := RunChain(r.Context(), steps)
	if err != nil {
		rt.writeJSON(w, http.StatusServiceUnavailable, failureEnvelope{
			Error:   "service unavailable offline",
			Offline: true,
		})
		return
	}
	resp.Write(w)
}

// serveImage is cache-first. A hit is replayed immediately and refreshed
// in the background; a miss goes to the network; total failure yields a
// transparent placeholder instead of a broken image.
func (rt *Router) serveImage(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)

	if resp, err := rt.cache.Get(key); err == nil {
		resp.Write(w)
		go rt.revalidateImage(r, key)
		return
	}

	resp, err := rt.fetch(r.Context(), r)
	if err == nil && resp.Status < http.StatusBadRequest {
		if cacheable(resp.Status) {
			if err := rt.cache.Put(key, resp); err != nil {
				rt.logger.Warn("Failed to cache image", "error", err)
			}
		}
		resp.Write(w)
		return
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// revalidateImage refreshes a cached image after it has been served.
// Detached from the request context: the response already went out.
func (rt *Router) revalidateImage(r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
	defer cancel()

	clone := r.Clone(ctx)
	clone.Body = nil
	resp, err := rt.fetch(ctx, clone)
	if err != nil || !cacheable(resp.Status) {
		return
	}
	if err := rt.cache.Put(key, resp); err != nil {
		rt.logger.Warn("Failed to refresh cached image", "error", err)
	}
}

// servePage handles navigations and static assets. Navigations are
// network-first keyed by canonical path so one cached shell serves a
// whole dynamic route family; assets are cache-first.
func (rt *Router) servePage(w http.ResponseWriter, r *http.Request, info RequestInfo) {
	if info.AcceptsHTML {
		rt.serveNavigation(w, r)
		return
	}
	rt.serveAsset(w, r)
}

func (rt *Router) serveNavigation(w http.ResponseWriter, r *http.Request) {
	key := Canonicalize(r.URL.Path)

	steps := []Step{
		rt.networkStep(r, func(resp *CachedResponse) {
			if err := rt.cache.Put(key, resp); err != nil {
				rt.logger.Warn("Failed to cache page", "key", key, "error", err)
			}
		}),
		rt.cacheStep(key),
	}

	resp, _, err := RunChain(r.Context(), steps)
	if err != nil {
		rt.logger.Debug("Serving offline page", "path", r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(offlinePage))
		return
	}
	resp.Write(w)
}

func (rt *Router) serveAsset(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)

	if resp, err := rt.cache.Get(key); err == nil {
		resp.Write(w)
		return
	}

	resp, err := rt.fetch(r.Context(), r)
	if err != nil {
		http.Error(w, "asset unavailable offline", http.StatusServiceUnavailable)
		return
	}
	if cacheable(resp.Status) {
		if err := rt.cache.Put(key, resp); err != nil {
			rt.logger.Warn("Failed to cache asset", "error", err)
		}
	}
	resp.Write(w)
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rt.logger.Error("Failed to encode response", "error", err)
	}
}

func jsonResponse(body []byte) *CachedResponse {
	return &CachedResponse{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     body,
		StoredAt: time.Now(),
	}
}

func detailID(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
