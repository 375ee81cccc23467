// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmarkhas/reelcache/replica"
)

// ConnectivityFunc reports whether the record-store origin is reachable.
// It is consulted at the moment of each request and never cached, since
// connectivity can change between requests.
type ConnectivityFunc func(ctx context.Context) bool

// Config holds the router's environment.
type Config struct {
	// Origin is the record store / app origin, e.g. "http://localhost:3000".
	Origin string
	// ThumbnailHosts are cross-origin image hosts to cache.
	ThumbnailHosts []string
	// DevMode disables caching of build artifacts.
	DevMode bool
}

// Router is the long-lived interception service. It holds no reference
// to any client page; everything it needs is injected once at
// construction and every decision is a function of the request at hand.
type Router struct {
	classifier *Classifier
	origin     *url.URL
	store      *replica.Store
	cache      *ResponseCache
	client     *http.Client
	online     ConnectivityFunc
	logger     *slog.Logger
}

// New creates the request router.
func New(cfg Config, store *replica.Store, cache *ResponseCache, online ConnectivityFunc, logger *slog.Logger) (*Router, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", cfg.Origin)
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Router{
		classifier: NewClassifier(cfg.ThumbnailHosts, cfg.DevMode),
		origin:     origin,
		store:      store,
		cache:      cache,
		client:     &http.Client{Timeout: 120 * time.Second},
		online:     online,
		logger:     logger,
	}
	if rt.online == nil {
		rt.online = DialConnectivity(origin)
	}
	return rt, nil
}

// DialConnectivity probes the origin with a short TCP dial. It is the
// default connectivity signal when the host runtime provides none.
func DialConnectivity(origin *url.URL) ConnectivityFunc {
	host := origin.Host
	if origin.Port() == "" {
		if origin.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: 750 * time.Millisecond}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// ServeHTTP classifies the request and dispatches the matching strategy.
// Every strategy resolves to a response under all failure combinations;
// nothing escapes this boundary as an unhandled error.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := rt.requestInfo(r)
	strategy := rt.classifier.Classify(info)
	online := rt.online(r.Context())

	rt.logger.Debug("Routing request",
		"path", info.URL.Path, "strategy", strategy.String(), "online", online)

	switch strategy {
	case StrategyPassThrough:
		rt.servePassThrough(w, r)
	case StrategyNetworkOnly:
		rt.serveNetworkOnly(w, r, info)
	case StrategyList:
		rt.serveList(w, r, online)
	case StrategyDetail:
		rt.serveDetail(w, r, online)
	case StrategyAPI:
		rt.serveAPI(w, r)
	case StrategyImage:
		rt.serveImage(w, r)
	case StrategyPage:
		rt.servePage(w, r, info)
	}
}

func (rt *Router) requestInfo(r *http.Request) RequestInfo {
	u := r.URL
	sameOrigin := true
	if u.IsAbs() {
		sameOrigin = strings.EqualFold(u.Host, rt.origin.Host)
	}
	return RequestInfo{
		URL:         u,
		Method:      r.Method,
		SameOrigin:  sameOrigin,
		AcceptsHTML: strings.Contains(r.Header.Get("Accept"), "text/html"),
	}
}

// hop-by-hop headers are never forwarded or cached.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// fetch performs one upstream round trip and captures the full response.
// Transport failures return an error; any received status is a response.
func (rt *Router) fetch(ctx context.Context, r *http.Request) (*CachedResponse, error) {
	target := *r.URL
	if !target.IsAbs() {
		target.Scheme = rt.origin.Scheme
		target.Host = rt.origin.Host
	}

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network failure: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	return &CachedResponse{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     data,
		StoredAt: time.Now(),
	}, nil
}

// cacheable reports whether a response may be stored for replay. Only
// 2xx qualifies: redirects and errors must never be served as fallbacks.
func cacheable(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}

// networkStep wraps fetch for network-first chains: server errors count
// as failures so the chain can fall back, while client errors (404 etc.)
// are real answers and pass through.
func (rt *Router) networkStep(r *http.Request, onSuccess func(*CachedResponse)) Step {
	return Step{
		Source: "network",
		Run: func(ctx context.Context) (*CachedResponse, error) {
			resp, err := rt.fetch(ctx, r)
			if err != nil {
				return nil, err
			}
			if resp.Status >= http.StatusInternalServerError {
				return nil, fmt.Errorf("upstream returned status %d", resp.Status)
			}
			if onSuccess != nil && cacheable(resp.Status) {
				onSuccess(resp)
			}
			return resp, nil
		},
	}
}

// cacheStep reads a stored raw response.
func (rt *Router) cacheStep(key string) Step {
	return Step{
		Source: "cache",
		Run: func(ctx context.Context) (*CachedResponse, error) {
			return rt.cache.Get(key)
		},
	}
}

// offlineEnabled reads the persisted offline-mode flag. Store errors are
// logged and treated as "fallbacks off".
func (rt *Router) offlineEnabled(ctx context.Context) bool {
	value, err := rt.store.GetMeta(ctx, replica.MetaOfflineEnabled)
	if err != nil {
		rt.logger.Error("Failed to read offline flag", "error", err)
		return false
	}
	return value == "true"
}

func requestKey(r *http.Request) string {
	return r.URL.RequestURI()
}
