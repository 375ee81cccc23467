// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

// Package router intercepts outgoing requests, classifies them by path
// and content shape, and serves each one through a caching strategy with
// an explicit fallback chain. It is the only component that looks at
// connectivity, and it does so at the instant of each request.
package router

import (
	"net/url"
	"strings"
)

// Strategy names a caching policy for one request class.
type Strategy int

const (
	// StrategyPassThrough forwards cross-origin requests untouched.
	StrategyPassThrough Strategy = iota
	// StrategyNetworkOnly always hits the network and never caches
	// (development build artifacts; stale bundles are worse than errors).
	StrategyNetworkOnly
	// StrategyList is network-first with a replica fallback over the
	// whole cached set.
	StrategyList
	// StrategyDetail is network-first with a single-record replica
	// lookup and an opportunistic replica upsert on success.
	StrategyDetail
	// StrategyAPI is network-first with a raw cached-response fallback.
	StrategyAPI
	// StrategyImage is cache-first with background revalidation and a
	// placeholder on total failure.
	StrategyImage
	// StrategyPage serves documents network-first and static assets
	// cache-first, with the offline page as the last resort.
	StrategyPage
)

func (s Strategy) String() string {
	switch s {
	case StrategyPassThrough:
		return "pass-through"
	case StrategyNetworkOnly:
		return "network-only"
	case StrategyList:
		return "list"
	case StrategyDetail:
		return "detail"
	case StrategyAPI:
		return "api"
	case StrategyImage:
		return "image"
	case StrategyPage:
		return "page"
	default:
		return "unknown"
	}
}

// RequestInfo is the classification input: everything about a request
// the router is allowed to look at before touching the network.
type RequestInfo struct {
	URL         *url.URL
	Method      string
	SameOrigin  bool
	AcceptsHTML bool
}

// Classifier decides a strategy per request. Classification is a pure
// function of RequestInfo so it can be tested without a live router.
type Classifier struct {
	// ThumbnailHosts are the cross-origin image hosts served cache-first
	// instead of being passed through.
	ThumbnailHosts map[string]bool
	// ListAPIPath is the video-list API path.
	ListAPIPath string
	// ImageOptimizerPath is the framework's image-optimizer endpoint.
	ImageOptimizerPath string
	// BuildPathPrefix marks development build artifacts.
	BuildPathPrefix string
	// DevMode routes build artifacts network-only so stale bundles are
	// never served.
	DevMode bool
}

// NewClassifier returns a classifier with the default path layout.
func NewClassifier(thumbnailHosts []string, devMode bool) *Classifier {
	hosts := make(map[string]bool, len(thumbnailHosts))
	for _, h := range thumbnailHosts {
		hosts[strings.ToLower(h)] = true
	}
	return &Classifier{
		ThumbnailHosts:     hosts,
		ListAPIPath:        "/api/videos",
		ImageOptimizerPath: "/_next/image",
		BuildPathPrefix:    "/_next/",
		DevMode:            devMode,
	}
}

var rasterImageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif"}

// Classify evaluates the classification rules in order and returns the
// first match. Rule order is part of the contract: a thumbnail host must
// win over generic cross-origin, dev bundles over API prefixes, and the
// list path over the detail shape.
func (c *Classifier) Classify(info RequestInfo) Strategy {
	path := info.URL.Path

	if !info.SameOrigin {
		if c.ThumbnailHosts[strings.ToLower(info.URL.Hostname())] {
			return StrategyImage
		}
		return StrategyPassThrough
	}

	if c.DevMode && strings.HasPrefix(path, c.BuildPathPrefix) && !strings.HasPrefix(path, c.ImageOptimizerPath) {
		return StrategyNetworkOnly
	}

	if path == c.ListAPIPath {
		return StrategyList
	}
	if c.isDetailPath(path) {
		return StrategyDetail
	}
	if strings.HasPrefix(path, "/api/") {
		return StrategyAPI
	}

	if strings.HasPrefix(path, c.ImageOptimizerPath) || hasRasterSuffix(path) {
		return StrategyImage
	}

	return StrategyPage
}

// isDetailPath matches exactly one path segment below the list API path.
func (c *Classifier) isDetailPath(path string) bool {
	prefix := c.ListAPIPath + "/"
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := strings.TrimPrefix(path, prefix)
	return rest != "" && !strings.Contains(rest, "/")
}

func hasRasterSuffix(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range rasterImageSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
