// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package router

import "strings"

// dynamicRouteFamilies are page route families with one path parameter.
// Every instance of a family shares one cache key: caching each visited
// detail page separately would blow the storage bound and still produce
// no fallback for pages never visited.
var dynamicRouteFamilies = []string{
	"/videos/",
	"/watch/",
}

// Canonicalize maps a document path to its cache key. Paths inside a
// dynamic route family collapse to the family's shared key; everything
// else caches under its own path, query stripped.
func Canonicalize(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	for _, family := range dynamicRouteFamilies {
		if strings.HasPrefix(path, family) && len(path) > len(family) {
			return family + ":param"
		}
	}
	return path
}
