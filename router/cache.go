// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrCacheMiss is returned when no response is stored under a key.
var ErrCacheMiss = errors.New("router: cache miss")

const responseKeyPrefix = "resp:"

// CachedResponse is a stored copy of an upstream response, complete
// enough to be replayed to a client later.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Write replays the response to w.
func (cr *CachedResponse) Write(w http.ResponseWriter) {
	for k, vals := range cr.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	status := cr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(cr.Body)
}

// ResponseCache is the durable response cache shared by all strategies,
// keyed by request. BadgerDB keeps it transactional and crash-safe.
type ResponseCache struct {
	db *badger.DB
}

// OpenResponseCache opens the cache at dir. An empty dir opens an
// in-memory cache, used by tests.
func OpenResponseCache(dir string) (*ResponseCache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open response cache: %w", err)
	}
	return &ResponseCache{db: db}, nil
}

// Get returns the response stored under key, or ErrCacheMiss.
func (c *ResponseCache) Get(key string) (*CachedResponse, error) {
	var resp CachedResponse
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(responseKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("failed to read cache entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &resp)
		})
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Put stores a response under key, overwriting any previous copy.
func (c *ResponseCache) Put(key string, resp *CachedResponse) error {
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(responseKeyPrefix+key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Drop discards every cached response (full-cache clear).
func (c *ResponseCache) Drop() error {
	if err := c.db.DropAll(); err != nil {
		return fmt.Errorf("failed to drop response cache: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (c *ResponseCache) Close() error {
	return c.db.Close()
}
