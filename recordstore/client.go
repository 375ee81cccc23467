// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

// Package recordstore is the HTTP client for the external video record
// store. It normalizes the store's inconsistent field shapes into a
// stable Record and owns no offline state beyond a small in-process
// list cache that callers invalidate before a fresh fetch.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RequestError is a structured failure from the record store, carrying
// the upstream HTTP status when one was received (0 for transport errors).
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("record store: %s", e.Message)
	}
	return fmt.Sprintf("record store: %s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a RequestError with a 404 status.
func IsNotFound(err error) bool {
	re, ok := err.(*RequestError)
	return ok && re.StatusCode == http.StatusNotFound
}

// ListOptions selects a page of records and the field subset to transfer.
type ListOptions struct {
	Sort   string   // e.g. "-createdAt"
	Limit  int
	Page   int
	Fields []string // empty means all fields
}

// PageInfo describes the upstream pagination state for a list call.
type PageInfo struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
	Limit      int `json:"limit"`
}

// ListResult is one page of records plus pagination info.
type ListResult struct {
	Records  []Record
	PageInfo PageInfo
}

// Client issues paginated list/detail/update/delete calls against the
// record store backend.
type Client struct {
	BaseURL string
	Token   string // optional bearer token for the backend
	HTTP    *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	listCache map[string]*ListResult
}

// NewClient creates a record store client. The generous timeout matches
// the slow upstream tunnels the store is sometimes reached through.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Token:     token,
		HTTP:      &http.Client{Timeout: 120 * time.Second},
		logger:    logger,
		listCache: make(map[string]*ListResult),
	}
}

// InvalidateCache drops the in-process list cache. Refresh calls this
// before fetching so a previously cached empty page is never returned
// as the current state.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.listCache = make(map[string]*ListResult)
	c.mu.Unlock()
}

// List fetches one page of records. Results are memoized per query until
// InvalidateCache is called.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	key := listCacheKey(opts)

	c.mu.Lock()
	if cached, ok := c.listCache[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if len(opts.Fields) > 0 {
		q.Set("fields", strings.Join(opts.Fields, ","))
	}

	body, err := c.do(ctx, http.MethodGet, "/api/videos?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Videos   []json.RawMessage `json:"videos"`
		PageInfo PageInfo          `json:"pageInfo"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("failed to decode list response: %v", err)}
	}

	result := &ListResult{PageInfo: envelope.PageInfo}
	result.Records = make([]Record, 0, len(envelope.Videos))
	for _, raw := range envelope.Videos {
		rec, err := DecodeRecord(raw)
		if err != nil {
			// A single malformed record must not sink the whole page.
			c.logger.Warn("Skipping malformed record in list response", "error", err)
			continue
		}
		result.Records = append(result.Records, rec)
	}

	c.mu.Lock()
	c.listCache[key] = result
	c.mu.Unlock()

	return result, nil
}

// GetByExternalID fetches a single record. A missing record is reported
// as a RequestError with status 404 (check with IsNotFound).
func (c *Client) GetByExternalID(ctx context.Context, externalID string) (*Record, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/videos/"+url.PathEscape(externalID), nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Video json.RawMessage `json:"video"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("failed to decode detail response: %v", err)}
	}
	rec, err := DecodeRecord(envelope.Video)
	if err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("failed to decode record: %v", err)}
	}
	return &rec, nil
}

// Update applies a partial field patch to a record and returns the
// updated record as the store now sees it.
func (c *Client) Update(ctx context.Context, externalID string, patch json.RawMessage) (*Record, error) {
	body, err := c.do(ctx, http.MethodPatch, "/api/videos/"+url.PathEscape(externalID), patch)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Video json.RawMessage `json:"video"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("failed to decode update response: %v", err)}
	}
	rec, err := DecodeRecord(envelope.Video)
	if err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("failed to decode record: %v", err)}
	}
	return &rec, nil
}

// Delete removes a record from the store.
func (c *Client) Delete(ctx context.Context, externalID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/videos/"+url.PathEscape(externalID), nil)
	return err
}

// do performs one HTTP round trip and maps every failure to RequestError.
func (c *Client) do(ctx context.Context, method, path string, payload json.RawMessage) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, &RequestError{Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: msg}
	}

	return body, nil
}

func listCacheKey(opts ListOptions) string {
	return fmt.Sprintf("%s|%d|%d|%s", opts.Sort, opts.Limit, opts.Page, strings.Join(opts.Fields, ","))
}
