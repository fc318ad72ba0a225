// SPDX-License-Identifier: MIT

// Package sonarr is a typed client for the manager's v3 HTTP API with
// retries, outbound pacing and read-through TTL caching.
package sonarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tvops/reconcilarr/internal/cache"
	"github.com/tvops/reconcilarr/internal/log"
	"github.com/tvops/reconcilarr/internal/metrics"
)

const (
	apiPrefix = "/api/v3"

	queuePageSize   = 250
	historyPageSize = 50
	historyMaxPages = 3
)

// Options configures a Client.
type Options struct {
	APIKey   string
	Timeout  time.Duration // per-request deadline, default 30s
	PoolSize int           // idle connections kept per host, default 20
	Retry    RetryPolicy
	Cache    cache.Cache // required; use cache.New
	// RequestsPerSecond paces outbound calls so scan bursts do not hammer
	// the manager. Zero disables pacing.
	RequestsPerSecond float64
}

// Client wraps the manager API. Safe for concurrent use.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	retry   RetryPolicy
	cache   cache.Cache
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a Client for the manager at base.
func New(base string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pool := opts.PoolSize
	if pool <= 0 {
		pool = 20
	}
	retryPolicy := opts.Retry
	if retryPolicy.MaxAttempts == 0 {
		retryPolicy = DefaultRetryPolicy()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}

	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: opts.APIKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        pool,
				MaxIdleConnsPerHost: pool,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:   retryPolicy,
		cache:   opts.Cache,
		limiter: limiter,
		logger:  log.WithComponent("sonarr"),
	}
}

// CloseIdleConnections drops pooled keepalive connections. Called on
// daemon shutdown.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// do issues one request and decodes the response into out (if non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := c.base + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &APIError{Sentinel: ErrMalformed, Operation: op, Err: err}
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return &APIError{Sentinel: ErrMalformed, Operation: op, Err: err}
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	metrics.IncAPICall(err)
	if err != nil {
		return &APIError{Sentinel: ErrTransient, Operation: op, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	c.logger.Debug().
		Str("event", "client.request").
		Str("method", method).
		Str("path", path).
		Int("status", res.StatusCode).
		Msg("manager API call")

	if res.StatusCode >= 400 {
		apiErr := &APIError{
			Sentinel:  classifyStatus(res.StatusCode),
			Operation: op,
			Status:    res.StatusCode,
			Body:      readErrorBody(res.Body),
		}
		if res.StatusCode == 429 {
			if secs, parseErr := strconv.Atoi(res.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
				apiErr.Err = retryAfterHint{delay: time.Duration(secs) * time.Second}
			}
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &APIError{Sentinel: ErrMalformed, Operation: op, Status: res.StatusCode, Err: err}
	}
	return nil
}

// call wraps do with the retry policy.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	return c.retry.Do(ctx, c.logger, op, func() error {
		return c.do(ctx, op, method, path, query, body, out)
	})
}

// readErrorBody extracts a short error message without leaking huge bodies.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(raw))
}

// SystemStatus fetches the manager's identity; used as the startup
// connectivity and credential check.
func (c *Client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	if err := c.call(ctx, "system_status", http.MethodGet, "/system/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// fetchQueue reads every page of the queue.
func (c *Client) fetchQueue(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	for pageNum := 1; ; pageNum++ {
		query := url.Values{
			"page":                      {strconv.Itoa(pageNum)},
			"pageSize":                  {strconv.Itoa(queuePageSize)},
			"includeUnknownSeriesItems": {"true"},
			"includeSeries":             {"true"},
			"includeEpisode":            {"true"},
		}
		var pg page[QueueItem]
		if err := c.call(ctx, "queue", http.MethodGet, "/queue", query, nil, &pg); err != nil {
			return nil, err
		}
		items = append(items, pg.Records...)
		if len(items) >= pg.TotalRecords || len(pg.Records) == 0 {
			return items, nil
		}
	}
}

// fetchHistory reads the newest history pages for an episode.
func (c *Client) fetchHistory(ctx context.Context, episodeID int) ([]HistoryEvent, error) {
	var events []HistoryEvent
	for pageNum := 1; pageNum <= historyMaxPages; pageNum++ {
		query := url.Values{
			"page":          {strconv.Itoa(pageNum)},
			"pageSize":      {strconv.Itoa(historyPageSize)},
			"episodeId":     {strconv.Itoa(episodeID)},
			"sortKey":       {"date"},
			"sortDirection": {"descending"},
		}
		var pg page[HistoryEvent]
		if err := c.call(ctx, "history", http.MethodGet, "/history", query, nil, &pg); err != nil {
			return nil, err
		}
		events = append(events, pg.Records...)
		if len(events) >= pg.TotalRecords || len(pg.Records) == 0 {
			return events, nil
		}
	}
	return events, nil
}

// fetchRecentHistory reads the newest history page across all episodes.
// Used by repeated-grab detection, which needs a site-wide view.
func (c *Client) fetchRecentHistory(ctx context.Context) ([]HistoryEvent, error) {
	query := url.Values{
		"page":          {"1"},
		"pageSize":      {"200"},
		"sortKey":       {"date"},
		"sortDirection": {"descending"},
	}
	var pg page[HistoryEvent]
	if err := c.call(ctx, "recent_history", http.MethodGet, "/history", query, nil, &pg); err != nil {
		return nil, err
	}
	return pg.Records, nil
}

// ManualImportRequest describes one forced import.
type ManualImportRequest struct {
	Path             string
	EpisodeID        int
	QualityProfileID int
	Quality          map[string]any
	CustomFormats    []CustomFormatRef
}

// ManualImport triggers the manager's import command for a completed
// download. The caller supplies the grab-time formats and profile so the
// import is scored under the grab regime.
func (c *Client) ManualImport(ctx context.Context, req ManualImportRequest) error {
	if req.Path == "" || req.EpisodeID == 0 {
		return &APIError{Sentinel: ErrMalformed, Operation: "manual_import",
			Err: fmt.Errorf("path and episode id are required")}
	}

	body := map[string]any{
		"name": "ManualImport",
		"files": []map[string]any{{
			"path":             req.Path,
			"episodeIds":       []int{req.EpisodeID},
			"quality":          req.Quality,
			"customFormats":    req.CustomFormats,
			"qualityProfileId": req.QualityProfileID,
		}},
	}
	if err := c.call(ctx, "manual_import", http.MethodPost, "/command", nil, body, nil); err != nil {
		return err
	}
	c.invalidateEpisode(req.EpisodeID)
	return nil
}

// RemoveQueueItem removes one queue entry, optionally blocklisting the
// release. The download is always removed from the client. A not-found
// or conflict response means the item was already gone and is success.
func (c *Client) RemoveQueueItem(ctx context.Context, item *QueueItem, blocklist bool) error {
	query := url.Values{
		"removeFromClient": {"true"},
		"blocklist":        {strconv.FormatBool(blocklist)},
	}
	err := c.call(ctx, "remove_queue_item", http.MethodDelete, "/queue/"+strconv.Itoa(item.ID), query, nil, nil)
	if err != nil && !isAlreadyGone(err) {
		return err
	}
	c.invalidateEpisode(item.ResolveEpisodeID())
	return nil
}
