// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus counters plus a JSON snapshot used by
// the webhook server's /metrics endpoint.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilarr_queue_scans_total",
		Help: "Total number of completed queue scan cycles",
	})

	itemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilarr_items_processed_total",
		Help: "Total number of queue items run through reconcile",
	})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcilarr_decisions_total",
		Help: "Reconcile decisions by action",
	}, []string{"action"}) // action=force_import|remove_public|keep_private|no_action

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcilarr_webhook_events_total",
		Help: "Webhook events received by type",
	}, []string{"event_type"})

	webhookAuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilarr_webhook_auth_failures_total",
		Help: "Webhook requests rejected for failed authentication",
	})

	webhookRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcilarr_webhook_ratelimited_total",
		Help: "Webhook requests rejected by the rate limiter",
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcilarr_cache_lookups_total",
		Help: "Manager client cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|miss

	apiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcilarr_manager_api_calls_total",
		Help: "Outbound manager API calls by outcome",
	}, []string{"outcome"}) // outcome=success|error
)

// Snapshot is the JSON shape served by GET /metrics.
type Snapshot struct {
	QueueScans      int64            `json:"queue_scans"`
	ItemsProcessed  int64            `json:"items_processed"`
	ForcedImports   int64            `json:"forced_imports"`
	Removals        int64            `json:"removals"`
	Keeps           int64            `json:"keeps"`
	NoActions       int64            `json:"no_actions"`
	WebhookEvents   map[string]int64 `json:"webhook_events"`
	AuthFailures    int64            `json:"auth_failures"`
	RateLimited     int64            `json:"rate_limited"`
	CacheHits       int64            `json:"cache_hits"`
	CacheMisses     int64            `json:"cache_misses"`
	ManagerAPICalls int64            `json:"manager_api_calls"`
}

// counters mirrors the Prometheus series so the JSON endpoint can read
// them back; client_golang counters are write-only from Go.
var counters struct {
	queueScans     atomic.Int64
	itemsProcessed atomic.Int64
	forcedImports  atomic.Int64
	removals       atomic.Int64
	keeps          atomic.Int64
	noActions      atomic.Int64
	authFailures   atomic.Int64
	rateLimited    atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	apiCalls       atomic.Int64

	mu     sync.Mutex
	events map[string]int64
}

func IncQueueScan() {
	queueScans.Inc()
	counters.queueScans.Add(1)
}

func IncItemProcessed() {
	itemsProcessed.Inc()
	counters.itemsProcessed.Add(1)
}

// IncDecision records a reconcile outcome by action name.
func IncDecision(action string) {
	decisionsTotal.WithLabelValues(action).Inc()
	switch action {
	case "force_import":
		counters.forcedImports.Add(1)
	case "remove_public":
		counters.removals.Add(1)
	case "keep_private":
		counters.keeps.Add(1)
	case "no_action":
		counters.noActions.Add(1)
	}
}

func IncWebhookEvent(eventType string) {
	webhookEvents.WithLabelValues(eventType).Inc()
	counters.mu.Lock()
	if counters.events == nil {
		counters.events = make(map[string]int64)
	}
	counters.events[eventType]++
	counters.mu.Unlock()
}

func IncAuthFailure() {
	webhookAuthFailures.Inc()
	counters.authFailures.Add(1)
}

func IncRateLimited() {
	webhookRateLimited.Inc()
	counters.rateLimited.Add(1)
}

func IncCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		counters.cacheHits.Add(1)
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
		counters.cacheMisses.Add(1)
	}
}

func IncAPICall(err error) {
	counters.apiCalls.Add(1)
	if err != nil {
		apiCalls.WithLabelValues("error").Inc()
	} else {
		apiCalls.WithLabelValues("success").Inc()
	}
}

// Current returns a point-in-time snapshot of all counters.
func Current() Snapshot {
	snap := Snapshot{
		QueueScans:      counters.queueScans.Load(),
		ItemsProcessed:  counters.itemsProcessed.Load(),
		ForcedImports:   counters.forcedImports.Load(),
		Removals:        counters.removals.Load(),
		Keeps:           counters.keeps.Load(),
		NoActions:       counters.noActions.Load(),
		AuthFailures:    counters.authFailures.Load(),
		RateLimited:     counters.rateLimited.Load(),
		CacheHits:       counters.cacheHits.Load(),
		CacheMisses:     counters.cacheMisses.Load(),
		ManagerAPICalls: counters.apiCalls.Load(),
		WebhookEvents:   make(map[string]int64),
	}
	counters.mu.Lock()
	for k, v := range counters.events {
		snap.WebhookEvents[k] = v
	}
	counters.mu.Unlock()
	return snap
}
