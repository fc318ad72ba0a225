// SPDX-License-Identifier: MIT

// Package webhook serves the authenticated ingress endpoint the manager
// pushes grab/import/failure notifications to. Events either schedule a
// delayed post-grab check or trigger an immediate reconcile.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tvops/reconcilarr/internal/cache"
	"github.com/tvops/reconcilarr/internal/log"
	"github.com/tvops/reconcilarr/internal/metrics"
	"github.com/tvops/reconcilarr/internal/scheduler"
	"github.com/tvops/reconcilarr/internal/sonarr"
)

const (
	maxBodyBytes = 1 << 20
	dedupWindow  = 30 * time.Second
)

// Checker triggers reconciliation on demand. Implemented by the
// monitor engine.
type Checker interface {
	CheckDownload(ctx context.Context, downloadID string) (bool, error)
	CheckEpisode(ctx context.Context, episodeID int) (bool, error)
}

// Invalidator drops stale client caches after an import notification.
// Implemented by the manager client.
type Invalidator interface {
	InvalidateEpisode(episodeID int)
	CacheStats() cache.Stats
}

// Options configures the webhook server.
type Options struct {
	Addr            string
	Secret          string        // empty disables authentication (warned at startup)
	ImportDelay     time.Duration // grab-to-check delay, default 600s
	DedupWindow     time.Duration // duplicate-delivery collapse window, default 30s
	RateLimitPerMin int           // per-IP, default 30
	Version         string
}

// Server is the ingress HTTP server.
type Server struct {
	opts      Options
	checker   Checker
	sched     *scheduler.Scheduler
	inval     Invalidator
	dedup     cache.Cache
	stopDedup func()
	logger    zerolog.Logger
	started   time.Time

	// baseCtx parents the detached reconcile goroutines so shutdown
	// cancels them.
	baseCtx context.Context
}

// NewServer wires the webhook ingress.
func NewServer(opts Options, checker Checker, sched *scheduler.Scheduler, inval Invalidator) *Server {
	if opts.ImportDelay <= 0 {
		opts.ImportDelay = 600 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = dedupWindow
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 30
	}
	// The janitor keeps the dedup store bounded: expired delivery keys
	// are swept instead of accumulating for the process lifetime.
	dedup := cache.New(time.Minute)
	return &Server{
		opts:      opts,
		checker:   checker,
		sched:     sched,
		inval:     inval,
		dedup:     dedup,
		stopDedup: dedup.Stop,
		logger:    log.WithComponent("webhook"),
		started:   time.Now(),
		baseCtx:   context.Background(),
	}
}

type ctxKey int

const requestIDKey ctxKey = 0

// requestID tags every request with a unique ID, honoring one supplied
// by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// Handler builds the router. Exposed separately from Run for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.Limit(
		s.opts.RateLimitPerMin,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, req *http.Request) {
			metrics.IncRateLimited()
			s.logger.Warn().
				Str("event", "webhook.rate_limited").
				Str("remote", req.RemoteAddr).
				Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "rate limit exceeded",
				"limit": strconv.Itoa(s.opts.RateLimitPerMin) + " requests per minute",
			})
		}),
	))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.authenticated(s.handleMetrics))
	r.Get("/webhook/sonarr", s.authenticated(s.handleInfo))
	r.Post("/webhook/sonarr", s.authenticated(s.handleEvent))
	return r
}

// Run serves until ctx is canceled, then drains with a 10s grace.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	defer s.stopDedup()

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	if s.opts.Secret == "" {
		s.logger.Warn().
			Str("event", "webhook.no_secret").
			Msg("no webhook secret configured, accepting unauthenticated requests")
	}
	s.logger.Info().
		Str("event", "webhook.started").
		Str("addr", s.opts.Addr).
		Bool("authenticated", s.opts.Secret != "").
		Msg("webhook server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// authenticated wraps a handler with the shared-secret check. Both the
// X-Webhook-Secret header and an HMAC-SHA256 body signature are
// accepted; comparisons are constant-time.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
			return
		}

		if s.opts.Secret != "" && !s.authorize(r, body) {
			metrics.IncAuthFailure()
			s.logger.Warn().
				Str("event", "webhook.auth_failed").
				Str("remote", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("authentication failed")
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication failed"})
			return
		}
		next(w, r, body)
	}
}

func (s *Server) authorize(r *http.Request, body []byte) bool {
	if provided := r.Header.Get("X-Webhook-Secret"); provided != "" {
		return hmac.Equal([]byte(provided), []byte(s.opts.Secret))
	}

	if sig := r.Header.Get("X-Webhook-Signature"); sig != "" {
		const prefix = "sha256="
		if !strings.HasPrefix(sig, prefix) {
			return false
		}
		mac := hmac.New(sha256.New, []byte(s.opts.Secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(strings.TrimPrefix(sig, prefix)), []byte(expected))
	}
	return false
}

// handleEvent parses and dispatches one notification.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil || p.EventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON payload"})
		return
	}

	metrics.IncWebhookEvent(p.EventType)

	if key := p.dedupKey(); key != "" {
		if _, seen := s.dedup.Get(key); seen {
			s.logger.Debug().
				Str("event", "webhook.duplicate").
				Str("event_type", p.EventType).
				Str("download_id", p.DownloadID).
				Msg("duplicate delivery collapsed")
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		s.dedup.Set(key, struct{}{}, s.opts.DedupWindow)
	}

	s.logger.Info().
		Str("event", "webhook.received").
		Str("event_type", p.EventType).
		Str("series", p.SeriesTitle()).
		Str("download_id", p.DownloadID).
		Str("request_id", requestIDFrom(r)).
		Str("remote", r.RemoteAddr).
		Msg("notification received")

	switch p.EventType {
	case EventTest:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "success",
			"message":       "webhook test successful",
			"authenticated": s.opts.Secret != "",
		})

	case EventGrab:
		s.handleGrab(w, &p)

	case EventDownload, EventImport:
		s.handleImport(w, &p)

	case EventImportFailure, EventDownloadFailure, EventManualRequired:
		s.handleFailure(w, &p)

	case EventHealthIssue:
		s.logger.Warn().
			Str("event", "webhook.health_issue").
			Str("level", p.Level).
			Str("message", p.Message).
			Msg("manager reported a health issue")
		writeJSON(w, http.StatusOK, map[string]any{"status": "acknowledged"})

	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "event_type": p.EventType})
	}
}

// handleGrab schedules a delayed import check per episode.
func (s *Server) handleGrab(w http.ResponseWriter, p *Payload) {
	if p.DownloadID == "" || len(p.Episodes) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "no episodes or download id"})
		return
	}

	grabScore := 0
	indexer := ""
	if p.Release != nil {
		grabScore = p.Release.CustomFormatScore
		indexer = p.Release.Indexer
	}

	dueAt := time.Now().Add(s.opts.ImportDelay)
	scheduled := 0
	for _, ep := range p.Episodes {
		if ep.ID == 0 {
			continue
		}
		fp := scheduler.Fingerprint{EpisodeID: ep.ID, DownloadID: p.DownloadID}
		res := s.sched.Schedule(fp, dueAt, scheduler.TriggerPostGrabCheck)
		scheduled++
		s.logger.Info().
			Str("event", "webhook.check_scheduled").
			Str("fingerprint", fp.String()).
			Str("result", string(res)).
			Int("grab_score", grabScore).
			Str("indexer", indexer).
			Time("due_at", dueAt).
			Msg("post-grab import check scheduled")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "scheduled", "episodes": scheduled})
}

// handleImport cancels any pending check and invalidates episode caches.
func (s *Server) handleImport(w http.ResponseWriter, p *Payload) {
	canceled := 0
	for _, ep := range p.Episodes {
		if ep.ID == 0 {
			continue
		}
		fp := scheduler.Fingerprint{EpisodeID: ep.ID, DownloadID: p.DownloadID}
		if s.sched.Cancel(fp) {
			canceled++
			s.logger.Info().
				Str("event", "webhook.check_canceled").
				Str("fingerprint", fp.String()).
				Msg("import arrived before deadline")
		}
		s.inval.InvalidateEpisode(ep.ID)
	}
	if p.EpisodeFile != nil {
		s.logger.Debug().
			Str("event", "webhook.imported").
			Str("download_id", p.DownloadID).
			Str("path", p.EpisodeFile.RelativePath).
			Int("import_score", p.EpisodeFile.CustomFormatScore).
			Msg("import recorded")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "canceled": canceled})
}

// handleFailure triggers an immediate reconcile without blocking the
// request.
func (s *Server) handleFailure(w http.ResponseWriter, p *Payload) {
	downloadID := p.DownloadID
	episodes := p.Episodes

	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, time.Minute)
		defer cancel()

		if downloadID != "" {
			found, err := s.checker.CheckDownload(ctx, downloadID)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).
					Str("event", "webhook.check_failed").
					Str("download_id", downloadID).
					Msg("immediate reconcile failed")
			}
			if found || err != nil {
				return
			}
		}
		for _, ep := range episodes {
			if ep.ID == 0 {
				continue
			}
			if _, err := s.checker.CheckEpisode(ctx, ep.ID); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).
					Str("event", "webhook.check_failed").
					Int("episode_id", ep.ID).
					Msg("immediate reconcile failed")
			}
		}
	}()

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "reconcile triggered"})
}

// handleInfo describes the endpoint, mirroring what operators need to
// configure the manager's connection.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request, _ []byte) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":      "reconcilarr",
		"version":      s.opts.Version,
		"webhook_path": "/webhook/sonarr",
		"supported_events": []string{
			EventTest, EventGrab, EventDownload, EventImport,
			EventImportFailure, EventDownloadFailure, EventManualRequired, EventHealthIssue,
		},
		"authentication_required": s.opts.Secret != "",
		"rate_limit":              strconv.Itoa(s.opts.RateLimitPerMin) + " requests/minute",
		"content_type":            "application/json",
	})
}

// handleHealth is the unauthenticated liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "reconcilarr",
		"version":        s.opts.Version,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"cache":          s.inval.CacheStats(),
		"pending_checks": s.sched.Pending(),
	})
}

// handleMetrics returns the JSON counter snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request, _ []byte) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":            int(time.Since(s.started).Seconds()),
		"counters":                  metrics.Current(),
		"cache":                     s.inval.CacheStats(),
		"pending_checks":            s.sched.Pending(),
		"rate_limit_per_minute":     s.opts.RateLimitPerMin,
		"webhook_secret_configured": s.opts.Secret != "",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ Invalidator = (*sonarr.Client)(nil)
