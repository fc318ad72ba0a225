// SPDX-License-Identifier: MIT

// Package monitor runs the reconciliation engine: the periodic queue
// scan and the on-demand reconcile shared with the webhook path. All
// mutating manager calls happen here.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvops/reconcilarr/internal/analyzer"
	"github.com/tvops/reconcilarr/internal/cache"
	"github.com/tvops/reconcilarr/internal/config"
	"github.com/tvops/reconcilarr/internal/log"
	"github.com/tvops/reconcilarr/internal/metrics"
	"github.com/tvops/reconcilarr/internal/sonarr"
)

const (
	// actedTTL is the cool-down during which an unchanged item is not
	// acted on again.
	actedTTL = 10 * time.Minute

	// grabFallbackWindow bounds how old a grab event may be when no
	// event matches the item's download id.
	grabFallbackWindow = 24 * time.Hour
)

// Outcome describes what one reconcile pass did for an item.
type Outcome struct {
	Decision analyzer.Decision
	Mutated  bool // a manager mutation was issued
	Skipped  bool // cool-down hit, nothing evaluated
	DryRun   bool // mutation suppressed by dry-run
}

// Engine owns the scan loop and the reconcile routine.
type Engine struct {
	client   *sonarr.Client
	policy   *config.Holder
	recent   cache.Cache // acted-on cool-down set
	interval time.Duration
	logger   zerolog.Logger

	// Per-download locks serialize reconciles for the same item while
	// letting different items proceed concurrently. Entries are
	// refcounted and removed when the last holder releases.
	lockMu sync.Mutex
	locks  map[string]*downloadLock

	cycles uint64
}

type downloadLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Engine. The recent cache is shared with nobody; it only
// holds cool-down markers.
func New(client *sonarr.Client, policy *config.Holder, recent cache.Cache, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{
		client:   client,
		policy:   policy,
		recent:   recent,
		interval: interval,
		logger:   log.WithComponent("monitor"),
		locks:    make(map[string]*downloadLock),
	}
}

// Run executes scan cycles until ctx is canceled. A failed cycle is
// logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	e.cycles++
	start := time.Now()

	if err := e.ScanOnce(ctx); err != nil {
		e.logger.Error().Err(err).
			Str("event", "monitor.cycle_failed").
			Uint64("cycle", e.cycles).
			Msg("scan aborted; retrying next interval")
		return
	}

	// Repeated-grab detection is heavier, so it runs every other cycle.
	if e.cycles%2 == 0 && e.policy.Current().DetectRepeatedGrabs {
		if n, err := e.checkRepeatedGrabs(ctx); err != nil {
			e.logger.Warn().Err(err).
				Str("event", "monitor.repeated_grabs_failed").
				Msg("repeated grab check failed")
		} else if n > 0 {
			e.logger.Warn().
				Str("event", "monitor.repeated_grabs").
				Int("episodes", n).
				Msg("episodes with unimported repeated grabs")
		}
	}

	e.logger.Debug().
		Str("event", "monitor.cycle_done").
		Uint64("cycle", e.cycles).
		Dur("elapsed", time.Since(start)).
		Msg("scan cycle complete")
}

// ScanOnce fetches the queue, selects stuck candidates and reconciles
// them sequentially. One item's failure never aborts the scan; an
// unauthorized response does, since every further call would fail too.
func (e *Engine) ScanOnce(ctx context.Context) error {
	metrics.IncQueueScan()

	queue, err := e.client.Queue(ctx)
	if err != nil {
		return fmt.Errorf("fetch queue: %w", err)
	}

	candidates := selectCandidates(queue)
	if len(candidates) == 0 {
		e.logger.Debug().
			Str("event", "monitor.scan_empty").
			Int("queue_size", len(queue)).
			Msg("no stuck items")
		return nil
	}

	e.logger.Info().
		Str("event", "monitor.scan").
		Int("queue_size", len(queue)).
		Int("candidates", len(candidates)).
		Msg("reconciling stuck items")

	for i := range candidates {
		item := &candidates[i]
		out, err := e.reconcileSafe(ctx, item)
		metrics.IncItemProcessed()
		switch {
		case err == nil:
			e.logOutcome(item, out)
		case errors.Is(err, sonarr.ErrUnauthorized):
			return fmt.Errorf("reconcile %q: %w", item.Title, err)
		case errors.Is(err, sonarr.ErrNotFound):
			e.logger.Debug().
				Str("event", "monitor.item_gone").
				Str("download_id", item.DownloadID).
				Msg("item vanished during reconcile")
		default:
			// Transient and server errors defer the item to the next scan.
			e.logger.Warn().Err(err).
				Str("event", "monitor.item_deferred").
				Str("download_id", item.DownloadID).
				Str("title", item.Title).
				Msg("reconcile failed; will retry next scan")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// selectCandidates filters the queue snapshot down to items that are
// not progressing on their own.
func selectCandidates(queue []sonarr.QueueItem) []sonarr.QueueItem {
	var out []sonarr.QueueItem
	for _, item := range queue {
		switch {
		case item.TrackedDownloadState == sonarr.StateImportPending,
			item.TrackedDownloadState == sonarr.StateImportBlocked,
			item.TrackedDownloadState == sonarr.StateImportFailed,
			item.TrackedDownloadState == sonarr.StateDownloadFailed:
			out = append(out, item)
		case item.Status == sonarr.StatusCompleted && item.TrackedDownloadStatus == "warning":
			out = append(out, item)
		case item.HasStuckMessage():
			out = append(out, item)
		}
	}
	return out
}

// reconcileSafe isolates a panic in one item's reconcile so the scan
// continues.
func (e *Engine) reconcileSafe(ctx context.Context, item *sonarr.QueueItem) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("event", "monitor.reconcile_panic").
				Str("download_id", item.DownloadID).
				Interface("panic", r).
				Msg("reconcile panicked")
			err = fmt.Errorf("reconcile panicked: %v", r)
		}
	}()
	return e.Reconcile(ctx, item)
}

// Reconcile evaluates one queue item and executes the resulting
// decision. Calls for the same download id are serialized.
func (e *Engine) Reconcile(ctx context.Context, item *sonarr.QueueItem) (Outcome, error) {
	unlock := e.lockDownload(item.DownloadID)
	defer unlock()

	pol := e.policy.Current()
	episodeID := item.ResolveEpisodeID()
	seriesID := item.ResolveSeriesID()

	class := analyzer.Classify(item.Indexer, pol.PrivateTrackers, pol.PublicTrackers)

	history, err := e.client.HistoryForEpisode(ctx, episodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("history for episode %d: %w", episodeID, err)
	}

	grab := findGrabEvent(history, item.DownloadID, time.Now())
	if grab == nil {
		e.logger.Debug().
			Str("event", "monitor.no_grab_event").
			Int("episode_id", episodeID).
			Str("download_id", item.DownloadID).
			Msg("no usable grab event in history")
		out := Outcome{Decision: analyzer.Decision{
			Action: analyzer.ActionNoAction,
			Reason: "no grab event found in recent history",
			Class:  class,
		}}
		metrics.IncDecision(string(out.Decision.Action))
		return out, nil
	}
	if class == analyzer.TrackerUnknown {
		// The queue item often lacks the indexer; the grab event has it.
		class = analyzer.Classify(grab.Indexer(), pol.PrivateTrackers, pol.PublicTrackers)
	}

	grabScore, err := e.client.ScoreForEvent(ctx, grab, seriesID)
	if err != nil {
		return Outcome{}, fmt.Errorf("grab score: %w", err)
	}

	file, err := e.client.EpisodeFileForEpisode(ctx, episodeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("episode file: %w", err)
	}

	in := analyzer.Input{
		GrabScore:     grabScore,
		Threshold:     pol.ForceImportThreshold,
		Class:         class,
		RemoveUnknown: pol.RemoveUnknownTrackers,
		GrabFormats:   grab.FormatNames(),
	}
	if file != nil {
		score, err := e.client.ScoreForFile(ctx, file, seriesID)
		if err != nil {
			return Outcome{}, fmt.Errorf("current file score: %w", err)
		}
		in.CurrentScore = &score
		in.CurrentFormats = file.FormatNames()
	}

	decision := analyzer.Analyze(in)

	if e.coolingDown(episodeID, item.DownloadID, decision.Action) {
		return Outcome{Decision: decision, Skipped: true}, nil
	}

	metrics.IncDecision(string(decision.Action))

	out, err := e.execute(ctx, item, grab, decision, pol)
	if err != nil {
		return out, err
	}
	if out.Mutated || out.DryRun {
		e.markActed(episodeID, item.DownloadID, decision.Action)
	}
	return out, nil
}

// execute carries out a decision. keep_private and no_action are
// record-only; dry-run suppresses every mutation.
func (e *Engine) execute(ctx context.Context, item *sonarr.QueueItem, grab *sonarr.HistoryEvent, decision analyzer.Decision, pol *config.Policy) (Outcome, error) {
	out := Outcome{Decision: decision}

	switch decision.Action {
	case analyzer.ActionForceImport:
		if pol.DryRun {
			out.DryRun = true
			e.logger.Info().
				Str("event", "monitor.dry_run").
				Str("download_id", item.DownloadID).
				Str("action", string(decision.Action)).
				Str("reason", decision.Reason).
				Msg("dry run: would force import")
			return out, nil
		}
		req := sonarr.ManualImportRequest{
			Path:          item.OutputPath,
			EpisodeID:     item.ResolveEpisodeID(),
			Quality:       item.Quality,
			CustomFormats: grab.CustomFormats,
		}
		if seriesID := item.ResolveSeriesID(); seriesID != 0 {
			profile, err := e.client.ProfileForSeries(ctx, seriesID)
			if err == nil {
				req.QualityProfileID = profile.ID
			} else if !errors.Is(err, sonarr.ErrNotFound) {
				return out, fmt.Errorf("profile for series %d: %w", seriesID, err)
			}
		}
		if err := e.client.ManualImport(ctx, req); err != nil {
			return out, fmt.Errorf("manual import: %w", err)
		}
		out.Mutated = true

	case analyzer.ActionRemovePublic:
		if !pol.RemovePublicFailures {
			e.logger.Info().
				Str("event", "monitor.removal_disabled").
				Str("download_id", item.DownloadID).
				Str("reason", decision.Reason).
				Msg("removal suppressed by policy")
			return out, nil
		}
		if pol.DryRun {
			out.DryRun = true
			e.logger.Info().
				Str("event", "monitor.dry_run").
				Str("download_id", item.DownloadID).
				Str("action", string(decision.Action)).
				Str("reason", decision.Reason).
				Msg("dry run: would remove and blocklist")
			return out, nil
		}
		if err := e.client.RemoveQueueItem(ctx, item, true); err != nil {
			return out, fmt.Errorf("remove queue item: %w", err)
		}
		out.Mutated = true

	case analyzer.ActionKeepPrivate, analyzer.ActionNoAction:
		// Record-only.
	}
	return out, nil
}

// CheckDownload reconciles the queue item carrying downloadID if it is
// still queued and stuck. It reports whether any item was found. Used
// by the delayed post-grab check.
func (e *Engine) CheckDownload(ctx context.Context, downloadID string) (bool, error) {
	queue, err := e.client.Queue(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch queue: %w", err)
	}
	for i := range queue {
		if queue[i].DownloadID != downloadID {
			continue
		}
		if stuck := selectCandidates(queue[i : i+1]); len(stuck) == 0 {
			e.logger.Debug().
				Str("event", "monitor.download_progressing").
				Str("download_id", downloadID).
				Msg("download still progressing; leaving it alone")
			return true, nil
		}
		out, err := e.reconcileSafe(ctx, &queue[i])
		if err != nil {
			return true, err
		}
		e.logOutcome(&queue[i], out)
		return true, nil
	}
	return false, nil
}

// CheckEpisode reconciles the queued item for episodeID, if any. Used
// by import-failure webhook events.
func (e *Engine) CheckEpisode(ctx context.Context, episodeID int) (bool, error) {
	queue, err := e.client.Queue(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch queue: %w", err)
	}
	for i := range queue {
		if queue[i].ResolveEpisodeID() != episodeID {
			continue
		}
		out, err := e.reconcileSafe(ctx, &queue[i])
		if err != nil {
			return true, err
		}
		e.logOutcome(&queue[i], out)
		return true, nil
	}
	return false, nil
}

// checkRepeatedGrabs scans site-wide history for episodes grabbed more
// than once without a matching import, and reconciles any that are
// still queued. Returns the number of problem episodes.
func (e *Engine) checkRepeatedGrabs(ctx context.Context) (int, error) {
	events, err := e.client.RecentHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("recent history: %w", err)
	}

	grabs := make(map[int][]sonarr.HistoryEvent)
	imports := make(map[int]map[string]bool)
	for _, ev := range events {
		switch ev.EventType {
		case sonarr.EventGrabbed:
			if ev.EpisodeID != 0 {
				grabs[ev.EpisodeID] = append(grabs[ev.EpisodeID], ev)
			}
		case sonarr.EventImported, sonarr.EventDownloadIgnored:
			if ev.EpisodeID != 0 {
				if imports[ev.EpisodeID] == nil {
					imports[ev.EpisodeID] = make(map[string]bool)
				}
				imports[ev.EpisodeID][ev.DownloadID] = true
			}
		}
	}

	problems := 0
	for episodeID, evs := range grabs {
		if len(evs) < 2 {
			continue
		}
		unimported := 0
		for _, grab := range evs {
			if !imports[episodeID][grab.DownloadID] {
				unimported++
			}
		}
		if unimported == 0 {
			continue
		}
		problems++
		e.logger.Warn().
			Str("event", "monitor.repeated_grab").
			Int("episode_id", episodeID).
			Int("grabs", len(evs)).
			Int("unimported", unimported).
			Msg("episode grabbed repeatedly without import")
		if _, err := e.CheckEpisode(ctx, episodeID); err != nil {
			if errors.Is(err, sonarr.ErrUnauthorized) {
				return problems, err
			}
			e.logger.Warn().Err(err).
				Str("event", "monitor.repeated_grab_deferred").
				Int("episode_id", episodeID).
				Msg("reconcile for repeated grab failed")
		}
	}
	return problems, nil
}

// findGrabEvent picks the newest grab matching downloadID, falling back
// to the newest grab within the last 24 hours when none matches.
// History is expected newest first.
func findGrabEvent(history []sonarr.HistoryEvent, downloadID string, now time.Time) *sonarr.HistoryEvent {
	var fallback *sonarr.HistoryEvent
	for i := range history {
		ev := &history[i]
		if ev.EventType != sonarr.EventGrabbed {
			continue
		}
		if downloadID != "" && ev.DownloadID == downloadID {
			return ev
		}
		if fallback == nil && now.Sub(ev.Date) <= grabFallbackWindow {
			fallback = ev
		}
	}
	return fallback
}

func (e *Engine) logOutcome(item *sonarr.QueueItem, out Outcome) {
	evt := e.logger.Info()
	if out.Skipped {
		evt = e.logger.Debug()
	}
	evt.Str("event", "monitor.decision").
		Str("download_id", item.DownloadID).
		Str("title", item.Title).
		Str("action", string(out.Decision.Action)).
		Str("reason", out.Decision.Reason).
		Str("tracker_class", string(out.Decision.Class)).
		Int("grab_score", out.Decision.GrabScore).
		Int("current_score", out.Decision.CurrentScore).
		Bool("mutated", out.Mutated).
		Bool("skipped", out.Skipped).
		Bool("dry_run", out.DryRun).
		Msg("reconcile outcome")
}

// coolingDown reports whether the same action already ran for this item
// within the cool-down window.
func (e *Engine) coolingDown(episodeID int, downloadID string, action analyzer.Action) bool {
	_, hit := e.recent.Get(actedKey(episodeID, downloadID, action))
	return hit
}

func (e *Engine) markActed(episodeID int, downloadID string, action analyzer.Action) {
	e.recent.Set(actedKey(episodeID, downloadID, action), time.Now(), actedTTL)
}

func actedKey(episodeID int, downloadID string, action analyzer.Action) string {
	return "acted/" + strconv.Itoa(episodeID) + "/" + downloadID + "/" + string(action)
}

// lockDownload serializes work per download id. The returned func
// releases the lock and drops the map entry once nobody holds it.
func (e *Engine) lockDownload(downloadID string) func() {
	e.lockMu.Lock()
	dl, ok := e.locks[downloadID]
	if !ok {
		dl = &downloadLock{}
		e.locks[downloadID] = dl
	}
	dl.refs++
	e.lockMu.Unlock()

	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		e.lockMu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(e.locks, downloadID)
		}
		e.lockMu.Unlock()
	}
}
