// SPDX-License-Identifier: MIT

package monitor

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvops/reconcilarr/internal/analyzer"
	"github.com/tvops/reconcilarr/internal/cache"
	"github.com/tvops/reconcilarr/internal/config"
	"github.com/tvops/reconcilarr/internal/sonarr"
)

func testConfig(mut func(*config.Config)) *config.Config {
	cfg := &config.Config{
		Monitoring: config.MonitoringConfig{ForceImportThreshold: 10},
		Trackers: config.TrackerConfig{
			Private: []string{"beyondhd"},
			Public:  []string{"nyaa"},
		},
	}
	if mut != nil {
		mut(cfg)
	}
	return cfg
}

func newTestEngine(t *testing.T, mock *sonarr.MockServer, mut func(*config.Config)) *Engine {
	t.Helper()
	client := sonarr.New(mock.URL, sonarr.Options{
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
		Cache:   cache.New(0),
		Retry:   sonarr.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	holder := config.NewHolder(testConfig(mut), nil, "")
	return New(client, holder, cache.New(0), time.Hour)
}

func stuckItem(id int, downloadID string, episodeID int, indexer string) sonarr.QueueItem {
	return sonarr.QueueItem{
		ID:                   id,
		DownloadID:           downloadID,
		EpisodeID:            episodeID,
		Title:                "Show.S01E01.1080p",
		Status:               sonarr.StatusCompleted,
		TrackedDownloadState: sonarr.StateImportPending,
		Indexer:              indexer,
		OutputPath:           "/downloads/Show.S01E01.1080p.mkv",
	}
}

func grabEvent(episodeID int, downloadID string, score int, indexer string) sonarr.HistoryEvent {
	return sonarr.HistoryEvent{
		EpisodeID:         episodeID,
		EventType:         sonarr.EventGrabbed,
		DownloadID:        downloadID,
		CustomFormatScore: score,
		Date:              time.Now().Add(-time.Hour),
		Data:              map[string]string{"indexer": indexer},
	}
}

func TestScanForcesImportWhenGrabOutscoresFile(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	mock.SetQueue(stuckItem(1, "D1", 42, "nyaa"))
	mock.SetHistory(42, grabEvent(42, "D1", 3161, "nyaa"))
	mock.SetEpisodeFile(42, &sonarr.EpisodeFile{ID: 7, EpisodeID: 42, CustomFormatScore: 2160})

	e := newTestEngine(t, mock, nil)
	require.NoError(t, e.ScanOnce(context.Background()))

	require.Len(t, mock.Imports, 1, "one manual import command expected")
	assert.Empty(t, mock.Removed)
}

func TestPrivateTrackerKeptWithoutMutation(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	item := stuckItem(1, "D1", 42, "BeyondHD (API)")
	mock.SetQueue(item)
	mock.SetHistory(42, grabEvent(42, "D1", 80, "BeyondHD (API)"))
	mock.SetEpisodeFile(42, &sonarr.EpisodeFile{ID: 7, EpisodeID: 42, CustomFormatScore: 100})

	e := newTestEngine(t, mock, nil)
	out, err := e.Reconcile(context.Background(), &item)
	require.NoError(t, err)

	assert.Equal(t, analyzer.ActionKeepPrivate, out.Decision.Action)
	assert.False(t, out.Mutated)
	assert.Empty(t, mock.Imports)
	assert.Empty(t, mock.Removed)
}

func TestPublicTrackerRemovedAndBlocklisted(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	item := stuckItem(1, "D1", 42, "nyaa")
	mock.SetQueue(item)
	mock.SetHistory(42, grabEvent(42, "D1", 80, "nyaa"))
	mock.SetEpisodeFile(42, &sonarr.EpisodeFile{ID: 7, EpisodeID: 42, CustomFormatScore: 100})

	e := newTestEngine(t, mock, nil)
	out, err := e.Reconcile(context.Background(), &item)
	require.NoError(t, err)

	assert.Equal(t, analyzer.ActionRemovePublic, out.Decision.Action)
	assert.True(t, out.Mutated)
	assert.Equal(t, []int{1}, mock.Removed)
}

func TestRemovalSuppressedByPolicy(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	item := stuckItem(1, "D1", 42, "nyaa")
	mock.SetQueue(item)
	mock.SetHistory(42, grabEvent(42, "D1", 80, "nyaa"))
	mock.SetEpisodeFile(42, &sonarr.EpisodeFile{ID: 7, EpisodeID: 42, CustomFormatScore: 100})

	e := newTestEngine(t, mock, func(cfg *config.Config) {
		off := false
		cfg.Monitoring.RemovePublicFailures = &off
	})
	out, err := e.Reconcile(context.Background(), &item)
	require.NoError(t, err)

	assert.Equal(t, analyzer.ActionRemovePublic, out.Decision.Action)
	assert.False(t, out.Mutated)
	assert.Empty(t, mock.Removed)
}

func TestDryRunNeverMutates(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	item := stuckItem(1, "D1", 42, "nyaa")
	mock.SetQueue(item)
	mock.SetHistory(42, grabEvent(42, "D1", 3161, "nyaa"))
	mock.SetEpisodeFile(42, &sonarr.EpisodeFile{ID: 7, EpisodeID: 42, CustomFormatScore: 2160})

	e := newTestEngine(t, mock, func(cfg *config.Config) { cfg.DryRun = true })
	out, err := e.Reconcile(context.Background(), &item)
	require.NoError(t, err)

	assert.Equal(t, analyzer.ActionForceImport, out.Decision.Action)
	assert.True(t, out.DryRun)
	assert.False(t, out.Mutated)
	assert.Empty(t, mock.Imports)
}

func TestReconcileCoolDownIsIdempotent(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	item := stuckItem(1, "D1", 42, "nyaa")
	mock.SetQueue(item)
	mock.SetHistory(42, grabEvent(42, "D1", 3161, "nyaa"))
	mock.SetEpisodeFile(42, &sonarr.EpisodeFile{ID: 7, EpisodeID: 42, CustomFormatScore: 2160})

	e := newTestEngine(t, mock, nil)
	ctx := context.Background()

	first, err := e.Reconcile(ctx, &item)
	require.NoError(t, err)
	assert.True(t, first.Mutated)

	second, err := e.Reconcile(ctx, &item)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	assert.Len(t, mock.Imports, 1, "exactly one mutating call within the cool-down")
}

func TestNoGrabEventMeansNoAction(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	item := stuckItem(1, "D1", 42, "nyaa")
	mock.SetQueue(item)
	mock.SetHistory(42) // empty

	e := newTestEngine(t, mock, nil)
	out, err := e.Reconcile(context.Background(), &item)
	require.NoError(t, err)

	assert.Equal(t, analyzer.ActionNoAction, out.Decision.Action)
	assert.Empty(t, mock.Imports)
	assert.Empty(t, mock.Removed)
}

func TestScanAbortsOnUnauthorized(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	mock.SetQueue(stuckItem(1, "D1", 42, "nyaa"))

	client := sonarr.New(mock.URL, sonarr.Options{
		APIKey: "", // mock rejects empty keys
		Cache:  cache.New(0),
		Retry:  sonarr.RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	e := New(client, config.NewHolder(testConfig(nil), nil, ""), cache.New(0), time.Hour)

	err := e.ScanOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sonarr.ErrUnauthorized)
}

func TestScanContinuesPastFailingItem(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	mock.SetQueue(
		stuckItem(1, "D1", 42, "nyaa"),
		stuckItem(2, "D2", 43, "nyaa"),
	)
	// First item's history fetch keeps failing; second item proceeds.
	mock.SetHistory(43, grabEvent(43, "D2", 80, "nyaa"))
	mock.SetEpisodeFile(43, &sonarr.EpisodeFile{ID: 8, EpisodeID: 43, CustomFormatScore: 100})
	mock.FailNext("/history", 3)

	e := newTestEngine(t, mock, nil)
	require.NoError(t, e.ScanOnce(context.Background()))

	assert.Equal(t, []int{2}, mock.Removed, "second item still reconciled")
}

func TestSelectCandidates(t *testing.T) {
	queue := []sonarr.QueueItem{
		{ID: 1, TrackedDownloadState: sonarr.StateImportPending},
		{ID: 2, TrackedDownloadState: sonarr.StateImportBlocked},
		{ID: 3, Status: sonarr.StatusDownloading},
		{ID: 4, Status: sonarr.StatusCompleted, TrackedDownloadStatus: "warning"},
		{ID: 5, Status: sonarr.StatusCompleted, TrackedDownloadStatus: "ok"},
		{ID: 6, StatusMessages: []sonarr.StatusMessage{{Messages: []string{"Manual import required"}}}},
	}

	got := selectCandidates(queue)
	var ids []int
	for _, item := range got {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []int{1, 2, 4, 6}, ids)
}

func TestFindGrabEvent(t *testing.T) {
	now := time.Now()
	history := []sonarr.HistoryEvent{
		{EventType: sonarr.EventImported, DownloadID: "D1", Date: now},
		{EventType: sonarr.EventGrabbed, DownloadID: "other", Date: now.Add(-time.Hour)},
		{EventType: sonarr.EventGrabbed, DownloadID: "D1", Date: now.Add(-2 * time.Hour)},
	}

	ev := findGrabEvent(history, "D1", now)
	require.NotNil(t, ev)
	assert.Equal(t, "D1", ev.DownloadID, "download id match wins over recency")

	// No download id match: newest grab within 24h.
	ev = findGrabEvent(history, "missing", now)
	require.NotNil(t, ev)
	assert.Equal(t, "other", ev.DownloadID)

	// Grabs older than a day are not usable fallbacks.
	stale := []sonarr.HistoryEvent{
		{EventType: sonarr.EventGrabbed, DownloadID: "old", Date: now.Add(-48 * time.Hour)},
	}
	assert.Nil(t, findGrabEvent(stale, "missing", now))
}

func TestCheckDownload(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	item := stuckItem(1, "D2", 42, "nyaa")
	mock.SetQueue(item)
	mock.SetHistory(42, grabEvent(42, "D2", 80, "nyaa"))
	mock.SetEpisodeFile(42, &sonarr.EpisodeFile{ID: 7, EpisodeID: 42, CustomFormatScore: 100})

	e := newTestEngine(t, mock, nil)
	ctx := context.Background()

	found, err := e.CheckDownload(ctx, "D2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int{1}, mock.Removed)

	// The import happened in time: nothing queued under that id anymore.
	found, err = e.CheckDownload(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCheckDownloadLeavesProgressingItemAlone(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()
	mock.SetQueue(sonarr.QueueItem{
		ID: 1, DownloadID: "D2", EpisodeID: 42,
		Status: sonarr.StatusDownloading,
	})

	e := newTestEngine(t, mock, nil)
	found, err := e.CheckDownload(context.Background(), "D2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, mock.Imports)
	assert.Empty(t, mock.Removed)
}

func TestRepeatedGrabDetection(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()

	// Episode 42 grabbed twice, imported once: one unimported grab.
	g1 := grabEvent(42, "D1", 100, "nyaa")
	g2 := grabEvent(42, "D2", 120, "nyaa")
	g2.Date = time.Now().Add(-30 * time.Minute)
	imported := sonarr.HistoryEvent{
		EpisodeID: 42, EventType: sonarr.EventImported, DownloadID: "D1",
		Date: time.Now().Add(-20 * time.Minute),
	}
	mock.SetHistory(42, imported, g2, g1)

	e := newTestEngine(t, mock, nil)
	n, err := e.checkRepeatedGrabs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}


func TestDownloadLocksPrunedAfterRelease(t *testing.T) {
	mock := sonarr.NewMockServer()
	defer mock.Close()

	e := newTestEngine(t, mock, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := "D" + strconv.Itoa(i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := e.lockDownload(id)
			time.Sleep(time.Millisecond)
			unlock()
		}()
	}
	wg.Wait()

	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	assert.Empty(t, e.locks, "released download locks must not accumulate")
}
