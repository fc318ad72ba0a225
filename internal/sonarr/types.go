// SPDX-License-Identifier: MIT

package sonarr

import (
	"strings"
	"time"
)

// Queue item status values as reported by the manager.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Tracked download states that indicate an import is not progressing.
const (
	StateImporting      = "importing"
	StateImportPending  = "importPending"
	StateImportBlocked  = "importBlocked"
	StateImportFailed   = "importFailed"
	StateDownloadFailed = "downloadFailed"
)

// History event types.
const (
	EventGrabbed           = "grabbed"
	EventImported          = "downloadFolderImported"
	EventDownloadFailed    = "downloadFailed"
	EventFileDeleted       = "episodeFileDeleted"
	EventGrabImportPending = "grabbedImportPending"
	EventDownloadIgnored   = "downloadIgnored"
)

// EpisodeRef is the nested episode object on queue items and events.
type EpisodeRef struct {
	ID            int `json:"id"`
	SeasonNumber  int `json:"seasonNumber"`
	EpisodeNumber int `json:"episodeNumber"`
}

// SeriesRef is the nested series object on queue items and events.
type SeriesRef struct {
	ID               int    `json:"id"`
	Title            string `json:"title"`
	QualityProfileID int    `json:"qualityProfileId"`
}

// StatusMessage is one human-readable queue item annotation.
type StatusMessage struct {
	Title    string   `json:"title"`
	Messages []string `json:"messages"`
}

// QueueItem is a snapshot of one pending download in the manager queue.
type QueueItem struct {
	ID                    int             `json:"id"`
	DownloadID            string          `json:"downloadId"`
	EpisodeID             int             `json:"episodeId"`
	SeriesID              int             `json:"seriesId"`
	Title                 string          `json:"title"`
	Status                string          `json:"status"`
	TrackedDownloadStatus string          `json:"trackedDownloadStatus"`
	TrackedDownloadState  string          `json:"trackedDownloadState"`
	StatusMessages        []StatusMessage `json:"statusMessages"`
	Indexer               string          `json:"indexer"`
	OutputPath            string          `json:"outputPath"`
	Episode               *EpisodeRef     `json:"episode"`
	Series                *SeriesRef      `json:"series"`
	Quality               map[string]any  `json:"quality"`
}

// ResolveEpisodeID returns the episode id, preferring the nested episode
// object when the flat field is absent.
func (q *QueueItem) ResolveEpisodeID() int {
	if q.EpisodeID != 0 {
		return q.EpisodeID
	}
	if q.Episode != nil {
		return q.Episode.ID
	}
	return 0
}

// ResolveSeriesID returns the series id, preferring the nested series
// object when the flat field is absent.
func (q *QueueItem) ResolveSeriesID() int {
	if q.SeriesID != 0 {
		return q.SeriesID
	}
	if q.Series != nil {
		return q.Series.ID
	}
	return 0
}

// CustomFormatRef names one custom format attached to a release or file.
type CustomFormatRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// HistoryEvent is one manager-recorded event for an episode.
type HistoryEvent struct {
	ID                int               `json:"id"`
	EpisodeID         int               `json:"episodeId"`
	SeriesID          int               `json:"seriesId"`
	SourceTitle       string            `json:"sourceTitle"`
	Date              time.Time         `json:"date"`
	EventType         string            `json:"eventType"`
	DownloadID        string            `json:"downloadId"`
	CustomFormatScore int               `json:"customFormatScore"`
	CustomFormats     []CustomFormatRef `json:"customFormats"`
	Data              map[string]string `json:"data"`
}

// Indexer returns the indexer recorded with the event, if any.
func (e *HistoryEvent) Indexer() string {
	if v, ok := e.Data["indexer"]; ok {
		return v
	}
	return ""
}

// FormatNames returns the names of the event's custom formats.
func (e *HistoryEvent) FormatNames() []string {
	names := make([]string, 0, len(e.CustomFormats))
	for _, cf := range e.CustomFormats {
		names = append(names, cf.Name)
	}
	return names
}

// EpisodeFile is the currently-imported file for an episode.
type EpisodeFile struct {
	ID                int               `json:"id"`
	SeriesID          int               `json:"seriesId"`
	EpisodeID         int               `json:"episodeId"`
	RelativePath      string            `json:"relativePath"`
	CustomFormatScore int               `json:"customFormatScore"`
	CustomFormats     []CustomFormatRef `json:"customFormats"`
	QualityProfileID  int               `json:"qualityProfileId"`
}

// FormatNames returns the names of the file's custom formats.
func (f *EpisodeFile) FormatNames() []string {
	names := make([]string, 0, len(f.CustomFormats))
	for _, cf := range f.CustomFormats {
		names = append(names, cf.Name)
	}
	return names
}

// CustomFormat is one catalog entry.
type CustomFormat struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// FormatItem maps a custom format to its score within a quality profile.
type FormatItem struct {
	Format int    `json:"format"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
}

// QualityProfile is a per-series configuration mapping formats to scores.
type QualityProfile struct {
	ID          int          `json:"id"`
	Name        string       `json:"name"`
	FormatItems []FormatItem `json:"formatItems"`
}

// ScoreFor returns the configured score for a format id; unknown formats
// contribute zero.
func (p *QualityProfile) ScoreFor(formatID int) int {
	for _, item := range p.FormatItems {
		if item.Format == formatID {
			return item.Score
		}
	}
	return 0
}

// Series holds the subset of the series resource the engine needs.
type Series struct {
	ID               int    `json:"id"`
	Title            string `json:"title"`
	QualityProfileID int    `json:"qualityProfileId"`
}

// SystemStatus is the manager's identification endpoint payload.
type SystemStatus struct {
	Version string `json:"version"`
	AppName string `json:"appName"`
}

// page is the envelope shared by the paginated queue and history endpoints.
type page[T any] struct {
	Page         int `json:"page"`
	PageSize     int `json:"pageSize"`
	TotalRecords int `json:"totalRecords"`
	Records      []T `json:"records"`
}

// StuckMarkers are status-message fragments that indicate an import is
// wedged and needs intervention.
var StuckMarkers = []string{
	"manual import required",
	"no files found",
	"already",
	"exists",
	"duplicate",
	"matched to series by id",
}

// HasStuckMessage reports whether any status message contains a known
// stuck marker.
func (q *QueueItem) HasStuckMessage() bool {
	for _, sm := range q.StatusMessages {
		for _, msg := range append([]string{sm.Title}, sm.Messages...) {
			lower := strings.ToLower(msg)
			for _, marker := range StuckMarkers {
				if strings.Contains(lower, marker) {
					return true
				}
			}
		}
	}
	return false
}
