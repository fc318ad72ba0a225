// SPDX-License-Identifier: MIT

package webhook

import (
	"strconv"

	"github.com/tvops/reconcilarr/internal/sonarr"
)

// Event types pushed by the manager's webhook notification.
const (
	EventTest            = "Test"
	EventGrab            = "Grab"
	EventDownload        = "Download"
	EventImport          = "Import"
	EventImportFailure   = "ImportFailure"
	EventDownloadFailure = "DownloadFailure"
	EventManualRequired  = "ManualInteractionRequired"
	EventHealthIssue     = "HealthIssue"
)

// Release carries the grab-time release details on Grab events.
type Release struct {
	ReleaseTitle      string                   `json:"releaseTitle"`
	Indexer           string                   `json:"indexer"`
	CustomFormatScore int                      `json:"customFormatScore"`
	CustomFormats     []sonarr.CustomFormatRef `json:"customFormats"`
}

// EpisodeFileRef is the imported-file summary on Download events.
type EpisodeFileRef struct {
	ID                int    `json:"id"`
	RelativePath      string `json:"relativePath"`
	CustomFormatScore int    `json:"customFormatScore"`
}

// Payload is the manager's webhook notification body. Fields are a
// superset across event types; absent ones decode to zero values.
type Payload struct {
	EventType              string                 `json:"eventType"`
	InstanceName           string                 `json:"instanceName"`
	DownloadID             string                 `json:"downloadId"`
	DownloadClient         string                 `json:"downloadClient"`
	Series                 *sonarr.SeriesRef      `json:"series"`
	Episodes               []sonarr.EpisodeRef    `json:"episodes"`
	Release                *Release               `json:"release"`
	EpisodeFile            *EpisodeFileRef        `json:"episodeFile"`
	DownloadStatusMessages []sonarr.StatusMessage `json:"downloadStatusMessages"`

	// HealthIssue fields.
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SeriesTitle returns the series title, if present.
func (p *Payload) SeriesTitle() string {
	if p.Series != nil {
		return p.Series.Title
	}
	return ""
}

// dedupKey identifies a delivery for the collapse window. Empty when
// the payload carries nothing worth deduplicating on.
func (p *Payload) dedupKey() string {
	if p.DownloadID == "" && len(p.Episodes) == 0 {
		return ""
	}
	key := p.EventType + "|" + p.DownloadID
	if len(p.Episodes) > 0 {
		key += "|" + strconv.Itoa(p.Episodes[0].ID)
	}
	return key
}
