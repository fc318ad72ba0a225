// SPDX-License-Identifier: MIT

package sonarr

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tvops/reconcilarr/internal/cache"
	"github.com/tvops/reconcilarr/internal/metrics"
)

// Cache keys and TTLs for read endpoints. Mutating calls invalidate the
// keys they can affect.
const (
	keyQueue           = "queue"
	keyCustomFormats   = "custom_formats"
	keyQualityProfiles = "quality_profiles"
	keySeriesPrefix    = "series_by_id/"
	keyHistoryPrefix   = "history/episode/"
	keyRecentHistory   = "history/recent"
	keyFilePrefix      = "episode_file/"

	ttlQueue           = 60 * time.Second
	ttlCustomFormats   = 300 * time.Second
	ttlQualityProfiles = 300 * time.Second
	ttlSeries          = 300 * time.Second
	ttlHistory         = 30 * time.Second
	ttlEpisodeFile     = 60 * time.Second
)

// cached runs fetch through the read-through cache under key.
func cached[T any](c *Client, key string, ttl time.Duration, fetch func() (T, error)) (T, error) {
	if v, ok := c.cache.Get(key); ok {
		metrics.IncCacheLookup(true)
		return v.(T), nil
	}
	metrics.IncCacheLookup(false)

	v, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	c.cache.Set(key, v, ttl)
	return v, nil
}

// Queue returns the full queue snapshot, cached for one minute.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	return cached(c, keyQueue, ttlQueue, func() ([]QueueItem, error) {
		return c.fetchQueue(ctx)
	})
}

// HistoryForEpisode returns recent history, newest first, cached briefly.
func (c *Client) HistoryForEpisode(ctx context.Context, episodeID int) ([]HistoryEvent, error) {
	key := keyHistoryPrefix + strconv.Itoa(episodeID)
	return cached(c, key, ttlHistory, func() ([]HistoryEvent, error) {
		return c.fetchHistory(ctx, episodeID)
	})
}

// RecentHistory returns the newest history page across all episodes,
// cached briefly.
func (c *Client) RecentHistory(ctx context.Context) ([]HistoryEvent, error) {
	return cached(c, keyRecentHistory, ttlHistory, func() ([]HistoryEvent, error) {
		return c.fetchRecentHistory(ctx)
	})
}

// EpisodeFileForEpisode returns the currently-imported file for an
// episode, or nil when the episode has no file.
func (c *Client) EpisodeFileForEpisode(ctx context.Context, episodeID int) (*EpisodeFile, error) {
	key := keyFilePrefix + strconv.Itoa(episodeID)
	return cached(c, key, ttlEpisodeFile, func() (*EpisodeFile, error) {
		var file EpisodeFile
		err := c.call(ctx, "episode_file", "GET", "/episodefile/"+strconv.Itoa(episodeID), nil, nil, &file)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &file, nil
	})
}

// CustomFormats returns the format catalog, cached for five minutes.
func (c *Client) CustomFormats(ctx context.Context) ([]CustomFormat, error) {
	return cached(c, keyCustomFormats, ttlCustomFormats, func() ([]CustomFormat, error) {
		var formats []CustomFormat
		err := c.call(ctx, "custom_formats", "GET", "/customformat", nil, nil, &formats)
		return formats, err
	})
}

// QualityProfiles returns all quality profiles, cached for five minutes.
func (c *Client) QualityProfiles(ctx context.Context) ([]QualityProfile, error) {
	return cached(c, keyQualityProfiles, ttlQualityProfiles, func() ([]QualityProfile, error) {
		var profiles []QualityProfile
		err := c.call(ctx, "quality_profiles", "GET", "/qualityprofile", nil, nil, &profiles)
		return profiles, err
	})
}

// SeriesByID resolves one series, cached for five minutes.
func (c *Client) SeriesByID(ctx context.Context, id int) (*Series, error) {
	key := keySeriesPrefix + strconv.Itoa(id)
	return cached(c, key, ttlSeries, func() (*Series, error) {
		var series Series
		if err := c.call(ctx, "series_by_id", "GET", "/series/"+strconv.Itoa(id), nil, nil, &series); err != nil {
			return nil, err
		}
		return &series, nil
	})
}

// ProfileForSeries resolves a series to its quality profile.
func (c *Client) ProfileForSeries(ctx context.Context, seriesID int) (*QualityProfile, error) {
	series, err := c.SeriesByID(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	profiles, err := c.QualityProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		if profiles[i].ID == series.QualityProfileID {
			return &profiles[i], nil
		}
	}
	return nil, &APIError{Sentinel: ErrNotFound, Operation: "profile_for_series",
		Body: "quality profile " + strconv.Itoa(series.QualityProfileID) + " not in catalog"}
}

// invalidateEpisode drops the caches a mutation can affect.
func (c *Client) invalidateEpisode(episodeID int) {
	c.cache.Delete(keyQueue)
	if episodeID != 0 {
		c.cache.Delete(keyHistoryPrefix + strconv.Itoa(episodeID))
		c.cache.Delete(keyFilePrefix + strconv.Itoa(episodeID))
	}
}

// InvalidateEpisode exposes cache invalidation to the webhook path: an
// import notification makes queue and episode state stale immediately.
func (c *Client) InvalidateEpisode(episodeID int) {
	c.invalidateEpisode(episodeID)
}

// CacheStats reports cache statistics for the health endpoint.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// isAlreadyGone reports removal races that count as success.
func isAlreadyGone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
