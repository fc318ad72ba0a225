// SPDX-License-Identifier: MIT

package sonarr

import (
	"context"
)

// ScoreForEvent returns the custom-format score of a history event. When
// the manager recorded no score but listed formats, the score is computed
// from the series' quality profile; unknown formats contribute zero.
func (c *Client) ScoreForEvent(ctx context.Context, event *HistoryEvent, seriesID int) (int, error) {
	if event.CustomFormatScore != 0 || len(event.CustomFormats) == 0 || seriesID == 0 {
		return event.CustomFormatScore, nil
	}
	return c.computeScore(ctx, event.CustomFormats, seriesID)
}

// ScoreForFile returns the custom-format score of an episode file,
// computing it from the profile when the manager omitted it.
func (c *Client) ScoreForFile(ctx context.Context, file *EpisodeFile, seriesID int) (int, error) {
	if file == nil {
		return 0, nil
	}
	if file.CustomFormatScore != 0 || len(file.CustomFormats) == 0 || seriesID == 0 {
		return file.CustomFormatScore, nil
	}
	return c.computeScore(ctx, file.CustomFormats, seriesID)
}

// computeScore sums the per-profile scores of the given formats.
func (c *Client) computeScore(ctx context.Context, formats []CustomFormatRef, seriesID int) (int, error) {
	profile, err := c.ProfileForSeries(ctx, seriesID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, cf := range formats {
		total += profile.ScoreFor(cf.ID)
	}
	return total, nil
}
