// SPDX-License-Identifier: MIT

// Package analyzer holds the pure decision logic that compares grab-time
// scores against the currently imported file.
package analyzer

import (
	"fmt"
	"sort"
	"strings"
)

// Action is the outcome of analyzing one queue item.
type Action string

const (
	ActionForceImport  Action = "force_import"
	ActionRemovePublic Action = "remove_public"
	ActionKeepPrivate  Action = "keep_private"
	ActionNoAction     Action = "no_action"
)

// TrackerClass classifies the indexer a release was grabbed from.
type TrackerClass string

const (
	TrackerPrivate TrackerClass = "private"
	TrackerPublic  TrackerClass = "public"
	TrackerUnknown TrackerClass = "unknown"
)

// Classify derives a tracker class from an indexer name using
// case-insensitive substring matching against the configured lists.
// Private wins over public when both match.
func Classify(indexer string, private, public []string) TrackerClass {
	if indexer == "" {
		return TrackerUnknown
	}
	lower := strings.ToLower(indexer)
	for _, t := range private {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return TrackerPrivate
		}
	}
	for _, t := range public {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return TrackerPublic
		}
	}
	return TrackerUnknown
}

// Input carries everything the decision needs. CurrentScore is nil when
// the episode has no imported file.
type Input struct {
	GrabScore    int
	CurrentScore *int
	Threshold    int
	Class        TrackerClass
	// RemoveUnknown relaxes the conservative default of protecting
	// releases from unclassified indexers.
	RemoveUnknown  bool
	GrabFormats    []string
	CurrentFormats []string
}

// Decision is the immutable analysis result, including the numeric
// inputs for observability.
type Decision struct {
	Action         Action
	Reason         string
	GrabScore      int
	CurrentScore   int // zero when no current file
	HasCurrent     bool
	Diff           int
	Class          TrackerClass
	MissingFormats []string // present at grab, absent from current file
	ExtraFormats   []string // present on current file, absent at grab
}

// Analyze applies the decision table in order; the first match wins.
func Analyze(in Input) Decision {
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = 10
	}

	missing, extra := diffFormats(in.GrabFormats, in.CurrentFormats)

	d := Decision{
		GrabScore:      in.GrabScore,
		HasCurrent:     in.CurrentScore != nil,
		Class:          in.Class,
		MissingFormats: missing,
		ExtraFormats:   extra,
	}

	if !d.HasCurrent {
		d.Diff = in.GrabScore
		if in.GrabScore >= threshold {
			d.Action = ActionForceImport
			d.Reason = fmt.Sprintf("no current file; grab score %d exceeds threshold %d", in.GrabScore, threshold)
		} else {
			d.Action = ActionNoAction
			d.Reason = fmt.Sprintf("no current file; grab score %d below threshold %d", in.GrabScore, threshold)
		}
		return d
	}

	d.CurrentScore = *in.CurrentScore
	d.Diff = in.GrabScore - d.CurrentScore

	switch {
	case d.Diff >= threshold:
		d.Action = ActionForceImport
		d.Reason = fmt.Sprintf("grab score %d exceeds current %d by %d (threshold %d)",
			in.GrabScore, d.CurrentScore, d.Diff, threshold)
		if len(missing) > 0 {
			d.Reason += "; missing formats: " + strings.Join(truncate(missing, 3), ", ")
		}

	case d.Diff <= -threshold:
		switch {
		case in.Class == TrackerPrivate:
			d.Action = ActionKeepPrivate
			d.Reason = fmt.Sprintf("grab score %d below current %d but private tracker protected", in.GrabScore, d.CurrentScore)
		case in.Class == TrackerPublic:
			d.Action = ActionRemovePublic
			d.Reason = fmt.Sprintf("grab score %d materially below current %d; public tracker", in.GrabScore, d.CurrentScore)
		case in.RemoveUnknown:
			d.Action = ActionRemovePublic
			d.Reason = fmt.Sprintf("grab score %d materially below current %d; unknown tracker treated as public", in.GrabScore, d.CurrentScore)
		default:
			d.Action = ActionKeepPrivate
			d.Reason = "unknown tracker; treated as protected"
		}

	default:
		d.Action = ActionNoAction
		d.Reason = fmt.Sprintf("score difference %d within tolerance %d", d.Diff, threshold)
	}
	return d
}

// diffFormats returns sorted set differences between grab and current
// format names.
func diffFormats(grab, current []string) (missing, extra []string) {
	grabSet := make(map[string]struct{}, len(grab))
	for _, f := range grab {
		grabSet[f] = struct{}{}
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, f := range current {
		currentSet[f] = struct{}{}
	}
	for f := range grabSet {
		if _, ok := currentSet[f]; !ok {
			missing = append(missing, f)
		}
	}
	for f := range currentSet {
		if _, ok := grabSet[f]; !ok {
			extra = append(extra, f)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

func truncate(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
