// SPDX-License-Identifier: MIT

package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intp(n int) *int { return &n }

func TestClassify(t *testing.T) {
	private := []string{"BeyondHD", "BTN"}
	public := []string{"nyaa", "AnimeTosho"}

	tests := []struct {
		indexer string
		want    TrackerClass
	}{
		{"BeyondHD (Prowlarr)", TrackerPrivate},
		{"beyondhd", TrackerPrivate},
		{"AnimeTosho", TrackerPublic},
		{"Nyaa.si", TrackerPublic},
		{"SomeRandomIndexer", TrackerUnknown},
		{"", TrackerUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Classify(tc.indexer, private, public), "indexer %q", tc.indexer)
	}
}

func TestClassifyPrivateWinsOverPublic(t *testing.T) {
	got := Classify("tracker", []string{"track"}, []string{"tracker"})
	assert.Equal(t, TrackerPrivate, got)
}

func TestForceImportWhenGrabExceedsCurrent(t *testing.T) {
	d := Analyze(Input{
		GrabScore:      3161,
		CurrentScore:   intp(2160),
		Threshold:      10,
		Class:          TrackerPublic,
		GrabFormats:    []string{"A", "B", "C", "D", "E", "F", "G"},
		CurrentFormats: []string{"A", "B", "D", "E", "F", "G"},
	})
	assert.Equal(t, ActionForceImport, d.Action)
	assert.Equal(t, 1001, d.Diff)
	assert.Contains(t, d.Reason, "1001")
	assert.Contains(t, d.Reason, "C")
	assert.Equal(t, []string{"C"}, d.MissingFormats)
}

func TestForceImportAtExactThreshold(t *testing.T) {
	d := Analyze(Input{GrabScore: 110, CurrentScore: intp(100), Threshold: 10, Class: TrackerPublic})
	assert.Equal(t, ActionForceImport, d.Action, "diff == threshold must force import")
}

func TestRemovalAtExactNegativeThreshold(t *testing.T) {
	d := Analyze(Input{GrabScore: 90, CurrentScore: intp(100), Threshold: 10, Class: TrackerPublic})
	assert.Equal(t, ActionRemovePublic, d.Action, "diff == -threshold must hit the removal branch")
}

func TestPrivateTrackerNeverRemoved(t *testing.T) {
	d := Analyze(Input{GrabScore: 80, CurrentScore: intp(100), Threshold: 10, Class: TrackerPrivate})
	assert.Equal(t, ActionKeepPrivate, d.Action)

	// Even with an enormous deficit.
	d = Analyze(Input{GrabScore: -5000, CurrentScore: intp(5000), Threshold: 10, Class: TrackerPrivate})
	assert.Equal(t, ActionKeepPrivate, d.Action)
}

func TestPublicTrackerRemoved(t *testing.T) {
	d := Analyze(Input{GrabScore: 80, CurrentScore: intp(100), Threshold: 10, Class: TrackerPublic})
	assert.Equal(t, ActionRemovePublic, d.Action)
}

func TestUnknownTrackerProtectedByDefault(t *testing.T) {
	d := Analyze(Input{GrabScore: 80, CurrentScore: intp(100), Threshold: 10, Class: TrackerUnknown})
	assert.Equal(t, ActionKeepPrivate, d.Action)
	assert.Contains(t, d.Reason, "unknown tracker")
}

func TestUnknownTrackerRemovableWhenConfigured(t *testing.T) {
	d := Analyze(Input{GrabScore: 80, CurrentScore: intp(100), Threshold: 10, Class: TrackerUnknown, RemoveUnknown: true})
	assert.Equal(t, ActionRemovePublic, d.Action)
}

func TestWithinToleranceNoAction(t *testing.T) {
	d := Analyze(Input{GrabScore: 105, CurrentScore: intp(100), Threshold: 10, Class: TrackerPublic})
	assert.Equal(t, ActionNoAction, d.Action)

	d = Analyze(Input{GrabScore: 95, CurrentScore: intp(100), Threshold: 10, Class: TrackerPublic})
	assert.Equal(t, ActionNoAction, d.Action)
}

func TestNoCurrentFile(t *testing.T) {
	d := Analyze(Input{GrabScore: 50, Threshold: 10, Class: TrackerPublic})
	assert.Equal(t, ActionForceImport, d.Action)
	assert.False(t, d.HasCurrent)
	assert.Contains(t, d.Reason, "no current file")

	// Threshold applies even without a current file.
	d = Analyze(Input{GrabScore: 5, Threshold: 10, Class: TrackerPublic})
	assert.Equal(t, ActionNoAction, d.Action)
}

func TestFormatDiffs(t *testing.T) {
	d := Analyze(Input{
		GrabScore:      200,
		CurrentScore:   intp(100),
		Threshold:      10,
		Class:          TrackerPublic,
		GrabFormats:    []string{"x265", "HDR", "Remux"},
		CurrentFormats: []string{"x265", "SDR"},
	})
	assert.Equal(t, []string{"HDR", "Remux"}, d.MissingFormats)
	assert.Equal(t, []string{"SDR"}, d.ExtraFormats)
}

func TestDefaultThreshold(t *testing.T) {
	d := Analyze(Input{GrabScore: 100, CurrentScore: intp(91), Class: TrackerPublic})
	assert.Equal(t, ActionNoAction, d.Action, "zero threshold falls back to 10")
}
