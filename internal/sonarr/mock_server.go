// SPDX-License-Identifier: MIT

package sonarr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MockServer provides a configurable manager API mock for testing.
type MockServer struct {
	*httptest.Server
	mu       sync.Mutex
	queue    []QueueItem
	history  map[int][]HistoryEvent
	files    map[int]*EpisodeFile
	series   map[int]*Series
	profiles []QualityProfile
	formats  []CustomFormat
	failures map[string]int // remaining 503 responses per path prefix

	// Call log for assertions.
	Requests []string
	Removed  []int
	Imports  []map[string]any
}

// NewMockServer creates a manager mock with empty state.
func NewMockServer() *MockServer {
	mock := &MockServer{
		history:  make(map[int][]HistoryEvent),
		files:    make(map[int]*EpisodeFile),
		series:   make(map[int]*Series),
		failures: make(map[string]int),
	}
	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// SetQueue replaces the queue snapshot.
func (m *MockServer) SetQueue(items ...QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = items
}

// SetHistory replaces the history for one episode, newest first.
func (m *MockServer) SetHistory(episodeID int, events ...HistoryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[episodeID] = events
}

// SetEpisodeFile sets the currently-imported file for an episode.
func (m *MockServer) SetEpisodeFile(episodeID int, file *EpisodeFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[episodeID] = file
}

// SetSeries registers a series.
func (m *MockServer) SetSeries(s Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.ID] = &s
}

// SetProfiles replaces the quality profile catalog.
func (m *MockServer) SetProfiles(profiles ...QualityProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = profiles
}

// SetFormats replaces the custom format catalog.
func (m *MockServer) SetFormats(formats ...CustomFormat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formats = formats
}

// FailNext makes the next n requests to paths under prefix return 503.
func (m *MockServer) FailNext(prefix string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[prefix] = n
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v3")
	m.Requests = append(m.Requests, r.Method+" "+path)

	for prefix, n := range m.failures {
		if n > 0 && strings.HasPrefix(path, prefix) {
			m.failures[prefix] = n - 1
			http.Error(w, `{"message":"temporarily unavailable"}`, http.StatusServiceUnavailable)
			return
		}
	}

	if r.Header.Get("X-Api-Key") == "" {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	switch {
	case path == "/system/status":
		writeJSON(w, SystemStatus{Version: "4.0.0.0", AppName: "Sonarr"})

	case path == "/queue" && r.Method == http.MethodGet:
		writeJSON(w, page[QueueItem]{Page: 1, PageSize: len(m.queue), TotalRecords: len(m.queue), Records: m.queue})

	case strings.HasPrefix(path, "/queue/") && r.Method == http.MethodDelete:
		id, _ := strconv.Atoi(strings.TrimPrefix(path, "/queue/"))
		found := false
		kept := make([]QueueItem, 0, len(m.queue))
		for _, item := range m.queue {
			if item.ID == id {
				found = true
				continue
			}
			kept = append(kept, item)
		}
		if !found {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		m.queue = kept
		m.Removed = append(m.Removed, id)
		w.WriteHeader(http.StatusOK)

	case path == "/history":
		var events []HistoryEvent
		if q := r.URL.Query().Get("episodeId"); q != "" {
			episodeID, _ := strconv.Atoi(q)
			events = m.history[episodeID]
		} else {
			// Site-wide view, newest first.
			for _, evs := range m.history {
				events = append(events, evs...)
			}
			sort.Slice(events, func(i, j int) bool { return events[i].Date.After(events[j].Date) })
		}
		writeJSON(w, page[HistoryEvent]{Page: 1, PageSize: len(events), TotalRecords: len(events), Records: events})

	case strings.HasPrefix(path, "/episodefile/"):
		episodeID, _ := strconv.Atoi(strings.TrimPrefix(path, "/episodefile/"))
		file, ok := m.files[episodeID]
		if !ok || file == nil {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, file)

	case path == "/customformat":
		writeJSON(w, m.formats)

	case path == "/qualityprofile":
		writeJSON(w, m.profiles)

	case strings.HasPrefix(path, "/series/"):
		id, _ := strconv.Atoi(strings.TrimPrefix(path, "/series/"))
		s, ok := m.series[id]
		if !ok {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, s)

	case path == "/command" && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.Imports = append(m.Imports, body)
		writeJSON(w, map[string]any{"id": len(m.Imports), "status": "queued"})

	default:
		http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
