package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// RecordedBatch is one batch request seen by a RecordingServer.
type RecordedBatch struct {
	Path       string
	Token      string
	RequestID  string
	Operations []map[string]interface{}
	ReceivedAt time.Time
}

// RecordingServer is a remote that records every batch request and answers
// with a programmable status. Requests other than POST get 200.
type RecordingServer struct {
	*httptest.Server

	mu        sync.Mutex
	batches   []RecordedBatch
	responses map[string][]int
	offline   bool
}

// NewRecordingServer starts a recording server.
func NewRecordingServer() *RecordingServer {
	rs := &RecordingServer{responses: make(map[string][]int)}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	return rs
}

// RespondWith queues statuses for the next requests to path. Once the queue
// is drained requests get 200.
func (rs *RecordingServer) RespondWith(path string, statuses ...int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.responses[path] = append(rs.responses[path], statuses...)
}

// SetOffline makes every request fail with 503 without recording it.
func (rs *RecordingServer) SetOffline(offline bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.offline = offline
}

// Batches returns the recorded batch requests.
func (rs *RecordingServer) Batches() []RecordedBatch {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]RecordedBatch, len(rs.batches))
	copy(out, rs.batches)
	return out
}

// BatchesTo returns the recorded batch requests for one path.
func (rs *RecordingServer) BatchesTo(path string) []RecordedBatch {
	var out []RecordedBatch
	for _, b := range rs.Batches() {
		if b.Path == path {
			out = append(out, b)
		}
	}
	return out
}

func (rs *RecordingServer) handle(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	offline := rs.offline
	rs.mu.Unlock()

	if offline {
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	var body struct {
		Operations []map[string]interface{} `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	rs.mu.Lock()
	rs.batches = append(rs.batches, RecordedBatch{
		Path:       r.URL.Path,
		Token:      strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		RequestID:  r.Header.Get("X-Request-ID"),
		Operations: body.Operations,
		ReceivedAt: time.Now(),
	})

	status := http.StatusOK
	if queue := rs.responses[r.URL.Path]; len(queue) > 0 {
		status = queue[0]
		rs.responses[r.URL.Path] = queue[1:]
	}
	rs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 200 && status < 300 {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"applied": len(body.Operations)})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"message": http.StatusText(status),
	})
}
