// Package recorder is the flight recorder of intercepted calls: a rotating JSONL trace on
// disk plus a small in-memory tail for inspection tools.
package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"mirage-mcp-server/internal/correlation"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
	tailSize        = 256
)

// Outcome of an intercepted call.
const (
	OutcomeRewritten   = "rewritten"
	OutcomePassthrough = "passthrough"
	OutcomeFailed      = "failed"
)

// Event is one intercepted call.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"ts"`
	SessionID string            `json:"session_id,omitempty"`
	Operation string            `json:"operation"`
	Outcome   string            `json:"outcome"`
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url"`
	Status    int               `json:"status,omitempty"`
	WidgetID  string            `json:"widget_id,omitempty"`
	Keys      []correlation.Key `json:"keys,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
}

// Recorder manages rotating trace files. A nil Recorder discards everything.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	tail     []Event
}

// NewRecorder creates a recorder writing under basePath, creating the directory.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create trace dir")
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a new trace file for sessionID, rotating old traces so only the newest
// MaxRotatedFiles remain.
func (r *Recorder) Start(sessionID string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return errors.Wrap(err, "rotate traces")
	}

	name := "trace_" + sessionID + "_" + time.Now().UTC().Format("20060102T150405.000") + ".jsonl"
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return errors.Wrap(err, "create trace file")
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Record stamps ev with an id and time, keeps it in the tail and appends it to the trace.
func (r *Recorder) Record(ev Event) Event {
	if r == nil {
		return ev
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tail = append(r.tail, ev)
	if len(r.tail) > tailSize {
		r.tail = append(r.tail[:0:0], r.tail[len(r.tail)-tailSize:]...)
	}
	if r.encoder != nil {
		_ = r.encoder.Encode(ev)
	}
	return ev
}

// Recent returns up to n of the newest events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.tail) {
		n = len(r.tail)
	}
	out := make([]Event, n)
	copy(out, r.tail[len(r.tail)-n:])
	return out
}

// rotate keeps only the newest MaxRotatedFiles-1 traces to make room for a new one.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
