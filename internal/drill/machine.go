// Package drill tracks the drill-down levels a user has taken on each widget and keeps the
// synthetic payload of every level stable across requests.
package drill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"mirage-mcp-server/internal/schema"
	"mirage-mcp-server/internal/synth"
)

// Record is the materialized state of one drill level. Records are append-only.
type Record struct {
	Step      int               `json:"step" yaml:"step"`
	Payload   *synth.Payload    `json:"payload" yaml:"payload"`
	Config    synth.ValueConfig `json:"config" yaml:"config"`
	CreatedAt time.Time         `json:"createdAt" yaml:"createdAt"`
}

func (r Record) clone() Record {
	r.Payload = r.Payload.Clone()
	return r
}

// Key names one query: a widget on a stored dashboard.
type Key struct {
	DashboardID string `json:"dashboardId"`
	WidgetID    string `json:"widgetId"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.DashboardID, k.WidgetID)
}

// EventKind distinguishes the notifications a Machine emits.
type EventKind string

const (
	LevelCreated EventKind = "drill_level_created"
	LevelUpdated EventKind = "drill_level_updated"
)

// Event is emitted after a level is created or patched. Record is a private copy.
type Event struct {
	Kind   EventKind
	Key    Key
	Step   int
	Record Record
	// Added lists the row levels appended by an update.
	Added []string
}

// Notifier receives drill events. Calls happen outside the machine's lock.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(context.Context, Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Skeletoner builds label-only payloads; *synth.Synthesizer satisfies it.
type Skeletoner interface {
	Skeleton(req synth.Request) (*synth.Payload, error)
}

// Machine is the drill state of one query. Resolve calls for the same query are serialized.
type Machine struct {
	mu      sync.Mutex
	key     Key
	records []Record

	synth  Skeletoner
	notify Notifier
	labels synth.LabelSource
	clock  func() time.Time
}

// Level is the number of materialized drill levels.
func (m *Machine) Level() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Records returns copies of every materialized level in step order.
func (m *Machine) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	for i, r := range m.records {
		out[i] = r.clone()
	}
	return out
}

// Restore seeds the machine from persisted records. Records are ordered by step and
// truncated at the first gap.
func (m *Machine) Restore(records []Record) {
	sorted := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Payload != nil {
			sorted = append(sorted, r.clone())
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step < sorted[j].Step })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = m.records[:0]
	for i, r := range sorted {
		if r.Step != i+1 {
			break
		}
		m.records = append(m.records, r)
	}
}

// Resolve returns the record for the drill level implied by q's interaction list, creating
// missing levels or patching the saved one as needed. A nil record means the query is at
// its base level.
func (m *Machine) Resolve(ctx context.Context, q *schema.QuerySchema, kind synth.Kind, base *synth.Payload) (*Record, error) {
	if q == nil {
		return nil, errors.New("drill: nil schema")
	}
	n := q.DrillLevel()
	if n == 0 {
		return nil, nil
	}

	m.mu.Lock()
	var events []Event
	rec, err := m.resolveLocked(q, kind, base, n, &events)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if m.notify != nil {
		for _, ev := range events {
			m.notify.Notify(ctx, ev)
		}
	}
	return &rec, nil
}

func (m *Machine) resolveLocked(q *schema.QuerySchema, kind synth.Kind, base *synth.Payload, n int, events *[]Event) (Record, error) {
	for step := len(m.records) + 1; step <= n; step++ {
		prev := base
		if step > 1 {
			prev = m.records[step-2].Payload
		}
		payload, err := m.synth.Skeleton(synth.Request{
			Schema:   q,
			Kind:     kind,
			Light:    prev.Light(),
			RowCount: synth.SavedRowCount(prev),
			Labels:   m.labels,
		})
		if err != nil {
			return Record{}, errors.Wrapf(err, "materialize %s level %d", m.key, step)
		}
		rec := Record{
			Step:      step,
			Payload:   payload,
			Config:    synth.DefaultValueConfig(),
			CreatedAt: m.clock(),
		}
		m.records = append(m.records, rec)
		*events = append(*events, Event{Kind: LevelCreated, Key: m.key, Step: step, Record: rec.clone()})
	}

	rec := &m.records[n-1]
	added := missingLevels(rec.Payload.RowLevels(), q.RowHierarchies)
	if len(added) > 0 && len(rec.Payload.Rows) > 0 {
		patched := rec.Payload.Clone()
		var names []string
		for _, h := range added {
			names = append(names, h.Name())
			for i := range patched.Rows {
				patched.Rows[i].Members = append(patched.Rows[i].Members, synth.RowMember(m.labels, h, i))
			}
		}
		rec.Payload = patched
		*events = append(*events, Event{Kind: LevelUpdated, Key: m.key, Step: n, Record: rec.clone(), Added: names})
	}
	return rec.clone(), nil
}

// missingLevels returns the non-degenerate hierarchies whose names are absent from saved.
func missingLevels(saved []string, hs []schema.Hierarchy) []schema.Hierarchy {
	have := make(map[string]bool, len(saved))
	for _, s := range saved {
		have[s] = true
	}
	var out []schema.Hierarchy
	for _, h := range hs {
		if !h.IsAll && !have[h.Name()] {
			out = append(out, h)
		}
	}
	return out
}
