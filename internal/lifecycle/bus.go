// Package lifecycle fans engine notifications out to listeners (the persistence layer,
// operator tools) and records each one as a Mangle fact.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirage-mcp-server/internal/drill"
	"mirage-mcp-server/internal/mangle"
	"mirage-mcp-server/internal/synth"
)

// Kind names a lifecycle notification. Values double as Mangle predicate names.
type Kind string

const (
	IdentityResolved  Kind = "identity_resolved"
	WidgetSeeded      Kind = "widget_seeded"
	DrillLevelCreated Kind = Kind(drill.LevelCreated)
	DrillLevelUpdated Kind = Kind(drill.LevelUpdated)
)

// Event is one notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind        Kind
	SessionID   string
	Identity    string
	DashboardID string
	WidgetID    string
	Step        int
	Record      *drill.Record
	Skeleton    *synth.Payload
	Added       []string
	At          time.Time
}

// Listener receives events synchronously, in publish order.
type Listener func(ctx context.Context, ev Event)

// Bus is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	next      int

	facts  *mangle.Engine
	logger *zap.Logger
	clock  func() time.Time
}

func NewBus(facts *mangle.Engine, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[int]Listener),
		facts:     facts,
		logger:    logger,
		clock:     time.Now,
	}
}

// Listen registers fn and returns a function that removes it.
func (b *Bus) Listen(fn Listener) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish records ev as a fact and delivers it to every listener. A panicking listener is
// logged and skipped.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.clock()
	}

	if b.facts != nil {
		if f, ok := toFact(ev); ok {
			if err := b.facts.AddFacts(ctx, []mangle.Fact{f}); err != nil {
				b.logger.Warn("record lifecycle fact", zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	fns := make([]Listener, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(ctx, fn, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("lifecycle listener panicked", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
		}
	}()
	fn(ctx, ev)
}

// Notify lets the bus serve as the drill machines' notifier.
func (b *Bus) Notify(ctx context.Context, ev drill.Event) {
	rec := ev.Record
	b.Publish(ctx, Event{
		Kind:        Kind(ev.Kind),
		DashboardID: ev.Key.DashboardID,
		WidgetID:    ev.Key.WidgetID,
		Step:        ev.Step,
		Record:      &rec,
		Added:       ev.Added,
		At:          rec.CreatedAt,
	})
}

// Facts exposes the underlying fact engine, which may be nil.
func (b *Bus) Facts() *mangle.Engine {
	return b.facts
}

func toFact(ev Event) (mangle.Fact, bool) {
	ts := ev.At.UnixMilli()
	var args []interface{}
	switch ev.Kind {
	case IdentityResolved:
		args = []interface{}{ev.SessionID, ev.Identity, ts}
	case WidgetSeeded:
		args = []interface{}{ev.DashboardID, ev.WidgetID, ts}
	case DrillLevelCreated, DrillLevelUpdated:
		args = []interface{}{ev.DashboardID, ev.WidgetID, int64(ev.Step), ts}
	default:
		return mangle.Fact{}, false
	}
	return mangle.Fact{Predicate: string(ev.Kind), Args: args, Timestamp: ev.At}, true
}
