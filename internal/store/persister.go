package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mirage-mcp-server/internal/lifecycle"
)

// Persister writes engine-produced widget state back to the store as lifecycle events
// arrive. It keeps its own copies of the tracked dashboard records.
type Persister struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*DashboardRecord
}

func NewPersister(s Store, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{store: s, logger: logger, records: make(map[string]*DashboardRecord)}
}

// Track replaces the set of dashboards whose state is persisted.
func (p *Persister) Track(records map[string]*DashboardRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string]*DashboardRecord, len(records))
	for id, rec := range records {
		p.records[id] = rec.Clone()
	}
}

// Handle is a lifecycle.Listener.
func (p *Persister) Handle(ctx context.Context, ev lifecycle.Event) {
	if ev.DashboardID == "" || ev.WidgetID == "" {
		return
	}

	p.mu.Lock()
	rec, ok := p.records[ev.DashboardID]
	if !ok {
		p.mu.Unlock()
		p.logger.Debug("event for untracked dashboard", zap.String("dashboard", ev.DashboardID), zap.String("kind", string(ev.Kind)))
		return
	}
	w := rec.Widget(ev.WidgetID)
	changed := false
	switch ev.Kind {
	case lifecycle.WidgetSeeded:
		if ev.Skeleton != nil {
			w.Skeleton = ev.Skeleton.Clone()
			changed = true
		}
	case lifecycle.DrillLevelCreated, lifecycle.DrillLevelUpdated:
		if ev.Record == nil || ev.Step < 1 {
			break
		}
		r := *ev.Record
		r.Payload = r.Payload.Clone()
		switch {
		case ev.Step <= len(w.Interactions):
			w.Interactions[ev.Step-1] = r
		case ev.Step == len(w.Interactions)+1:
			w.Interactions = append(w.Interactions, r)
		default:
			p.logger.Warn("drill step out of sequence",
				zap.String("dashboard", ev.DashboardID),
				zap.String("widget", ev.WidgetID),
				zap.Int("step", ev.Step),
				zap.Int("saved", len(w.Interactions)))
			p.mu.Unlock()
			return
		}
		changed = true
	}
	var snapshot *DashboardRecord
	if changed {
		snapshot = rec.Clone()
	}
	p.mu.Unlock()

	if snapshot == nil {
		return
	}
	if err := p.store.SaveDashboard(ctx, snapshot); err != nil {
		p.logger.Warn("persist dashboard", zap.String("dashboard", ev.DashboardID), zap.Error(err))
	}
}
