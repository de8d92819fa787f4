package mangle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mirage-mcp-server/internal/config"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.LifecycleConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/lifecycle.mg",
		FactBufferLimit: limit,
	}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestEngineLoadSchema(t *testing.T) {
	engine := newTestEngine(t, 100)
	if !engine.Ready() {
		t.Fatal("engine not ready after schema load")
	}
}

func TestEngineMissingSchemaUsesBuiltin(t *testing.T) {
	engine, err := NewEngine(config.LifecycleConfig{
		Enable:     true,
		SchemaPath: filepath.Join(t.TempDir(), "missing.mg"),
	}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if !engine.Ready() {
		t.Fatal("engine should fall back to the built-in schema")
	}
}

func TestEngineDerivedRules(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	facts := []Fact{
		{Predicate: "widget_seeded", Args: []interface{}{"d1", "w1", int64(1000)}, Timestamp: time.Now()},
		{Predicate: "drill_level_created", Args: []interface{}{"d1", "w2", int64(1), int64(2000)}, Timestamp: time.Now()},
		{Predicate: "drill_level_updated", Args: []interface{}{"d1", "w2", int64(1), int64(3000)}, Timestamp: time.Now()},
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	active, err := engine.Evaluate(ctx, "widget_active")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active widgets, got %d: %+v", len(active), active)
	}

	results, err := engine.Query(ctx, `drilled_widget("d1", W, S).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 drilled widget, got %d", len(results))
	}
	if results[0]["W"] != "w2" {
		t.Errorf("expected widget w2, got %v", results[0]["W"])
	}
	if results[0]["S"] != int64(1) {
		t.Errorf("expected step 1, got %v (%T)", results[0]["S"], results[0]["S"])
	}
}

func TestEngineBufferLimit(t *testing.T) {
	engine := newTestEngine(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f := Fact{Predicate: "widget_seeded", Args: []interface{}{"d1", "w", int64(i)}, Timestamp: time.Now()}
		if err := engine.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}

	got := engine.FactsByPredicate("widget_seeded")
	if len(got) != 3 {
		t.Fatalf("expected buffer trimmed to 3, got %d", len(got))
	}
	if got[0].Args[2] != int64(2) {
		t.Errorf("expected oldest fact to be dropped first, got %v", got[0].Args)
	}
}

func TestEngineWatch(t *testing.T) {
	engine := newTestEngine(t, 100)
	ch := make(chan WatchEvent, 4)
	engine.Subscribe("drilled_widget", ch)

	err := engine.AddFacts(context.Background(), []Fact{
		{Predicate: "drill_level_created", Args: []interface{}{"d1", "w1", int64(1), int64(10)}, Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Predicate != "drilled_widget" || len(ev.Facts) != 1 {
			t.Errorf("unexpected watch event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a watch event")
	}

	engine.Unsubscribe("drilled_widget", ch)
	if preds := engine.WatchPredicates(); len(preds) != 0 {
		t.Errorf("expected no watched predicates, got %v", preds)
	}
}

func TestEngineTemporalAndReset(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		f := Fact{
			Predicate: "identity_resolved",
			Args:      []interface{}{"s1", "acme/dash", int64(i)},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
		if err := engine.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}

	window := engine.QueryTemporal("identity_resolved", base, base.Add(2*time.Minute))
	if len(window) != 1 {
		t.Errorf("expected 1 fact inside the window, got %d", len(window))
	}

	engine.Reset()
	if n := len(engine.Facts()); n != 0 {
		t.Errorf("expected empty buffer after reset, got %d", n)
	}
	results, err := engine.Query(ctx, `identity_resolved(S, K, T).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no facts after reset, got %d", len(results))
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.LifecycleConfig{Enable: false}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.AddFacts(context.Background(), []Fact{{Predicate: "widget_seeded", Args: []interface{}{"d", "w", int64(1)}}}); err != nil {
		t.Errorf("AddFacts should be a no-op when disabled: %v", err)
	}
	if !engine.Ready() {
		t.Error("disabled engine should report ready")
	}
	if len(engine.Facts()) != 0 {
		t.Error("disabled engine should not buffer facts")
	}
}
