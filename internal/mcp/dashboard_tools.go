package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"mirage-mcp-server/internal/drill"
	"mirage-mcp-server/internal/engine"
	"mirage-mcp-server/internal/mangle"
	"mirage-mcp-server/internal/schema"
	"mirage-mcp-server/internal/store"
)

var (
	errNoEngine = errors.New("interception engine unavailable")
	errNoStore  = errors.New("configuration store unavailable")
	errNoFacts  = errors.New("lifecycle fact store unavailable")
)

type ListConfigurationsTool struct {
	store store.Store
}

func (t *ListConfigurationsTool) Name() string { return "list-configurations" }
func (t *ListConfigurationsTool) Description() string {
	return `List the demo configurations held by the store.

Returns: {configurations: [{id, name, dashboard_ids, use_live_data}]}`
}
func (t *ListConfigurationsTool) InputSchema() map[string]interface{} { return emptySchema() }
func (t *ListConfigurationsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.store == nil {
		return nil, errNoStore
	}
	cfgs, err := t.store.Configurations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, map[string]interface{}{
			"id":            c.ID,
			"name":          c.Name,
			"dashboard_ids": c.DashboardIDs,
			"use_live_data": c.UseLiveData,
		})
	}
	return map[string]interface{}{"configurations": out}, nil
}

// SelectConfigurationTool loads a configuration and its dashboard records into the engine.
type SelectConfigurationTool struct {
	engine *engine.Engine
	store  store.Store
}

func (t *SelectConfigurationTool) Name() string { return "select-configuration" }
func (t *SelectConfigurationTool) Description() string {
	return `Select the configuration whose template feeds the synthetic data.

The selection replaces the previous one and clears widget state. Pages already open keep
their identity; reload-dashboard to see the new data from a clean page load.`
}
func (t *SelectConfigurationTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Configuration id from list-configurations",
			},
		},
		"required": []string{"id"},
	}
}
func (t *SelectConfigurationTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	if t.store == nil {
		return nil, errNoStore
	}
	id := getStringArg(args, "id")
	if id == "" {
		return nil, errors.New("id is required")
	}
	cfg, err := t.engine.Select(ctx, t.store, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"selected":      cfg.ID,
		"name":          cfg.Name,
		"dashboard_ids": cfg.DashboardIDs,
		"fields":        len(cfg.Template.Fields),
	}, nil
}

// ActiveDashboardTool reports what the current page load resolved to.
type ActiveDashboardTool struct {
	engine *engine.Engine
}

func (t *ActiveDashboardTool) Name() string { return "active-dashboard" }
func (t *ActiveDashboardTool) Description() string {
	return `Show the page identity, the stored dashboard it matched, and the widgets whose
query descriptors arrived with the dashboard definition.

matched is false when no identity has been seen yet or nothing in the selected
configuration matches it; the page then shows real data.`
}
func (t *ActiveDashboardTool) InputSchema() map[string]interface{} { return emptySchema() }
func (t *ActiveDashboardTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	sess := t.engine.Session()
	out := map[string]interface{}{
		"generation": sess.Generation(),
		"matched":    false,
	}
	if u := sess.PageURL(); u != nil {
		out["page_url"] = u.String()
	}
	if cfg := sess.Selection(); cfg != nil {
		out["configuration"] = cfg.ID
	}
	if id, ok := sess.Identity(); ok {
		out["identity"] = id
	}
	if active, ok := sess.ActiveNow(); ok {
		out["matched"] = true
		out["dashboard_id"] = active.Dashboard.ID
	}

	widgets := make([]map[string]interface{}, 0)
	for _, d := range sess.Descriptors() {
		w := map[string]interface{}{
			"widget_id": d.WidgetID,
			"title":     d.Title,
			"kind":      d.Kind,
		}
		if d.Schema != nil {
			w["rows"] = d.Schema.RowNames()
			w["measures"] = len(d.Schema.Measures)
		}
		widgets = append(widgets, w)
	}
	out["widgets"] = widgets
	out["live_keys"] = sess.Collector().Keys()
	return out, nil
}

// GetDrillStateTool lists the drill levels materialized so far.
type GetDrillStateTool struct {
	engine *engine.Engine
}

func (t *GetDrillStateTool) Name() string { return "get-drill-state" }
func (t *GetDrillStateTool) Description() string {
	return `Inspect drill-down state per widget.

Each level reports its row and column counts and the row labels. Pass include_payload to
get the full synthetic payload of every level.`
}
func (t *GetDrillStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"dashboard_id": map[string]interface{}{
				"type":        "string",
				"description": "Only widgets of this dashboard",
			},
			"widget_id": map[string]interface{}{
				"type":        "string",
				"description": "Only this widget",
			},
			"include_payload": map[string]interface{}{
				"type":        "boolean",
				"description": "Include full payloads (default false)",
			},
		},
	}
}
func (t *GetDrillStateTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	dashboard := getStringArg(args, "dashboard_id")
	widget := getStringArg(args, "widget_id")
	withPayload := getBoolArg(args, "include_payload", false)

	reg := t.engine.Drills()
	queries := make([]map[string]interface{}, 0)
	for _, key := range reg.Keys() {
		if dashboard != "" && key.DashboardID != dashboard {
			continue
		}
		if widget != "" && key.WidgetID != widget {
			continue
		}
		m, ok := reg.Lookup(key)
		if !ok {
			continue
		}
		queries = append(queries, map[string]interface{}{
			"dashboard_id": key.DashboardID,
			"widget_id":    key.WidgetID,
			"level":        m.Level(),
			"levels":       summarizeLevels(m.Records(), withPayload),
		})
	}
	return map[string]interface{}{"queries": queries}, nil
}

func summarizeLevels(records []drill.Record, withPayload bool) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		lvl := map[string]interface{}{
			"step":       r.Step,
			"created_at": r.CreatedAt,
			"config":     r.Config,
		}
		if p := r.Payload; p != nil {
			lvl["rows"] = len(p.Rows)
			lvl["columns"] = len(p.Columns)
			labels := make([]string, 0, len(p.Rows))
			for _, row := range p.Rows {
				if n := len(row.Members); n > 0 {
					labels = append(labels, row.Members[n-1].DisplayName)
				}
			}
			lvl["row_labels"] = labels
			if withPayload {
				lvl["payload"] = p
			}
		}
		out = append(out, lvl)
	}
	return out
}

type ResetInterceptTool struct {
	engine *engine.Engine
}

func (t *ResetInterceptTool) Name() string { return "reset-intercept" }
func (t *ResetInterceptTool) Description() string {
	return `Start a new page load on the engine: identity, descriptors, live data, widget state and
in-memory drill levels are dropped. The selected configuration and stored records stay.`
}
func (t *ResetInterceptTool) InputSchema() map[string]interface{} { return emptySchema() }
func (t *ResetInterceptTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	t.engine.Reset()
	return map[string]interface{}{
		"status":     "reset",
		"generation": t.engine.Session().Generation(),
	}, nil
}

// DecodeSchemaTool exposes the query schema decoder for debugging captured requests.
type DecodeSchemaTool struct{}

func (t *DecodeSchemaTool) Name() string { return "decode-schema" }
func (t *DecodeSchemaTool) Description() string {
	return `Decode an encoded query schema (as sent in a pivot request) into JSON.

interactions is the request's interaction list; the last drill-in replaces the row
hierarchies, exactly as the interceptor does.`
}
func (t *DecodeSchemaTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"schema": map[string]interface{}{
				"type":        "string",
				"description": "Base64 encoded, compressed schema XML",
			},
			"interactions": map[string]interface{}{
				"type":        "array",
				"description": "Optional interaction records [{type, attributes}]",
				"items":       map[string]interface{}{"type": "object"},
			},
		},
		"required": []string{"schema"},
	}
}
func (t *DecodeSchemaTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	encoded := getStringArg(args, "schema")
	if encoded == "" {
		return nil, errors.New("schema is required")
	}
	var interactions []schema.Interaction
	if raw, ok := args["interactions"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.Wrap(err, "interactions")
		}
		var list schema.InteractionList
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, errors.Wrap(err, "interactions")
		}
		interactions = list
	}
	q, err := schema.Decode(encoded, interactions)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"schema":             q,
		"drill_level":        q.DrillLevel(),
		"degenerate_rows":    schema.IsDegenerate(q.RowHierarchies),
		"degenerate_columns": schema.IsDegenerate(q.ColumnHierarchies),
	}, nil
}

type ReadTracesTool struct {
	engine *engine.Engine
}

func (t *ReadTracesTool) Name() string { return "read-traces" }
func (t *ReadTracesTool) Description() string {
	return `Read the newest intercepted calls from the flight recorder: operation, outcome
(rewritten, passthrough, failed), widget and the reason for a fallback.`
}
func (t *ReadTracesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum events (default 50)",
			},
			"outcome": map[string]interface{}{
				"type":        "string",
				"description": "Only events with this outcome",
			},
		},
	}
}
func (t *ReadTracesTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	limit := getIntArg(args, "limit", 50)
	outcome := getStringArg(args, "outcome")

	events := t.engine.Recorder().Recent(0)
	filtered := events[:0:0]
	for _, ev := range events {
		if outcome == "" || ev.Outcome == outcome {
			filtered = append(filtered, ev)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return map[string]interface{}{"count": len(filtered), "events": filtered}, nil
}

// ReadLifecycleTool reads lifecycle facts, either raw by predicate or through a Mangle query.
type ReadLifecycleTool struct {
	facts *mangle.Engine
}

func (t *ReadLifecycleTool) Name() string { return "read-lifecycle" }
func (t *ReadLifecycleTool) Description() string {
	return `Read lifecycle notifications recorded as Mangle facts.

PREDICATES:
- identity_resolved(Session, Key, TsMs)
- widget_seeded(Dashboard, Widget, TsMs)
- drill_level_created(Dashboard, Widget, Step, TsMs)
- drill_level_updated(Dashboard, Widget, Step, TsMs)
- page_navigated(Session, Url, TsMs), current_url(Session, Url)
- derived: widget_active(Dashboard, Widget), drilled_widget(Dashboard, Widget, Step)

Pass query (e.g. drilled_widget("d-ops", W, S).) for variable bindings, or predicate for
raw facts in arrival order, optionally bounded by since_ms/until_ms (Unix ms, exclusive).
With neither, returns the newest facts.

Returns also: ready (program loaded), watched (predicates with live waiters)`
}
func (t *ReadLifecycleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom query ending with a period",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name for raw facts",
			},
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts recorded after this Unix millisecond (with predicate)",
			},
			"until_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts recorded before this Unix millisecond (with predicate)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts (default 100)",
			},
		},
	}
}
func (t *ReadLifecycleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil {
		return nil, errNoFacts
	}
	if q := getStringArg(args, "query"); q != "" {
		rows, err := t.facts.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"query": q, "count": len(rows), "results": rows}, nil
	}

	limit := getIntArg(args, "limit", 100)
	var facts []mangle.Fact
	predicate := getStringArg(args, "predicate")
	if predicate != "" {
		facts = t.facts.QueryTemporal(predicate, msArg(args, "since_ms"), msArg(args, "until_ms"))
	} else {
		facts = t.facts.Facts()
	}
	if limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(facts),
		"facts":     facts,
		"ready":     t.facts.Ready(),
		"watched":   t.facts.WatchPredicates(),
	}, nil
}

// msArg reads a Unix-millisecond bound; absent means open.
func msArg(args map[string]interface{}, key string) time.Time {
	ms := getIntArg(args, key, 0)
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// AddLifecycleRuleTool extends the lifecycle program with operator-defined rules.
type AddLifecycleRuleTool struct {
	facts *mangle.Engine
}

func (t *AddLifecycleRuleTool) Name() string { return "add-lifecycle-rule" }
func (t *AddLifecycleRuleTool) Description() string {
	return `Add Mangle declarations and rules to the lifecycle program, e.g. a predicate that
holds once a saved drill level gained new row attributes:

  Decl patched_widget(Dashboard, Widget).
  patched_widget(D, W) :- drill_level_updated(D, W, _, _).

New predicates can be read with read-lifecycle and awaited with await-lifecycle.`
}
func (t *AddLifecycleRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source: declarations and rules, each ending with a period",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *AddLifecycleRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil {
		return nil, errNoFacts
	}
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, errors.New("rule is required")
	}
	if err := t.facts.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"added": true, "ready": t.facts.Ready()}, nil
}

// AwaitLifecycleTool blocks until a fact whose leading arguments match shows up.
type AwaitLifecycleTool struct {
	facts *mangle.Engine
}

func (t *AwaitLifecycleTool) Name() string { return "await-lifecycle" }
func (t *AwaitLifecycleTool) Description() string {
	return `Wait for a lifecycle fact, e.g. the first drill level of a widget after clicking it:
{predicate: "drilled_widget", args: ["d-ops", "w-trend", 1]}.

args match the leading arguments by value. Facts that already exist satisfy the wait
immediately.

Returns: {matched, waited_ms}`
}
func (t *AwaitLifecycleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to wait for (base or derived)",
			},
			"args": map[string]interface{}{
				"type":        "array",
				"description": "Leading arguments that must match",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum wait (default 10000)",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *AwaitLifecycleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil {
		return nil, errNoFacts
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, errors.New("predicate is required")
	}
	want := getArgsList(args, "args")
	timeout := time.Duration(getIntArg(args, "timeout_ms", 10000)) * time.Millisecond

	start := time.Now()
	ch := make(chan mangle.WatchEvent, 16)
	t.facts.Subscribe(predicate, ch)
	defer t.facts.Unsubscribe(predicate, ch)

	if t.current(ctx, predicate, want) {
		return map[string]interface{}{"matched": true, "waited_ms": time.Since(start).Milliseconds()}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-ch:
			if matchFact(ev.Facts, want) {
				return map[string]interface{}{"matched": true, "waited_ms": time.Since(start).Milliseconds()}, nil
			}
		case <-timer.C:
			return map[string]interface{}{"matched": false, "waited_ms": time.Since(start).Milliseconds()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *AwaitLifecycleTool) current(ctx context.Context, predicate string, want []interface{}) bool {
	facts, err := t.facts.Evaluate(ctx, predicate)
	if err != nil || len(facts) == 0 {
		facts = t.facts.FactsByPredicate(predicate)
	}
	return matchFact(facts, want)
}
