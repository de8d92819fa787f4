package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"mirage-mcp-server/internal/rewrite"
	"mirage-mcp-server/internal/routes"
	"mirage-mcp-server/internal/store"
	"mirage-mcp-server/internal/tap"
)

// activeTemplate waits for the identity and returns the matching template.
func (e *Engine) activeTemplate(ctx context.Context) (*store.Template, bool) {
	a, ok, err := e.session.ActiveDashboard(ctx)
	if err != nil || !ok || a.Template() == nil {
		return nil, false
	}
	if a.Configuration.UseLiveData {
		return nil, false
	}
	return a.Template(), true
}

// kpi overwrites every {name, value} metric whose name is a template field.
func (e *Engine) kpi(ctx context.Context, resp *tap.Response) (*tap.Response, error) {
	tpl, ok := e.activeTemplate(ctx)
	if !ok {
		return resp, nil
	}
	var doc any
	if err := json.Unmarshal(unwrapData(resp.Body), &doc); err != nil {
		return resp, nil
	}
	if applyFields(doc, tpl, 0) == 0 {
		return resp, nil
	}
	return rewrite.HTTP(resp, doc)
}

// applyFields patches metric objects in place and returns how many changed.
func applyFields(v any, tpl *store.Template, depth int) int {
	if depth > 6 {
		return 0
	}
	n := 0
	switch t := v.(type) {
	case map[string]any:
		if name, ok := metricName(t); ok {
			if val, ok := tpl.Field(name); ok {
				if _, has := t["value"]; has {
					t["value"] = val
					return 1
				}
			}
		}
		for _, child := range t {
			n += applyFields(child, tpl, depth+1)
		}
	case []any:
		for _, child := range t {
			n += applyFields(child, tpl, depth+1)
		}
	}
	return n
}

func metricName(m map[string]any) (string, bool) {
	for _, k := range []string{"name", "metric", "field", "key"} {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// list replaces a roster-style list with the template's structural array, keeping the shape
// of the first real item.
func (e *Engine) list(ctx context.Context, op routes.Operation, resp *tap.Response) (*tap.Response, error) {
	tpl, ok := e.activeTemplate(ctx)
	if !ok {
		return resp, nil
	}
	var labels []string
	var prefix string
	switch op {
	case routes.AgentRoster:
		labels, prefix = tpl.Agents, "agent"
	case routes.WorkstreamList:
		labels, prefix = tpl.Workstreams, "workstream"
	case routes.TaskList:
		labels, prefix = tpl.Tasks, "task"
	}
	if len(labels) == 0 {
		return resp, nil
	}

	var doc any
	if err := json.Unmarshal(unwrapData(resp.Body), &doc); err != nil {
		return resp, nil
	}
	if arr, ok := doc.([]any); ok {
		return rewrite.HTTP(resp, buildItems(arr, labels, prefix))
	}
	items, set := findList(doc)
	if set == nil {
		return resp, nil
	}
	set(buildItems(items, labels, prefix))
	return rewrite.HTTP(resp, doc)
}

// findList locates the first array member of an object in key order. set writes the
// replacement back and is nil when nothing fits.
func findList(doc any) ([]any, func([]any)) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if arr, ok := obj[k].([]any); ok {
			k := k
			return arr, func(v []any) { obj[k] = v }
		}
	}
	return nil, nil
}

var (
	nameFields = []string{"name", "displayName", "fullName", "title", "label"}
	idFields   = []string{"id", "agentId", "workstreamId", "taskId", "key"}
)

func buildItems(real []any, labels []string, prefix string) []any {
	var proto map[string]any
	if len(real) > 0 {
		proto, _ = real[0].(map[string]any)
	}
	out := make([]any, len(labels))
	for i, label := range labels {
		if proto == nil {
			out[i] = map[string]any{"id": fmt.Sprintf("%s-%d", prefix, i+1), "name": label}
			continue
		}
		item := make(map[string]any, len(proto))
		for k, v := range proto {
			item[k] = v
		}
		for _, f := range nameFields {
			if _, ok := item[f].(string); ok {
				item[f] = label
			}
		}
		for _, f := range idFields {
			switch item[f].(type) {
			case string:
				item[f] = fmt.Sprintf("%s-%d", prefix, i+1)
			case float64:
				item[f] = float64(i + 1)
			}
		}
		out[i] = item
	}
	return out
}

// HandleMessage is the socket transform for the live stream: metric frames whose name is
// a template field carry the template value instead.
func (e *Engine) HandleMessage(ctx context.Context, call *tap.Call, msg *tap.Message) (*tap.Message, error) {
	if op, ok := routes.Classify(call.URL); !ok || op != routes.LiveStream {
		return msg, nil
	}
	a, ok := e.session.ActiveNow()
	if !ok || a.Template() == nil || a.Configuration.UseLiveData {
		return msg, nil
	}

	var doc any
	if err := json.Unmarshal(unwrapData(msg.Data), &doc); err != nil {
		return msg, nil
	}
	if applyFields(doc, a.Template(), 0) == 0 {
		return msg, nil
	}
	out, err := rewrite.Message(msg, doc)
	if err != nil {
		return msg, err
	}
	e.logger.Debug("live frame rewritten", zap.String("session", e.session.ID()))
	return out, nil
}
