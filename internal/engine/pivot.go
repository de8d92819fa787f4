package engine

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"mirage-mcp-server/internal/correlation"
	"mirage-mcp-server/internal/drill"
	"mirage-mcp-server/internal/lifecycle"
	"mirage-mcp-server/internal/rewrite"
	"mirage-mcp-server/internal/schema"
	"mirage-mcp-server/internal/session"
	"mirage-mcp-server/internal/synth"
	"mirage-mcp-server/internal/tap"
)

// bootstrap resolves the page identity from the early session response. The response
// itself passes through.
func (e *Engine) bootstrap(ctx context.Context, call *tap.Call, resp *tap.Response) (*tap.Response, error) {
	keys := append(correlation.FromBody(resp.Body), correlation.FromHeaders(call.Header)...)

	id := session.IdentityFromURL(e.pageURL(call))
	if tok, ok := correlation.First(keys, correlation.TypeToken); ok {
		id.Token = tok
	}
	if e.session.ResolveIdentity(id) {
		e.logger.Info("identity resolved", zap.String("identity", id.Key()))
		e.publish(ctx, lifecycle.Event{Kind: lifecycle.IdentityResolved, Identity: id.Key()})
	}
	return resp, nil
}

// pageURL is the page the call was made from: the browser's top frame when known, the
// Referer otherwise, and the call's own host as a last resort.
func (e *Engine) pageURL(call *tap.Call) *url.URL {
	if u := e.session.PageURL(); u != nil {
		return u
	}
	if ref := call.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			return u
		}
	}
	return &url.URL{Scheme: call.URL.Scheme, Host: call.URL.Host, Path: "/"}
}

type widgetDef struct {
	ID                string                 `json:"id"`
	WidgetID          string                 `json:"widgetId"`
	Title             string                 `json:"title"`
	VisualizationKind string                 `json:"visualizationKind"`
	Schema            string                 `json:"schema"`
	Interactions      schema.InteractionList `json:"interactionsList,omitempty"`
}

func (w widgetDef) id() string {
	if w.WidgetID != "" {
		return w.WidgetID
	}
	return w.ID
}

type definitionDoc struct {
	Widgets []widgetDef `json:"widgets"`
}

// definition registers one descriptor per widget and seeds base skeletons when the
// dashboard is already known to be active.
func (e *Engine) definition(ctx context.Context, call *tap.Call, resp *tap.Response) (*tap.Response, error) {
	var doc definitionDoc
	if err := json.Unmarshal(unwrapData(resp.Body), &doc); err != nil {
		e.logger.Debug("unreadable dashboard definition", zap.Stringer("url", call.URL), zap.Error(err))
		return resp, nil
	}

	active, ok := e.session.ActiveNow()
	for _, w := range doc.Widgets {
		if w.id() == "" || w.Schema == "" {
			continue
		}
		q, err := schema.Decode(w.Schema, w.Interactions)
		if err != nil {
			e.logger.Warn("widget schema malformed, skipping",
				zap.String("widget", w.id()), zap.Error(err))
			continue
		}
		desc := &session.QueryDescriptor{
			WidgetID: w.id(),
			Title:    w.Title,
			Kind:     synth.ParseKind(w.VisualizationKind),
			Schema:   q,
		}
		if !e.session.Register(desc) {
			continue
		}
		if ok {
			key := drill.Key{DashboardID: active.Dashboard.ID, WidgetID: desc.WidgetID}
			if st, err := e.widget(ctx, key, q, desc.Kind, active); err != nil {
				e.logger.Warn("seed widget", zap.String("widget", desc.WidgetID), zap.Error(err))
			} else {
				desc.Skeleton = st.skeleton
			}
		}
	}
	return resp, nil
}

// widget returns the base state of key, seeding it on first use. A skeleton saved in the
// dashboard record wins over a fresh one.
func (e *Engine) widget(ctx context.Context, key drill.Key, q *schema.QuerySchema, kind synth.Kind, active *session.Active) (*widgetState, error) {
	e.mu.Lock()
	if st, ok := e.widgets[key]; ok {
		e.mu.Unlock()
		return st, nil
	}

	st := &widgetState{config: e.defaults}
	seeded := false
	if saved, ok := active.Dashboard.Widgets[key.WidgetID]; ok && saved != nil && saved.Skeleton != nil {
		st.skeleton = saved.Skeleton.Clone()
		if !saved.Config.IsZero() {
			st.config = saved.Config
		}
		e.drills.Restore(key, saved.Interactions)
	} else {
		skel, err := e.synth.Skeleton(synth.Request{Schema: baseSchema(q), Kind: kind, Labels: e.labels()})
		if err != nil {
			e.mu.Unlock()
			return nil, errors.Wrapf(err, "seed %s", key)
		}
		st.skeleton = skel
		seeded = true
	}
	e.widgets[key] = st
	e.mu.Unlock()

	if seeded {
		e.publish(ctx, lifecycle.Event{
			Kind:        lifecycle.WidgetSeeded,
			DashboardID: key.DashboardID,
			WidgetID:    key.WidgetID,
			Skeleton:    st.skeleton.Clone(),
		})
	}
	return st, nil
}

// baseSchema strips the drill path so the base level is seeded from the undrilled query.
func baseSchema(q *schema.QuerySchema) *schema.QuerySchema {
	if q.DrillLevel() == 0 {
		return q
	}
	base := *q
	base.Interactions = nil
	base.DrillAttributes = nil
	base.IsDrillIn = false
	return &base
}

// pivot is the heart of the engine: decode the request schema, find the active dashboard,
// resolve the drill level and answer with a synthetic payload of the same shape.
func (e *Engine) pivot(ctx context.Context, call *tap.Call, resp *tap.Response) (*tap.Response, string, error) {
	body := call.Parsed
	if body == nil && len(call.Body) > 0 {
		body = call.Body
	}
	env, err := schema.ParseEnvelope(body)
	if err != nil {
		return resp, "", err
	}
	q, err := schema.DecodeEnvelope(env)
	if err != nil {
		return resp, env.WidgetID, err
	}
	e.session.SetLastWidget(env.WidgetID)

	active, ok, err := e.session.ActiveDashboard(ctx)
	if err != nil {
		if errors.Is(err, session.ErrReset) || errors.Is(err, context.Canceled) {
			return resp, env.WidgetID, nil
		}
		return resp, env.WidgetID, err
	}
	if !ok {
		return resp, env.WidgetID, nil
	}
	if active.Configuration.UseLiveData {
		e.session.Collector().Deliver(env.WidgetID, json.RawMessage(resp.Body))
		return resp, env.WidgetID, nil
	}

	kind := synth.ParseKind(env.VisualizationKind)
	baseQ := q
	if desc, ok := e.session.Descriptor(env.WidgetID); ok {
		if env.VisualizationKind == "" {
			kind = desc.Kind
		}
		if desc.Schema != nil {
			baseQ = desc.Schema
		}
	}

	key := drill.Key{DashboardID: active.Dashboard.ID, WidgetID: env.WidgetID}
	st, err := e.widget(ctx, key, baseQ, kind, active)
	if err != nil {
		return resp, env.WidgetID, err
	}

	light, cfg := st.skeleton, st.config
	rec, err := e.drills.Machine(key).Resolve(ctx, q, kind, st.skeleton)
	if err != nil {
		return resp, env.WidgetID, err
	}
	if rec != nil {
		light, cfg = rec.Payload, rec.Config
	}

	payload, err := e.synth.Synthesize(synth.Request{
		Schema:   q,
		Kind:     kind,
		Light:    light,
		Config:   cfg,
		RowCount: synth.SavedRowCount(light),
		Labels:   e.labels(),
	})
	if err != nil {
		return resp, env.WidgetID, errors.Wrapf(err, "synthesize %s", key)
	}

	out, err := rewrite.HTTP(resp, payload)
	if err != nil {
		return resp, env.WidgetID, err
	}
	e.logger.Debug("pivot rewritten",
		zap.String("widget", env.WidgetID),
		zap.Int("level", q.DrillLevel()),
		zap.Int("rows", len(payload.Rows)),
		zap.Int("columns", len(payload.Columns)))
	return out, env.WidgetID, nil
}

// unwrapData returns the data member of a success envelope, or body itself.
func unwrapData(body []byte) []byte {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return body
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if data, ok := env["data"]; ok {
		return data
	}
	return body
}
