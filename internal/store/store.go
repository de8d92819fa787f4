// Package store holds the configurations an operator selects for a demo and the dashboard
// records the engine fills in while the demo runs.
package store

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"mirage-mcp-server/internal/drill"
	"mirage-mcp-server/internal/synth"
)

// ErrNotFound is returned when a configuration or dashboard id is unknown.
var ErrNotFound = errors.New("not found")

// Store is the persistence boundary for configurations and dashboard records.
type Store interface {
	Configurations(ctx context.Context) ([]Configuration, error)
	Configuration(ctx context.Context, id string) (*Configuration, error)
	Dashboards(ctx context.Context, ids []string) (map[string]*DashboardRecord, error)
	SaveDashboard(ctx context.Context, rec *DashboardRecord) error
}

// Template is the numeric and structural skeleton a configuration carries. The engine
// only reads it.
type Template struct {
	Fields      map[string]float64 `json:"fields,omitempty" yaml:"fields,omitempty"`
	Agents      []string           `json:"agents,omitempty" yaml:"agents,omitempty"`
	Workstreams []string           `json:"workstreams,omitempty" yaml:"workstreams,omitempty"`
	Tasks       []string           `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Groups      []string           `json:"groups,omitempty" yaml:"groups,omitempty"`
	Channels    []string           `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// Labels implements synth.LabelSource over the structural arrays.
func (t *Template) Labels(dimension string) []string {
	if t == nil {
		return nil
	}
	switch synth.Family(dimension) {
	case "agent":
		return t.Agents
	case "workstream":
		return t.Workstreams
	case "task":
		return t.Tasks
	case "group":
		return t.Groups
	case "channel":
		return t.Channels
	}
	return nil
}

// Field looks a semantic KPI value up by name, ignoring case and separators.
func (t *Template) Field(name string) (float64, bool) {
	if t == nil || len(t.Fields) == 0 {
		return 0, false
	}
	if v, ok := t.Fields[name]; ok {
		return v, true
	}
	want := fieldKey(name)
	for k, v := range t.Fields {
		if fieldKey(k) == want {
			return v, true
		}
	}
	return 0, false
}

func fieldKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(s))
}

// Configuration is one operator-selectable demo setup.
type Configuration struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	DashboardIDs []string `json:"dashboardIds" yaml:"dashboard_ids"`
	Template     Template `json:"template" yaml:"template"`
	UseLiveData  bool     `json:"useLiveData,omitempty" yaml:"use_live_data,omitempty"`
}

// DashboardRecord binds a stored dashboard to the page that shows it, plus the per-widget
// state produced while the demo runs.
type DashboardRecord struct {
	ID        string                  `json:"id" yaml:"id"`
	Subdomain string                  `json:"subdomain,omitempty" yaml:"subdomain,omitempty"`
	Path      string                  `json:"path,omitempty" yaml:"path,omitempty"`
	Token     string                  `json:"token,omitempty" yaml:"token,omitempty"`
	Widgets   map[string]*WidgetState `json:"widgets,omitempty" yaml:"widgets,omitempty"`
}

// WidgetState is what the engine saves for one widget.
type WidgetState struct {
	Skeleton     *synth.Payload    `json:"skeleton,omitempty" yaml:"skeleton,omitempty"`
	Config       synth.ValueConfig `json:"config" yaml:"config"`
	Interactions []drill.Record    `json:"interactions,omitempty" yaml:"interactions,omitempty"`
}

// Widget returns the state for id, creating it.
func (d *DashboardRecord) Widget(id string) *WidgetState {
	if d.Widgets == nil {
		d.Widgets = make(map[string]*WidgetState)
	}
	w, ok := d.Widgets[id]
	if !ok {
		w = &WidgetState{}
		d.Widgets[id] = w
	}
	return w
}

// Matches reports whether the record describes the page named by subdomain/path or token.
func (d *DashboardRecord) Matches(subdomain, path, token string) bool {
	if d.Token != "" && token != "" {
		return d.Token == token
	}
	if d.Subdomain == "" || !strings.EqualFold(d.Subdomain, subdomain) {
		return false
	}
	return d.Path == "" || cleanPath(d.Path) == cleanPath(path)
}

func cleanPath(p string) string {
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	}
	return strings.Trim(strings.ToLower(p), "/")
}

// Clone deep-copies the record so callers can persist it outside the owner's lock.
func (d *DashboardRecord) Clone() *DashboardRecord {
	if d == nil {
		return nil
	}
	out := *d
	out.Widgets = make(map[string]*WidgetState, len(d.Widgets))
	for id, w := range d.Widgets {
		cw := &WidgetState{Skeleton: w.Skeleton.Clone(), Config: w.Config}
		for _, r := range w.Interactions {
			r.Payload = r.Payload.Clone()
			cw.Interactions = append(cw.Interactions, r)
		}
		out.Widgets[id] = cw
	}
	return &out
}
