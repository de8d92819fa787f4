package session

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirage-mcp-server/internal/schema"
	"mirage-mcp-server/internal/store"
	"mirage-mcp-server/internal/synth"
)

// QueryDescriptor is what the dashboard definition told us about one widget.
type QueryDescriptor struct {
	WidgetID string              `json:"widgetId"`
	Title    string              `json:"title"`
	Kind     synth.Kind          `json:"visualizationKind"`
	Schema   *schema.QuerySchema `json:"schema,omitempty"`
	Skeleton *synth.Payload      `json:"-"`
}

// Active is the stored dashboard matching the page, with its configuration.
type Active struct {
	Identity      Identity
	Configuration *store.Configuration
	Dashboard     *store.DashboardRecord
}

// Template returns the active configuration's template.
func (a *Active) Template() *store.Template {
	if a == nil || a.Configuration == nil {
		return nil
	}
	return &a.Configuration.Template
}

// Session is the explicit replacement for page-global interceptor state. It is shared by
// every tap handler and safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	identity   *future[Identity]
	config     *store.Configuration
	records    map[string]*store.DashboardRecord
	queries    map[string]*QueryDescriptor
	lastWidget string
	pageURL    *url.URL
	collector  *Collector
	generation int
}

func New() *Session {
	return &Session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		identity:  newFuture[Identity](),
		records:   make(map[string]*store.DashboardRecord),
		queries:   make(map[string]*QueryDescriptor),
		collector: NewCollector(),
	}
}

func (s *Session) ID() string { return s.id }

// Generation increments on every Reset.
func (s *Session) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// ResolveIdentity sets the page identity. The first resolution since the last Reset wins.
func (s *Session) ResolveIdentity(id Identity) bool {
	if id.IsZero() {
		return false
	}
	s.mu.Lock()
	f := s.identity
	s.mu.Unlock()
	return f.resolve(id, nil)
}

// WaitIdentity blocks until the identity is known, the session resets, or ctx ends.
func (s *Session) WaitIdentity(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	f := s.identity
	s.mu.Unlock()
	return f.wait(ctx)
}

// Identity returns the identity if already resolved.
func (s *Session) Identity() (Identity, bool) {
	s.mu.Lock()
	f := s.identity
	s.mu.Unlock()
	return f.peek()
}

// Select installs the operator's configuration and the stored records of its dashboards.
func (s *Session) Select(cfg *store.Configuration, records map[string]*store.DashboardRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	s.records = make(map[string]*store.DashboardRecord, len(records))
	for id, rec := range records {
		s.records[id] = rec
	}
}

// UpdateWidget applies fn to a copy of the stored record holding widgetID and swaps the
// copy in. Active values handed out earlier keep the record they were given.
func (s *Session) UpdateWidget(dashboardID, widgetID string, fn func(*store.WidgetState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[dashboardID]
	if !ok || rec == nil {
		return false
	}
	next := rec.Clone()
	fn(next.Widget(widgetID))
	s.records[dashboardID] = next
	return true
}

// Selection returns the selected configuration, if any.
func (s *Session) Selection() *store.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// ActiveDashboard waits for the identity and matches it against the selected
// configuration's dashboards. ok is false when nothing matches.
func (s *Session) ActiveDashboard(ctx context.Context) (*Active, bool, error) {
	id, err := s.WaitIdentity(ctx)
	if err != nil {
		return nil, false, err
	}
	a, ok := s.match(id)
	return a, ok, nil
}

// ActiveNow is ActiveDashboard without waiting.
func (s *Session) ActiveNow() (*Active, bool) {
	id, ok := s.Identity()
	if !ok {
		return nil, false
	}
	return s.match(id)
}

func (s *Session) match(id Identity) (*Active, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return nil, false
	}
	for _, dashID := range s.config.DashboardIDs {
		rec, ok := s.records[dashID]
		if !ok || rec == nil {
			continue
		}
		if rec.Matches(id.Subdomain(), id.Path, id.Token) {
			if rec.ID == "" {
				rec.ID = dashID
			}
			return &Active{Identity: id, Configuration: s.config, Dashboard: rec}, true
		}
	}
	return nil, false
}

// Register stores a widget descriptor. Descriptors are created once per page load;
// later registrations for the same widget are ignored.
func (s *Session) Register(d *QueryDescriptor) bool {
	if d == nil || d.WidgetID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[d.WidgetID]; ok {
		return false
	}
	s.queries[d.WidgetID] = d
	return true
}

func (s *Session) Descriptor(widgetID string) (*QueryDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.queries[widgetID]
	return d, ok
}

// Descriptors returns every registered descriptor ordered by widget id.
func (s *Session) Descriptors() []*QueryDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QueryDescriptor, 0, len(s.queries))
	for _, d := range s.queries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WidgetID < out[j].WidgetID })
	return out
}

// SetPageURL records the top-level page the session is serving.
func (s *Session) SetPageURL(u *url.URL) {
	s.mu.Lock()
	s.pageURL = u
	s.mu.Unlock()
}

// PageURL returns the recorded page URL, nil when unknown.
func (s *Session) PageURL() *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageURL
}

// SetLastWidget records the widget whose request was handled most recently.
func (s *Session) SetLastWidget(id string) {
	s.mu.Lock()
	s.lastWidget = id
	s.mu.Unlock()
}

func (s *Session) LastWidget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWidget
}

func (s *Session) Collector() *Collector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collector
}

// Reset tears down page-load state such as the identity and the descriptors. Pending
// identity and collector waiters are released with ErrReset. The operator's selection
// survives.
func (s *Session) Reset() {
	s.mu.Lock()
	oldIdentity := s.identity
	oldCollector := s.collector
	s.identity = newFuture[Identity]()
	s.collector = NewCollector()
	s.queries = make(map[string]*QueryDescriptor)
	s.lastWidget = ""
	s.pageURL = nil
	s.generation++
	s.mu.Unlock()

	oldIdentity.resolve(Identity{}, ErrReset)
	oldCollector.reset(ErrReset)
}
