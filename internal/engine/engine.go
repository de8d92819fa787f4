// Package engine is the interception pipeline. Every classified call runs classify, decode,
// synthesize and rewrite in that order; any failure degrades to the real response.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"mirage-mcp-server/internal/config"
	"mirage-mcp-server/internal/correlation"
	"mirage-mcp-server/internal/drill"
	"mirage-mcp-server/internal/lifecycle"
	"mirage-mcp-server/internal/recorder"
	"mirage-mcp-server/internal/routes"
	"mirage-mcp-server/internal/session"
	"mirage-mcp-server/internal/store"
	"mirage-mcp-server/internal/synth"
	"mirage-mcp-server/internal/tap"
)

var handleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "mirage",
	Name:      "engine_handle_seconds",
	Help:      "Time spent handling an intercepted call, by operation.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
}, []string{"operation"})

// Options wires an Engine. Zero values are usable.
type Options struct {
	Synth     config.SynthConfig
	Logger    *zap.Logger
	Bus       *lifecycle.Bus
	Recorder  *recorder.Recorder
	Persister *store.Persister
	Clock     func() time.Time
	// Synthesizer overrides the one built from Synth.
	Synthesizer *synth.Synthesizer
}

// widgetState is the base level of one widget for the current page load.
type widgetState struct {
	skeleton *synth.Payload
	config   synth.ValueConfig
}

// Engine owns the explicit session object every tap handler shares.
type Engine struct {
	session   *session.Session
	synth     *synth.Synthesizer
	drills    *drill.Registry
	bus       *lifecycle.Bus
	rec       *recorder.Recorder
	persister *store.Persister
	logger    *zap.Logger
	defaults  synth.ValueConfig

	mu      sync.Mutex
	widgets map[drill.Key]*widgetState
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := opts.Synthesizer
	if s == nil {
		sopts := []synth.Option{synth.WithClock(clock)}
		if opts.Synth.Seed != 0 {
			sopts = append(sopts, synth.WithSeed(opts.Synth.Seed))
		}
		s = synth.New(sopts...)
	}

	e := &Engine{
		session:   session.New(),
		synth:     s,
		bus:       opts.Bus,
		rec:       opts.Recorder,
		persister: opts.Persister,
		logger:    logger.Named("engine"),
		defaults: synth.ValueConfig{
			Min:    opts.Synth.DefaultMin,
			Max:    opts.Synth.DefaultMax,
			Preset: opts.Synth.DefaultPreset,
		},
		widgets: make(map[drill.Key]*widgetState),
	}

	ropts := []drill.RegistryOption{
		drill.WithClock(clock),
		drill.WithLabels(func(drill.Key) synth.LabelSource { return e.labels() }),
	}
	if e.bus != nil {
		ropts = append(ropts, drill.WithNotifier(e.bus))
	}
	e.drills = drill.NewRegistry(s, ropts...)
	return e
}

func (e *Engine) Session() *session.Session { return e.session }

func (e *Engine) Drills() *drill.Registry { return e.drills }

func (e *Engine) Bus() *lifecycle.Bus { return e.bus }

func (e *Engine) Recorder() *recorder.Recorder { return e.rec }

// Install registers the engine on t for every cataloged operation. Socket taps only see
// the live stream.
func (e *Engine) Install(t tap.Tap) error {
	if st, ok := t.(*tap.SocketTap); ok {
		st.InterceptMessages(tap.Matcher(routes.Matcher(routes.LiveStream)), e.HandleMessage)
		return st.Install()
	}
	t.Intercept(tap.Matcher(routes.Matcher()), e.Handle)
	return t.Install()
}

// Select loads a configuration and its dashboard records and makes it the active selection.
func (e *Engine) Select(ctx context.Context, st store.Store, id string) (*store.Configuration, error) {
	cfg, err := st.Configuration(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load configuration %s", id)
	}
	records, err := st.Dashboards(ctx, cfg.DashboardIDs)
	if err != nil {
		return nil, errors.Wrapf(err, "load dashboards of %s", id)
	}
	e.session.Select(cfg, records)
	if e.persister != nil {
		e.persister.Track(records)
	}
	e.resetWidgets()
	e.logger.Info("configuration selected",
		zap.String("configuration", cfg.ID),
		zap.Int("dashboards", len(records)))
	return cfg, nil
}

// Reset tears down page-load state. The selected configuration survives, and so does the
// widget state this load produced: the next load restores it instead of seeding afresh.
func (e *Engine) Reset() {
	e.keepWidgets()
	e.session.Reset()
	e.resetWidgets()
}

// keepWidgets folds base skeletons and drill levels into the selected dashboard records.
func (e *Engine) keepWidgets() {
	e.mu.Lock()
	widgets := make(map[drill.Key]*synth.Payload, len(e.widgets))
	for key, st := range e.widgets {
		widgets[key] = st.skeleton
	}
	e.mu.Unlock()

	for key, skel := range widgets {
		var levels []drill.Record
		if m, ok := e.drills.Lookup(key); ok {
			levels = m.Records()
		}
		skel := skel.Clone()
		e.session.UpdateWidget(key.DashboardID, key.WidgetID, func(w *store.WidgetState) {
			w.Skeleton = skel
			if len(levels) >= len(w.Interactions) {
				w.Interactions = levels
			}
		})
	}
}

func (e *Engine) resetWidgets() {
	e.drills.Reset()
	e.mu.Lock()
	e.widgets = make(map[drill.Key]*widgetState)
	e.mu.Unlock()
}

// labels is the active template as a label source, nil when nothing is active.
func (e *Engine) labels() synth.LabelSource {
	a, ok := e.session.ActiveNow()
	if !ok || a.Template() == nil {
		return nil
	}
	return a.Template()
}

// Handle is the tap.Transform for every cataloged HTTP operation.
func (e *Engine) Handle(ctx context.Context, call *tap.Call, resp *tap.Response) (*tap.Response, error) {
	op, ok := routes.Classify(call.URL)
	if !ok {
		return resp, nil
	}
	start := time.Now()

	var (
		out    *tap.Response
		widget string
		err    error
	)
	switch op {
	case routes.SessionBootstrap:
		out, err = e.bootstrap(ctx, call, resp)
	case routes.DashboardDefinition:
		out, err = e.definition(ctx, call, resp)
	case routes.PivotQuery:
		out, widget, err = e.pivot(ctx, call, resp)
	case routes.KPIMetrics:
		out, err = e.kpi(ctx, resp)
	case routes.AgentRoster, routes.WorkstreamList, routes.TaskList:
		out, err = e.list(ctx, op, resp)
	default:
		out = resp
	}
	if out == nil {
		out = resp
	}

	handleSeconds.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	e.record(op, call, resp, out, widget, err, start)
	return out, err
}

func (e *Engine) record(op routes.Operation, call *tap.Call, orig, out *tap.Response, widget string, err error, start time.Time) {
	ev := recorder.Event{
		SessionID: e.session.ID(),
		Operation: string(op),
		Outcome:   recorder.OutcomePassthrough,
		Method:    call.Method,
		URL:       call.URL.String(),
		WidgetID:  widget,
		Keys:      correlation.FromHeaders(call.Header),
		Duration:  time.Since(start),
	}
	if orig != nil {
		ev.Status = orig.StatusCode
	}
	switch {
	case err != nil:
		ev.Outcome = recorder.OutcomeFailed
		ev.Reason = err.Error()
	case out != orig:
		ev.Outcome = recorder.OutcomeRewritten
	}
	e.rec.Record(ev)
}

func (e *Engine) publish(ctx context.Context, ev lifecycle.Event) {
	if e.bus == nil {
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = e.session.ID()
	}
	e.bus.Publish(ctx, ev)
}
