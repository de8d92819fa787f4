package mangle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"mirage-mcp-server/internal/config"

	"github.com/cockroachdb/errors"
	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

// DefaultSchema declares the lifecycle predicates and the rules derived from them. It is
// used when no schema file is configured or the configured file does not exist.
const DefaultSchema = `
Decl identity_resolved(Session, Key, TsMs).
Decl widget_seeded(Dashboard, Widget, TsMs).
Decl drill_level_created(Dashboard, Widget, Step, TsMs).
Decl drill_level_updated(Dashboard, Widget, Step, TsMs).

Decl widget_active(Dashboard, Widget).
widget_active(Dashboard, Widget) :- widget_seeded(Dashboard, Widget, _).
widget_active(Dashboard, Widget) :- drill_level_created(Dashboard, Widget, _, _).

Decl drilled_widget(Dashboard, Widget, Step).
drilled_widget(Dashboard, Widget, Step) :- drill_level_created(Dashboard, Widget, Step, _).

Decl relabeled_level(Dashboard, Widget, Step).
relabeled_level(Dashboard, Widget, Step) :- drill_level_updated(Dashboard, Widget, Step, _).

Decl page_navigated(Session, Url, TsMs).
Decl current_url(Session, Url).
`

// Fact is one lifecycle notification recorded as a Mangle atom.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// WatchEvent is delivered to subscribers after facts for a watched predicate are derived.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine holds lifecycle facts in a Mangle store and keeps a bounded, indexed buffer of
// the raw facts for ordered reads.
type Engine struct {
	cfg    config.LifecycleConfig
	logger *zap.Logger

	mu           sync.RWMutex
	schemaLoaded bool
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore
	facts        []Fact
	index        map[string][]int

	subMu         sync.RWMutex
	subscriptions map[string][]chan WatchEvent
}

func NewEngine(cfg config.LifecycleConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		facts:         make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:         make(map[string][]int),
		store:         factstore.NewSimpleInMemoryStore(),
		subscriptions: make(map[string][]chan WatchEvent),
	}
	if !cfg.Enable {
		return e, nil
	}

	source := DefaultSchema
	if cfg.SchemaPath != "" {
		data, err := os.ReadFile(cfg.SchemaPath)
		switch {
		case err == nil:
			source = string(data)
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("lifecycle schema not found, using built-in", zap.String("path", cfg.SchemaPath))
		default:
			return nil, errors.Wrap(err, "read lifecycle schema")
		}
	}
	if err := e.LoadSource(source); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadSource parses and analyzes a Mangle program and makes it the active schema.
func (e *Engine) LoadSource(source string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(source)))
	if err != nil {
		return errors.Wrap(err, "parse lifecycle schema")
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return errors.Wrap(err, "analyze lifecycle schema")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = info
	e.schemaLoaded = true
	return nil
}

// AddRule extends the active program with extra declarations and rules.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return errors.Wrap(err, "parse rule")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing := make(map[ast.PredicateSym]ast.Decl)
	if e.programInfo != nil {
		for k, v := range e.programInfo.Decls {
			if v != nil {
				existing[k] = *v
			}
		}
	}
	info, err := analysis.AnalyzeOneUnit(unit, existing)
	if err != nil {
		return errors.Wrap(err, "analyze rule")
	}
	if e.programInfo == nil {
		e.programInfo = info
		e.schemaLoaded = true
		return nil
	}
	for k, v := range info.Decls {
		e.programInfo.Decls[k] = v
	}
	e.programInfo.Rules = append(e.programInfo.Rules, info.Rules...)
	return nil
}

// AddFacts records facts in the buffer and the store, then re-evaluates the program and
// notifies watchers.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	base := len(e.facts)
	e.facts = append(e.facts, facts...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = e.facts[len(e.facts)-limit:]
		e.rebuildIndex()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range facts {
		e.store.Add(factToAtom(f))
	}

	var evalErr error
	if e.schemaLoaded && e.programInfo != nil {
		evalErr = engine.EvalProgram(e.programInfo, e.store)
	}
	e.mu.Unlock()

	if evalErr != nil {
		return errors.Wrap(evalErr, "evaluate lifecycle program")
	}
	e.notifyWatchers()
	return nil
}

func (e *Engine) notifyWatchers() {
	for _, predicate := range e.WatchPredicates() {
		derived := e.storeFacts(predicate, e.arityOf(predicate))
		if len(derived) > 0 {
			e.notifySubscribers(predicate, derived)
		}
	}
}

// Subscribe registers ch for derived facts of predicate. Delivery never blocks.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	return fmt.Sprintf("%s:%p", predicate, ch)
}

func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	chans := e.subscriptions[predicate]
	for i, c := range chans {
		if c == ch {
			e.subscriptions[predicate] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

func (e *Engine) notifySubscribers(predicate string, facts []Fact) {
	e.subMu.RLock()
	chans := append([]chan WatchEvent(nil), e.subscriptions[predicate]...)
	e.subMu.RUnlock()

	ev := WatchEvent{Predicate: predicate, Facts: facts, Timestamp: time.Now()}
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			e.logger.Debug("lifecycle watcher full, dropping event", zap.String("predicate", predicate))
		}
	}
}

// WatchPredicates lists predicates with at least one subscriber.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	out := make([]string, 0, len(e.subscriptions))
	for p, chs := range e.subscriptions {
		if len(chs) > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Query evaluates a single atom such as `drilled_widget("d1", W, S).` against the store.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, errors.New("lifecycle engine not ready")
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, errors.Wrap(err, "parse query")
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(got ast.Atom) error {
		row := make(QueryResult)
		for i, arg := range atom.Args {
			if i >= len(got.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok {
				row[v.Symbol] = convertConstant(got.Args[i])
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "run query")
	}
	return results, nil
}

// Evaluate re-runs the program and returns the facts currently held for predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, errors.New("lifecycle engine not ready")
	}
	e.mu.Lock()
	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		e.mu.Unlock()
		return nil, errors.Wrap(err, "evaluate lifecycle program")
	}
	e.mu.Unlock()
	return e.storeFacts(predicate, e.arityOf(predicate)), nil
}

// arityOf returns the declared arity of predicate, or -1 when it is not declared.
func (e *Engine) arityOf(predicate string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.programInfo == nil {
		return -1
	}
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			return sym.Arity
		}
	}
	return -1
}

func (e *Engine) storeFacts(predicate string, arity int) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	atom := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}}
	if arity >= 0 {
		atom.Args = make([]ast.BaseTerm, arity)
		for i := range atom.Args {
			atom.Args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
	}
	out := make([]Fact, 0)
	_ = e.store.GetFacts(atom, func(got ast.Atom) error {
		out = append(out, atomToFact(got))
		return nil
	})
	return out
}

// FactsByPredicate returns buffered facts for predicate in arrival order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx := e.index[predicate]
	out := make([]Fact, 0, len(idx))
	for _, i := range idx {
		if i >= 0 && i < len(e.facts) {
			out = append(out, e.facts[i])
		}
	}
	return out
}

// QueryTemporal returns buffered facts for predicate strictly inside (after, before).
// Zero bounds are open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	out := make([]Fact, 0)
	for _, f := range e.FactsByPredicate(predicate) {
		if (after.IsZero() || f.Timestamp.After(after)) && (before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Reset drops every fact; the loaded program stays.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.facts = e.facts[:0]
	e.index = make(map[string][]int)
	e.store = factstore.NewSimpleInMemoryStore()
}

// Ready reports whether the engine can answer queries.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType:
			val, _ := term.StringValue()
			return val
		case ast.NumberType:
			if val, err := term.NumberValue(); err == nil {
				return val
			}
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	}
	return fmt.Sprintf("%v", c)
}
