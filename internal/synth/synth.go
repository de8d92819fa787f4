package synth

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"mirage-mcp-server/internal/schema"
)

// ErrNoMeasures is returned for schemas that request nothing to aggregate.
var ErrNoMeasures = errors.New("query schema has no measures")

// MeasuresLevel is the LevelDisplayName of measure members.
const MeasuresLevel = "Measures"

const (
	minRows = 3
	maxRows = 8
)

// Request describes one synthesis pass.
type Request struct {
	Schema *schema.QuerySchema
	Kind   Kind
	// Light carries previously saved labels; they are reused positionally.
	Light  *Payload
	Config ValueConfig
	// RowCount and PointCount pin the shape when non-zero.
	RowCount   int
	PointCount int
	// Labels overrides the synthesizer's default label source.
	Labels LabelSource
}

// Synthesizer is safe for concurrent use.
type Synthesizer struct {
	mu     sync.Mutex
	rng    *rand.Rand
	clock  func() time.Time
	labels LabelSource
}

type Option func(*Synthesizer)

func WithSeed(seed int64) Option {
	return func(s *Synthesizer) { s.rng = rand.New(rand.NewSource(seed)) }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Synthesizer) { s.clock = clock }
}

func WithLabels(src LabelSource) Option {
	return func(s *Synthesizer) { s.labels = src }
}

func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Skeleton builds the label-only payload used to seed a widget.
func (s *Synthesizer) Skeleton(req Request) (*Payload, error) {
	return s.build(req, false)
}

// Synthesize builds the full payload: labels, cells, stats, headers.
func (s *Synthesizer) Synthesize(req Request) (*Payload, error) {
	return s.build(req, true)
}

func (s *Synthesizer) build(req Request, full bool) (*Payload, error) {
	if req.Schema == nil {
		return nil, errors.New("synthesize: nil schema")
	}
	if len(req.Schema.Measures) == 0 {
		return nil, errors.WithStack(ErrNoMeasures)
	}
	if req.Labels == nil {
		req.Labels = s.labels
	}
	req.Config = req.Config.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	plan := s.planColumns(req)
	p := &Payload{
		Columns: buildColumns(req, plan),
		Rows:    s.buildRows(req),
	}
	p.Headers, p.FieldNames = headers(req.Schema, p)
	if full {
		p.CellData = s.buildCells(req, plan, len(p.Rows))
		p.Stats = computeStats(plan, p.CellData)
	}
	return p, nil
}

type columnPlan struct {
	hierarchies []schema.Hierarchy
	axis        schema.Hierarchy
	kind        AxisKind
	points      []point
	measures    []schema.Measure
}

func (c columnPlan) width() int {
	return len(c.points) * len(c.measures)
}

// at maps a column index to its measure and point index. Columns are point-major.
func (c columnPlan) at(col int) (schema.Measure, int) {
	return c.measures[col%len(c.measures)], col / len(c.measures)
}

func (s *Synthesizer) planColumns(req Request) columnPlan {
	plan := columnPlan{measures: req.Schema.Measures}
	if req.Kind == KindGrid {
		plan.points = []point{{}}
		return plan
	}

	hs := req.Schema.ColumnHierarchies
	if req.Schema.IsDrillIn {
		hs = []schema.Hierarchy{schema.AllHierarchy()}
	}
	plan.hierarchies = hs

	axis, ok := firstReal(hs)
	if !ok {
		plan.points = []point{{name: schema.AllDimension, display: "All"}}
		return plan
	}
	plan.axis = axis
	plan.kind = ClassifyAxis(&schema.QuerySchema{ColumnHierarchies: hs})

	if plan.kind == AxisTime {
		n := TimePoints(axis.Granularity)
		if req.PointCount > n {
			n = req.PointCount
		}
		plan.points = timeBuckets(s.clock(), axis.Granularity, n)
		return plan
	}

	n := s.categoryPoints(req)
	plan.points = make([]point, n)
	for i := range plan.points {
		label := labelFor(req.Labels, axis.Dimension, axis.Name(), i)
		plan.points[i] = point{name: label, display: label}
	}
	return plan
}

func (s *Synthesizer) categoryPoints(req Request) int {
	measures := len(req.Schema.Measures)
	switch {
	case req.PointCount > 0:
		return req.PointCount
	case req.Light != nil && len(req.Light.Columns) > 0:
		if n := len(req.Light.Columns) / measures; n > 0 {
			return n
		}
		return 1
	case req.Kind.IsKPILike():
		return 1
	case (req.Kind == KindPie || req.Kind == KindGauge) && measures > 1:
		return 1
	}
	return 3 + s.rng.Intn(3)
}

func buildColumns(req Request, plan columnPlan) []Axis {
	cols := make([]Axis, 0, plan.width())
	for pi, pt := range plan.points {
		for _, m := range plan.measures {
			members := make([]Member, 0, len(plan.hierarchies)+1)
			for _, h := range plan.hierarchies {
				members = append(members, columnMember(req.Labels, plan, h, pt, pi))
			}
			members = append(members, measureMember(m))
			cols = append(cols, Axis{Members: members})
		}
	}
	if req.Light != nil {
		mergeColumns(cols, req.Light.Columns)
	}
	return cols
}

func columnMember(src LabelSource, plan columnPlan, h schema.Hierarchy, pt point, i int) Member {
	switch {
	case h.IsAll:
		return allMember(h)
	case h == plan.axis:
		return Member{
			Name:             pt.name,
			DisplayName:      pt.display,
			LevelDisplayName: h.Name(),
			DataField:        h.Dimension,
			AttributeName:    h.Dimension,
		}
	}
	return RowMember(src, h, i)
}

// mergeColumns carries saved Name/DisplayName over by column then member index, as long as
// the saved member sits at the same level.
func mergeColumns(cols, saved []Axis) {
	for ci := range cols {
		if ci >= len(saved) {
			return
		}
		for mi := range cols[ci].Members {
			if mi >= len(saved[ci].Members) {
				break
			}
			old := saved[ci].Members[mi]
			cur := &cols[ci].Members[mi]
			if old.LevelDisplayName != cur.LevelDisplayName || old.IsAll != cur.IsAll {
				continue
			}
			cur.Name = old.Name
			cur.DisplayName = old.DisplayName
		}
	}
}

func (s *Synthesizer) buildRows(req Request) []Axis {
	hs := req.Schema.RowHierarchies
	if schema.IsDegenerate(hs) {
		members := make([]Member, 0, len(hs))
		for _, h := range hs {
			members = append(members, allMember(h))
		}
		if len(members) == 0 {
			members = append(members, allMember(schema.AllHierarchy()))
		}
		return []Axis{{Members: members}}
	}

	n := s.rowCount(req, hs)
	rows := make([]Axis, n)
	for i := range rows {
		var saved Axis
		if req.Light != nil && i < len(req.Light.Rows) {
			saved = req.Light.Rows[i]
		}
		members := make([]Member, 0, len(hs))
		for _, h := range hs {
			if m, ok := saved.Find(h.Name()); ok {
				members = append(members, m)
				continue
			}
			if h.IsAll {
				members = append(members, allMember(h))
				continue
			}
			members = append(members, RowMember(req.Labels, h, i))
		}
		rows[i] = Axis{Members: members}
	}
	return rows
}

func (s *Synthesizer) rowCount(req Request, hs []schema.Hierarchy) int {
	if req.RowCount > 0 {
		return req.RowCount
	}
	if n := SavedRowCount(req.Light); n > 0 {
		return n
	}
	if h, ok := firstReal(hs); ok {
		if n := naturalCount(req.Labels, h.Dimension); n > 0 {
			return min(max(n, minRows), maxRows)
		}
	}
	return minRows + s.rng.Intn(3)
}

// SavedRowCount is the number of labeled rows in p, or zero when p has only the
// degenerate all row.
func SavedRowCount(p *Payload) int {
	if p == nil {
		return 0
	}
	for _, r := range p.Rows {
		for _, m := range r.Members {
			if !m.IsAll {
				return len(p.Rows)
			}
		}
	}
	return 0
}

// RowMember generates the label of hierarchy h for row i.
func RowMember(src LabelSource, h schema.Hierarchy, i int) Member {
	if h.IsAll {
		return allMember(h)
	}
	label := labelFor(src, h.Dimension, h.Name(), i)
	return Member{
		Name:             label,
		DisplayName:      label,
		LevelDisplayName: h.Name(),
		DataField:        h.Dimension,
		AttributeName:    h.Dimension,
	}
}

func allMember(h schema.Hierarchy) Member {
	return Member{
		Name:             schema.AllDimension,
		DisplayName:      "All",
		LevelDisplayName: h.Name(),
		DataField:        h.Dimension,
		AttributeName:    h.Dimension,
		IsAll:            true,
	}
}

func measureMember(m schema.Measure) Member {
	return Member{
		Name:             m.Key(),
		DisplayName:      m.DisplayName,
		LevelDisplayName: MeasuresLevel,
		DataField:        m.DataField,
		AttributeName:    m.Aggregator,
		IsMeasure:        true,
	}
}

func (s *Synthesizer) buildCells(req Request, plan columnPlan, rows int) [][]float64 {
	width := plan.width()
	cells := make([][]float64, rows)
	for r := range cells {
		cells[r] = make([]float64, width)
		for c := 0; c < width; c++ {
			m, pi := plan.at(c)
			v, ok := req.Config.fixed(r, c)
			if !ok {
				v = generate(s.rng, req.Config, pi, len(plan.points))
			}
			cells[r][c] = shape(m, req.Config, v)
		}
	}
	return cells
}

func computeStats(plan columnPlan, cells [][]float64) *Stats {
	st := &Stats{
		Minimum:                   math.Inf(1),
		Maximum:                   math.Inf(-1),
		MeasureNameToMinMaxValues: make(map[string]MinMax, len(plan.measures)),
	}
	for _, row := range cells {
		for c, v := range row {
			st.Minimum = math.Min(st.Minimum, v)
			st.Maximum = math.Max(st.Maximum, v)

			m, _ := plan.at(c)
			key := m.Key()
			mm, seen := st.MeasureNameToMinMaxValues[key]
			if !seen {
				mm = MinMax{Min: v, Max: v}
			}
			mm.Min = math.Min(mm.Min, v)
			mm.Max = math.Max(mm.Max, v)
			st.MeasureNameToMinMaxValues[key] = mm
		}
	}
	if math.IsInf(st.Minimum, 1) {
		st.Minimum, st.Maximum = 0, 0
	}
	return st
}

func headers(s *schema.QuerySchema, p *Payload) ([]string, []string) {
	var hdrs, fields []string
	for _, h := range s.RowHierarchies {
		hdrs = append(hdrs, h.Name())
		fields = append(fields, h.Dimension)
	}
	for _, col := range p.Columns {
		parts := make([]string, 0, len(col.Members))
		var key string
		for _, m := range col.Members {
			if m.IsAll {
				continue
			}
			parts = append(parts, m.DisplayName)
			if m.IsMeasure {
				key = m.Name
			}
		}
		hdrs = append(hdrs, strings.Join(parts, " / "))
		fields = append(fields, key)
	}
	return hdrs, fields
}
