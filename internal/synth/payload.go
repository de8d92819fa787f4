// Package synth builds synthetic pivot payloads whose shape matches what the analytics
// backend returns for a decoded query schema.
package synth

import "strings"

// Kind is the visualization kind a widget declares.
type Kind string

const (
	KindChart      Kind = "chart"
	KindTimeSeries Kind = "timeseries"
	KindBar        Kind = "bar"
	KindLine       Kind = "line"
	KindPie        Kind = "pie"
	KindGauge      Kind = "gauge"
	KindKPI        Kind = "kpi"
	KindMetric     Kind = "metric"
	KindGrid       Kind = "grid"
)

// IsKPILike reports whether the kind renders a single scalar.
func (k Kind) IsKPILike() bool {
	switch k {
	case KindKPI, KindMetric, KindGauge:
		return true
	}
	return false
}

// ParseKind maps the visualization names the client uses onto a Kind. Unknown names are charts.
func ParseKind(s string) Kind {
	k := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "timeseries", "time", "trend":
		return KindTimeSeries
	case "bar", "column", "stackedbar":
		return KindBar
	case "line", "area":
		return KindLine
	case "pie", "donut":
		return KindPie
	case "gauge":
		return KindGauge
	case "kpi", "singlevalue", "number":
		return KindKPI
	case "metric":
		return KindMetric
	case "grid", "table", "pivot", "pivottable":
		return KindGrid
	}
	return KindChart
}

// Member is one label in a row or column member chain.
type Member struct {
	Name             string `json:"name" yaml:"name"`
	DisplayName      string `json:"displayName" yaml:"displayName"`
	LevelDisplayName string `json:"levelDisplayName" yaml:"levelDisplayName"`
	DataField        string `json:"dataField,omitempty" yaml:"dataField,omitempty"`
	AttributeName    string `json:"attributeName,omitempty" yaml:"attributeName,omitempty"`
	IsMeasure        bool   `json:"isMeasure,omitempty" yaml:"isMeasure,omitempty"`
	IsAll            bool   `json:"isAll,omitempty" yaml:"isAll,omitempty"`
}

// Axis is one row or one column: the member chain that labels it.
type Axis struct {
	Members []Member `json:"members" yaml:"members"`
}

// MinMax bounds the values of one measure.
type MinMax struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Stats summarizes a cell matrix.
type Stats struct {
	Minimum                   float64           `json:"minimum" yaml:"minimum"`
	Maximum                   float64           `json:"maximum" yaml:"maximum"`
	MeasureNameToMinMaxValues map[string]MinMax `json:"measureNameToMinMaxValues" yaml:"measureNameToMinMaxValues"`
}

// Payload is the unit handed back to the page in place of the backend's pivot result.
// A skeleton payload has Columns and Rows only.
type Payload struct {
	Columns    []Axis      `json:"columns" yaml:"columns"`
	Rows       []Axis      `json:"rows" yaml:"rows"`
	CellData   [][]float64 `json:"cellData,omitempty" yaml:"cellData,omitempty"`
	Stats      *Stats      `json:"stats,omitempty" yaml:"stats,omitempty"`
	Headers    []string    `json:"headers,omitempty" yaml:"headers,omitempty"`
	FieldNames []string    `json:"fieldNames,omitempty" yaml:"fieldNames,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	out := &Payload{
		Columns:    cloneAxes(p.Columns),
		Rows:       cloneAxes(p.Rows),
		Headers:    append([]string(nil), p.Headers...),
		FieldNames: append([]string(nil), p.FieldNames...),
	}
	if p.CellData != nil {
		out.CellData = make([][]float64, len(p.CellData))
		for i, row := range p.CellData {
			out.CellData[i] = append([]float64(nil), row...)
		}
	}
	if p.Stats != nil {
		st := *p.Stats
		st.MeasureNameToMinMaxValues = make(map[string]MinMax, len(p.Stats.MeasureNameToMinMaxValues))
		for k, v := range p.Stats.MeasureNameToMinMaxValues {
			st.MeasureNameToMinMaxValues[k] = v
		}
		out.Stats = &st
	}
	return out
}

// Light strips cell data and stats, leaving the label skeleton.
func (p *Payload) Light() *Payload {
	if p == nil {
		return nil
	}
	return &Payload{Columns: cloneAxes(p.Columns), Rows: cloneAxes(p.Rows)}
}

// RowLevels returns the LevelDisplayName of every member of the first row.
func (p *Payload) RowLevels() []string {
	if p == nil || len(p.Rows) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.Rows[0].Members))
	for _, m := range p.Rows[0].Members {
		out = append(out, m.LevelDisplayName)
	}
	return out
}

func cloneAxes(in []Axis) []Axis {
	if in == nil {
		return nil
	}
	out := make([]Axis, len(in))
	for i, a := range in {
		out[i] = Axis{Members: append([]Member(nil), a.Members...)}
	}
	return out
}

// Find returns the member of a whose LevelDisplayName is level.
func (a Axis) Find(level string) (Member, bool) {
	for _, m := range a.Members {
		if m.LevelDisplayName == level {
			return m, true
		}
	}
	return Member{}, false
}
