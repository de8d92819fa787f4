// Package schema decodes the compressed attribute-XML query description that the analytics
// client embeds in pivot requests.
package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// Interaction types carried in a request's interactionsList.
const (
	InteractionDrillIn = "DRILL_IN"
	InteractionFilter  = "FILTER"
	InteractionSort    = "SORT"
)

// AllDimension is the dimension name of the degenerate bucket that stands in for "no grouping".
const AllDimension = "all"

// Measure is an aggregated numeric field requested by a query.
type Measure struct {
	Aggregator  string `json:"aggregator"`
	DataField   string `json:"dataField"`
	DisplayName string `json:"displayName"`
	Format      string `json:"format,omitempty"`
}

// Key is the backend's measure identifier, e.g. SUM(ticket_count).
func (m Measure) Key() string {
	return fmt.Sprintf("%s(%s)", strings.ToUpper(m.Aggregator), m.DataField)
}

var percentName = regexp.MustCompile(`(?i)%|\bpercent(age)?\b|\bpct\b|\brate\b|\bratio\b`)

// IsPercentage reports whether the measure's display name or display format marks it as a ratio.
func (m Measure) IsPercentage() bool {
	switch strings.ToLower(m.Format) {
	case "percent", "percentage", "pct", "%":
		return true
	}
	return percentName.MatchString(m.DisplayName)
}

// Hierarchy is a row or column grouping.
type Hierarchy struct {
	Dimension   string `json:"dimension"`
	DisplayName string `json:"displayName"`
	IsAll       bool   `json:"isAll,omitempty"`
	Type        string `json:"type,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

// AllHierarchy returns the degenerate single-bucket hierarchy.
func AllHierarchy() Hierarchy {
	return Hierarchy{Dimension: AllDimension, DisplayName: "All", IsAll: true}
}

// IsTime reports whether the hierarchy groups by a time bucket.
func (h Hierarchy) IsTime() bool {
	if h.IsAll {
		return false
	}
	if strings.EqualFold(h.Type, "time") || strings.EqualFold(h.Type, "date") || h.Granularity != "" {
		return true
	}
	d := strings.ToLower(h.Dimension)
	return strings.HasSuffix(d, "_time") || strings.HasSuffix(d, "_date") || d == "date" || d == "time"
}

// Name is the label used for the hierarchy level when matching saved members.
func (h Hierarchy) Name() string {
	if h.DisplayName != "" {
		return h.DisplayName
	}
	return h.Dimension
}

// Filter narrows a drill step to one member of a dimension.
type Filter struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

// Interaction is one user interaction recorded by the client for a widget.
type Interaction struct {
	Type string `json:"type"`
	// Attributes holds per-attribute XML fragments, e.g. <Hierarchy dimension="agent" displayName="Agent"/>.
	Attributes []string `json:"attributes,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
}

// QuerySchema is the structured description of one requested report.
// RowHierarchies and ColumnHierarchies are never empty after Decode.
type QuerySchema struct {
	Measures          []Measure     `json:"measures"`
	RowHierarchies    []Hierarchy   `json:"rowHierarchies"`
	ColumnHierarchies []Hierarchy   `json:"columnHierarchies"`
	DrillAttributes   []Hierarchy   `json:"drillAttributes,omitempty"`
	Interactions      []Interaction `json:"interactions,omitempty"`
	IsDrillIn         bool          `json:"isDrillIn,omitempty"`
}

// DrillLevel is the number of interactions recorded against the query.
func (s *QuerySchema) DrillLevel() int {
	return len(s.Interactions)
}

// RowNames returns the level names of the row hierarchies in order.
func (s *QuerySchema) RowNames() []string {
	out := make([]string, len(s.RowHierarchies))
	for i, h := range s.RowHierarchies {
		out[i] = h.Name()
	}
	return out
}

// IsDegenerate reports whether every hierarchy in hs is the "all" bucket.
func IsDegenerate(hs []Hierarchy) bool {
	for _, h := range hs {
		if !h.IsAll {
			return false
		}
	}
	return true
}
