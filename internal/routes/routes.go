// Package routes maps intercepted URLs to the semantic backend operation they perform.
package routes

import (
	"net/url"
	"regexp"
)

// Operation names a semantic backend call the engine knows how to rewrite.
type Operation string

const (
	SessionBootstrap    Operation = "session_bootstrap"
	DashboardDefinition Operation = "dashboard_definition"
	PivotQuery          Operation = "pivot_query"
	KPIMetrics          Operation = "kpi_metrics"
	AgentRoster         Operation = "agent_roster"
	WorkstreamList      Operation = "workstream_list"
	TaskList            Operation = "task_list"
	LiveStream          Operation = "live_stream"
)

// Route binds an operation to the patterns that claim it.
type Route struct {
	Op       Operation
	Patterns []*regexp.Regexp
}

// catalog is evaluated top to bottom and the first match wins. Authors must keep the
// patterns disjoint; TestCatalogExclusive guards the fixture URLs.
var catalog = []Route{
	{SessionBootstrap, compile(`^/api/v\d+/session/bootstrap(?:\?|$)`)},
	{DashboardDefinition, compile(`^/api/v\d+/dashboards/[^/?]+/definition(?:\?|$)`)},
	{PivotQuery, compile(`^/api/v\d+/reports/pivot(?:\?|$)`)},
	{KPIMetrics, compile(`^/api/v\d+/metrics/kpi(?:\?|$)`)},
	{AgentRoster, compile(`^/api/v\d+/agents(?:/roster)?(?:\?|$)`)},
	{WorkstreamList, compile(`^/api/v\d+/workstreams(?:\?|$)`)},
	{TaskList, compile(`^/api/v\d+/tasks(?:\?|$)`)},
	{LiveStream, compile(`^/ws/live(?:\?|$)`)},
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Catalog returns the routes in evaluation order.
func Catalog() []Route {
	out := make([]Route, len(catalog))
	copy(out, catalog)
	return out
}

// Classify returns the first operation whose pattern matches u.
func Classify(u *url.URL) (Operation, bool) {
	if u == nil {
		return "", false
	}
	target := u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	for _, r := range catalog {
		for _, p := range r.Patterns {
			if p.MatchString(target) {
				return r.Op, true
			}
		}
	}
	return "", false
}

// Matcher reports whether u classifies as one of ops (any known operation when ops is empty).
func Matcher(ops ...Operation) func(*url.URL) bool {
	want := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		want[op] = true
	}
	return func(u *url.URL) bool {
		op, ok := Classify(u)
		if !ok {
			return false
		}
		return len(want) == 0 || want[op]
	}
}
