package routes

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtures = map[Operation][]string{
	SessionBootstrap:    {"https://acme.analytics.example.com/api/v1/session/bootstrap", "https://x.example.com/api/v2/session/bootstrap?ts=1"},
	DashboardDefinition: {"https://acme.analytics.example.com/api/v1/dashboards/d-42/definition"},
	PivotQuery:          {"https://acme.analytics.example.com/api/v1/reports/pivot", "https://acme.analytics.example.com/api/v3/reports/pivot?widget=w1"},
	KPIMetrics:          {"https://acme.analytics.example.com/api/v1/metrics/kpi"},
	AgentRoster:         {"https://acme.analytics.example.com/api/v1/agents", "https://acme.analytics.example.com/api/v1/agents/roster"},
	WorkstreamList:      {"https://acme.analytics.example.com/api/v1/workstreams"},
	TaskList:            {"https://acme.analytics.example.com/api/v1/tasks?page=2"},
	LiveStream:          {"wss://acme.analytics.example.com/ws/live"},
}

func TestClassifyFixtures(t *testing.T) {
	for op, urls := range fixtures {
		for _, raw := range urls {
			u, err := url.Parse(raw)
			require.NoError(t, err)
			got, ok := Classify(u)
			assert.True(t, ok, raw)
			assert.Equal(t, op, got, raw)
		}
	}
}

func TestCatalogExclusive(t *testing.T) {
	for _, urls := range fixtures {
		for _, raw := range urls {
			u, err := url.Parse(raw)
			require.NoError(t, err)
			target := u.EscapedPath()
			if u.RawQuery != "" {
				target += "?" + u.RawQuery
			}

			var claimed []Operation
			for _, r := range Catalog() {
				for _, p := range r.Patterns {
					if p.MatchString(target) {
						claimed = append(claimed, r.Op)
						break
					}
				}
			}
			assert.Len(t, claimed, 1, "%s claimed by %v", raw, claimed)
		}
	}
}

func TestClassifyMisses(t *testing.T) {
	misses := []string{
		"https://acme.analytics.example.com/",
		"https://acme.analytics.example.com/static/app.js",
		"https://acme.analytics.example.com/api/v1/reports/pivot/export",
		"https://acme.analytics.example.com/api/v1/agents/7",
		"https://cdn.example.com/api/v1/dashboards/definition",
	}
	for _, raw := range misses {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		_, ok := Classify(u)
		assert.False(t, ok, raw)
	}
	_, ok := Classify(nil)
	assert.False(t, ok)
}

func TestMatcher(t *testing.T) {
	pivot, _ := url.Parse("https://a.example.com/api/v1/reports/pivot")
	kpi, _ := url.Parse("https://a.example.com/api/v1/metrics/kpi")
	other, _ := url.Parse("https://a.example.com/index.html")

	only := Matcher(PivotQuery)
	assert.True(t, only(pivot))
	assert.False(t, only(kpi))

	known := Matcher()
	assert.True(t, known(kpi))
	assert.False(t, known(other))
}
