package mcp

import (
	"testing"
	"time"

	"mirage-mcp-server/internal/mangle"
)

func TestMatchFact(t *testing.T) {
	now := time.Now()
	facts := []mangle.Fact{
		{Predicate: "drill_level_created", Args: []interface{}{"d-ops", "w-trend", int64(1), now.UnixMilli()}, Timestamp: now},
		{Predicate: "drill_level_created", Args: []interface{}{"d-ops", "w-kpi", int64(2), now.UnixMilli()}, Timestamp: now},
	}

	tests := []struct {
		name     string
		facts    []mangle.Fact
		wantArgs []interface{}
		expected bool
	}{
		{"any fact satisfies empty args", facts, nil, true},
		{"no facts", nil, nil, false},
		{"dashboard only", facts, []interface{}{"d-ops"}, true},
		{"dashboard and widget", facts, []interface{}{"d-ops", "w-kpi"}, true},
		{"json number matches int step", facts, []interface{}{"d-ops", "w-trend", 1.0}, true},
		{"wrong step", facts, []interface{}{"d-ops", "w-trend", 2}, false},
		{"unknown dashboard", facts, []interface{}{"d-sales"}, false},
		{"more args than the fact", facts, []interface{}{"d-ops", "w-trend", 1, 0, "extra"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchFact(tt.facts, tt.wantArgs); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestArgAccessors(t *testing.T) {
	args := map[string]interface{}{
		"session_id":  "s1",
		"limit":       float64(25),
		"timeout_ms":  int64(500),
		"enabled":     false,
		"port":        9222,
		"not_an_int":  "ten",
		"not_a_bool":  "yes",
		"numeric_url": 42,
	}

	if got := getStringArg(args, "session_id"); got != "s1" {
		t.Errorf("getStringArg = %q", got)
	}
	if got := getStringArg(args, "numeric_url"); got != "42" {
		t.Errorf("non-string values are formatted, got %q", got)
	}
	if got := getStringArg(args, "missing"); got != "" {
		t.Errorf("missing key should be empty, got %q", got)
	}

	intCases := map[string]int{"limit": 25, "timeout_ms": 500, "port": 9222, "not_an_int": 7, "missing": 7}
	for key, want := range intCases {
		if got := getIntArg(args, key, 7); got != want {
			t.Errorf("getIntArg(%q) = %d, want %d", key, got, want)
		}
	}
	if got := getIntArg(nil, "limit", 3); got != 3 {
		t.Errorf("nil args should use the fallback, got %d", got)
	}

	if getBoolArg(args, "enabled", true) {
		t.Error("explicit false must win over the fallback")
	}
	if !getBoolArg(args, "not_a_bool", true) {
		t.Error("non-bool values use the fallback")
	}
	if !getBoolArg(args, "missing", true) {
		t.Error("missing key uses the fallback")
	}
}

func TestAsInt(t *testing.T) {
	cases := map[string]struct {
		in   interface{}
		want int
	}{
		"int":     {7, 7},
		"float":   {7.9, 7},
		"string":  {" 12 ", 12},
		"decimal": {"3.5", 3},
		"slice":   {[]string{"5"}, 5},
		"garbage": {"x", 0},
		"nil":     {nil, 0},
	}
	for name, tc := range cases {
		if got := asInt(tc.in); got != tc.want {
			t.Errorf("%s: asInt(%v) = %d, want %d", name, tc.in, got, tc.want)
		}
	}
}

func TestArgString(t *testing.T) {
	if got := argString([]string{"s1", "s2"}); got != "s1" {
		t.Errorf("first element expected, got %q", got)
	}
	if got := argString(nil); got != "" {
		t.Errorf("nil should be empty, got %q", got)
	}
	if got := argString(3); got != "3" {
		t.Errorf("got %q", got)
	}
}

func TestGetArgsList(t *testing.T) {
	if got := getArgsList(map[string]interface{}{"a": []interface{}{"x", 1.0}}, "a"); len(got) != 2 {
		t.Errorf("expected 2 args, got %v", got)
	}
	if got := getArgsList(map[string]interface{}{"a": "x"}, "a"); len(got) != 1 || got[0] != "x" {
		t.Errorf("scalar should become a one-element list, got %v", got)
	}
	if got := getArgsList(map[string]interface{}{}, "a"); got != nil {
		t.Errorf("missing key should be nil, got %v", got)
	}
}
