package synth

import (
	"fmt"
	"strings"
)

// LabelSource supplies category labels for a dimension. An empty result means the source
// has nothing for that dimension and the built-in pools are used.
type LabelSource interface {
	Labels(dimension string) []string
}

// StaticLabels is a LabelSource backed by a fixed map keyed by label family
// (agent, group, channel, workstream, task, ...).
type StaticLabels map[string][]string

func (s StaticLabels) Labels(dimension string) []string {
	if s == nil {
		return nil
	}
	if l, ok := s[strings.ToLower(dimension)]; ok {
		return l
	}
	return s[Family(dimension)]
}

var familyKeywords = []struct {
	family   string
	keywords []string
}{
	{"agent", []string{"agent", "assignee", "owner"}},
	{"group", []string{"group", "queue", "team", "department"}},
	{"channel", []string{"channel", "source", "medium"}},
	{"workstream", []string{"workstream", "stream", "skill"}},
	{"task", []string{"task", "ticket_type", "category", "topic"}},
	{"priority", []string{"priority", "severity"}},
	{"status", []string{"status", "state"}},
	{"region", []string{"region", "country", "geo", "location"}},
}

// Family maps a dimension name onto the label family it draws from.
func Family(dimension string) string {
	d := strings.ToLower(dimension)
	for _, f := range familyKeywords {
		for _, kw := range f.keywords {
			if strings.Contains(d, kw) {
				return f.family
			}
		}
	}
	return ""
}

var builtinLabels = StaticLabels{
	"agent":      {"Avery Chen", "Jordan Patel", "Morgan Silva", "Riley Okafor", "Casey Novak", "Taylor Brooks", "Quinn Ramirez", "Jamie Fischer"},
	"group":      {"Support", "Billing", "Sales", "Onboarding", "Escalations", "Retention"},
	"channel":    {"Email", "Chat", "Phone", "Social", "Web Form", "SMS"},
	"workstream": {"General Inquiries", "Technical Support", "Account Changes", "Refunds", "VIP"},
	"task":       {"Password Reset", "Order Status", "Plan Upgrade", "Bug Report", "Cancellation", "Shipping Delay"},
	"priority":   {"Urgent", "High", "Normal", "Low"},
	"status":     {"New", "Open", "Pending", "Solved", "Closed"},
	"region":     {"North America", "EMEA", "APAC", "LATAM"},
}

// labelFor returns the label at index i for dimension, preferring src over the built-in
// pools. Indices past the pool wrap with a numeric suffix so labels stay distinct.
func labelFor(src LabelSource, dimension, display string, i int) string {
	pool := labelPool(src, dimension)
	if len(pool) == 0 {
		name := display
		if name == "" {
			name = dimension
		}
		return fmt.Sprintf("%s %d", name, i+1)
	}
	label := pool[i%len(pool)]
	if round := i / len(pool); round > 0 {
		label = fmt.Sprintf("%s %d", label, round+1)
	}
	return label
}

func labelPool(src LabelSource, dimension string) []string {
	if src != nil {
		if l := src.Labels(dimension); len(l) > 0 {
			return l
		}
	}
	return builtinLabels.Labels(dimension)
}

// naturalCount is the row count implied by a caller-provided source, if any.
func naturalCount(src LabelSource, dimension string) int {
	if src == nil {
		return 0
	}
	return len(src.Labels(dimension))
}
