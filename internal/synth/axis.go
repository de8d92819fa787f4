package synth

import (
	"strconv"
	"strings"
	"time"

	"mirage-mcp-server/internal/schema"
)

// AxisKind says whether the column dimension is a time bucket or a category.
type AxisKind int

const (
	AxisCategory AxisKind = iota
	AxisTime
)

func (a AxisKind) String() string {
	if a == AxisTime {
		return "time"
	}
	return "category"
}

const minTimePoints = 10

// ClassifyAxis looks at the first non-degenerate column hierarchy.
func ClassifyAxis(s *schema.QuerySchema) AxisKind {
	if h, ok := firstReal(s.ColumnHierarchies); ok && h.IsTime() {
		return AxisTime
	}
	return AxisCategory
}

func firstReal(hs []schema.Hierarchy) (schema.Hierarchy, bool) {
	for _, h := range hs {
		if !h.IsAll {
			return h, true
		}
	}
	return schema.Hierarchy{}, false
}

// TimePoints is the number of buckets generated for a granularity.
func TimePoints(granularity string) int {
	n := 10
	switch strings.ToLower(granularity) {
	case "hour", "hourly":
		n = 24
	case "day", "daily":
		n = 14
	case "week", "weekly":
		n = 12
	case "month", "monthly":
		n = 12
	}
	if n < minTimePoints {
		n = minTimePoints
	}
	return n
}

type point struct {
	name    string
	display string
}

// timeBuckets returns n buckets ending with the one that contains now.
func timeBuckets(now time.Time, granularity string, n int) []point {
	now = now.UTC()
	var (
		end    time.Time
		step   func(time.Time, int) time.Time
		layout = "2006-01-02"
	)
	switch strings.ToLower(granularity) {
	case "hour", "hourly":
		end = now.Truncate(time.Hour)
		step = func(t time.Time, k int) time.Time { return t.Add(time.Duration(k) * time.Hour) }
		layout = "2006-01-02 15:00"
	case "week", "weekly":
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		end = day.AddDate(0, 0, -offset)
		step = func(t time.Time, k int) time.Time { return t.AddDate(0, 0, 7*k) }
	case "month", "monthly":
		end = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		step = func(t time.Time, k int) time.Time { return t.AddDate(0, k, 0) }
	default:
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		step = func(t time.Time, k int) time.Time { return t.AddDate(0, 0, k) }
	}

	out := make([]point, n)
	for i := 0; i < n; i++ {
		t := step(end, i-(n-1))
		out[i] = point{name: strconv.FormatInt(t.UnixMilli(), 10), display: t.Format(layout)}
	}
	return out
}
