package synth

import (
	"math"
	"math/rand"
	"strings"

	"mirage-mcp-server/internal/schema"
)

// Value generation presets.
const (
	PresetRandom = "random"
	PresetFlat   = "flat"
	PresetLinear = "linear"
	PresetSpike  = "spike"
	PresetGrowth = "growth"
)

const (
	percentFloor = 0.20
	percentCeil  = 0.95
)

// ValueConfig holds the value-generation parameters of one interaction level.
type ValueConfig struct {
	Min            float64     `json:"min" yaml:"min"`
	Max            float64     `json:"max" yaml:"max"`
	Preset         string      `json:"preset" yaml:"preset"`
	UseFixedValues bool        `json:"useFixedValues,omitempty" yaml:"useFixedValues,omitempty"`
	FixedValues    [][]float64 `json:"fixedValues,omitempty" yaml:"fixedValues,omitempty"`
}

// DefaultValueConfig is used for freshly materialized drill levels.
func DefaultValueConfig() ValueConfig {
	return ValueConfig{Min: 10, Max: 500, Preset: PresetRandom}
}

// IsZero reports whether c was never set.
func (c ValueConfig) IsZero() bool {
	return c.Min == 0 && c.Max == 0 && c.Preset == "" && !c.UseFixedValues && c.FixedValues == nil
}

func (c ValueConfig) normalized() ValueConfig {
	if c.IsZero() {
		return DefaultValueConfig()
	}
	if c.Max < c.Min {
		c.Min, c.Max = c.Max, c.Min
	}
	if c.Preset == "" {
		c.Preset = PresetRandom
	}
	return c
}

func (c ValueConfig) fixed(row, col int) (float64, bool) {
	if !c.UseFixedValues || row >= len(c.FixedValues) || col >= len(c.FixedValues[row]) {
		return 0, false
	}
	return c.FixedValues[row][col], true
}

// generate draws one raw value for point of points under the preset shape.
func generate(rng *rand.Rand, c ValueConfig, point, points int) float64 {
	span := c.Max - c.Min
	t := 0.0
	if points > 1 {
		t = float64(point) / float64(points-1)
	}
	jitter := func(frac float64) float64 {
		return (rng.Float64()*2 - 1) * frac * span
	}

	var v float64
	switch c.Preset {
	case PresetFlat:
		v = c.Min + span/2 + jitter(0.02)
	case PresetLinear:
		v = c.Min + span*t + jitter(0.05)
	case PresetSpike:
		peak := points * 2 / 3
		if point == peak {
			v = c.Max - rng.Float64()*0.05*span
		} else {
			v = c.Min + span*0.15 + jitter(0.05)
		}
	case PresetGrowth:
		lo := math.Max(c.Min, 1)
		v = lo*math.Pow(math.Max(c.Max, lo)/lo, t) + jitter(0.02)
	default:
		v = c.Min + rng.Float64()*span
	}
	return math.Min(math.Max(v, c.Min), c.Max)
}

// shape applies the per-measure clamp and rounding rules to a raw value.
func shape(m schema.Measure, c ValueConfig, v float64) float64 {
	if m.IsPercentage() {
		return roundTo(clamp(toRatio(c, v), percentFloor, percentCeil), 2)
	}
	switch strings.ToUpper(m.Aggregator) {
	case "COUNT", "D_COUNT", "DCOUNT", "DISTINCT_COUNT", "SUM":
		return math.Round(v)
	case "AVG", "MED", "MEDIAN":
		return roundTo(v, 1)
	}
	return roundTo(v, 2)
}

// toRatio maps a generated value into ratio space. Ranges already inside [0,1] are kept;
// anything wider is projected linearly onto the percentage band.
func toRatio(c ValueConfig, v float64) float64 {
	if c.Min >= 0 && c.Max <= 1 {
		return v
	}
	if c.UseFixedValues && v > 1 && v <= 100 {
		return v / 100
	}
	span := c.Max - c.Min
	if span <= 0 {
		return (percentFloor + percentCeil) / 2
	}
	return percentFloor + (v-c.Min)/span*(percentCeil-percentFloor)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
