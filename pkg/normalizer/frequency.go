package normalizer

import (
	"fmt"
	"strings"
)

// SourceFPV selects the frequency rule for FPV frames regardless of transport.
const SourceFPV = "fpv"

// DefaultHzThreshold is the value above which "auto" treats a frequency as Hz.
const DefaultHzThreshold = 100000.0

// Unit is how a source reports frequencies.
type Unit string

// Frequency units
const (
	UnitAuto Unit = "auto"
	UnitHz   Unit = "hz"
	UnitMHz  Unit = "mhz"
)

// ParseUnit parses a configured unit name.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case UnitAuto, UnitHz, UnitMHz:
		return u, nil
	case "":
		return UnitAuto, nil
	default:
		return "", fmt.Errorf("unknown frequency unit %q", s)
	}
}

// FrequencyRule converts one source's frequency values to MHz.
type FrequencyRule struct {
	Unit      Unit
	Threshold float64
}

// ToMHz converts v according to the rule.
func (r FrequencyRule) ToMHz(v float64) float64 {
	switch r.Unit {
	case UnitHz:
		return v / 1e6
	case UnitMHz:
		return v
	default:
		threshold := r.Threshold
		if threshold <= 0 {
			threshold = DefaultHzThreshold
		}
		if v > threshold {
			return v / 1e6
		}
		return v
	}
}

// FrequencyRules maps frame sources to their conversion rule.
type FrequencyRules struct {
	Default  FrequencyRule
	BySource map[string]FrequencyRule
}

// DefaultFrequencyRules applies "auto" everywhere.
func DefaultFrequencyRules() FrequencyRules {
	return FrequencyRules{Default: FrequencyRule{Unit: UnitAuto, Threshold: DefaultHzThreshold}}
}

// For returns the rule configured for source, or the default.
func (f FrequencyRules) For(source string) FrequencyRule {
	if r, ok := f.BySource[source]; ok {
		return r
	}
	return f.Default
}

// forFPV prefers an explicit FPV rule over the transport's.
func (f FrequencyRules) forFPV(transport string) FrequencyRule {
	if r, ok := f.BySource[SourceFPV]; ok {
		return r
	}
	return f.For(transport)
}
