package cot

import (
	"strconv"
	"strings"
)

// Remarks is the key/value content of a sensor <remarks> element.
// Keys are stored lower-cased.
type Remarks map[string]string

// ParseRemarks splits "Key: Value" pairs separated by ';' or ','. Bracketed groups
// such as "System: [Home Lat: 1, Home Lon: 2]" are flattened.
func ParseRemarks(s string) Remarks {
	r := Remarks{}
	s = strings.NewReplacer("[", ",", "]", ",").Replace(s)
	for _, seg := range strings.FieldsFunc(s, func(c rune) bool { return c == ';' || c == ',' }) {
		key, value, ok := strings.Cut(seg, ": ")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if _, exists := r[key]; !exists {
			r[key] = value
		}
	}
	return r
}

// String returns the first non-empty value among keys.
func (r Remarks) String(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// Float returns the first parseable numeric value among keys, with units stripped.
func (r Remarks) Float(keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			if f, ok := ParseNumber(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// Has reports whether any of keys is present.
func (r Remarks) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := r[k]; ok {
			return true
		}
	}
	return false
}

// ParseNumber reads the leading number of values like "-60dBm", "15.0 m/s",
// "<10 m" or "42%". "N/A", "Undefined" and empty strings are not numbers.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "<>~"))
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			// 'e' only counts inside a number, not as the start of a unit like "east"
			if (c == 'e' || c == 'E') && (end == 0 || end+1 >= len(s) || !isExponentTail(s[end+1])) {
				break
			}
			end++
			continue
		}
		break
	}
	if end == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isExponentTail(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+'
}

// RemarksBuilder writes "Key: Value" pairs in insertion order.
type RemarksBuilder struct {
	parts []string
}

var separatorReplacer = strings.NewReplacer(";", " ", ",", " ", "[", "(", "]", ")")

// Add appends a pair; empty values are skipped. Separator characters inside the
// value are blanked so the pair survives ParseRemarks.
func (b *RemarksBuilder) Add(key, value string) *RemarksBuilder {
	value = strings.TrimSpace(separatorReplacer.Replace(value))
	if value != "" {
		b.parts = append(b.parts, key+": "+value)
	}
	return b
}

// AddFloat appends a numeric pair with a unit suffix; zero values are skipped.
func (b *RemarksBuilder) AddFloat(key string, value float64, unit string) *RemarksBuilder {
	if value != 0 {
		b.parts = append(b.parts, key+": "+strconv.FormatFloat(value, 'f', -1, 64)+unit)
	}
	return b
}

// String joins the pairs with "; ".
func (b *RemarksBuilder) String() string {
	return strings.Join(b.parts, "; ")
}
