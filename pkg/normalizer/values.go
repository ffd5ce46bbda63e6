package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/hervehildenbrand/rid-radar/pkg/cot"
)

// envelope flattens the sensor's JSON shapes into message name -> bodies.
// Objects, arrays of single-key objects, arrays of bodies under one key and the
// DroneID{<mac>: {...}} wrapper all end up in the same shape.
type envelope map[string][]json.RawMessage

func decodeEnvelope(data []byte) (envelope, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false
	}

	env := envelope{}
	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, false
		}
		for _, item := range items {
			env.addObject(item)
		}
	case '{':
		if !env.addObject(data) {
			return nil, false
		}
	default:
		return nil, false
	}

	for _, wrapped := range env["DroneID"] {
		var byMAC map[string]json.RawMessage
		if err := json.Unmarshal(wrapped, &byMAC); err != nil {
			continue
		}
		for mac, inner := range byMAC {
			env.addObject(inner)
			if quoted, err := json.Marshal(mac); err == nil {
				env["MAC"] = append(env["MAC"], quoted)
			}
		}
	}
	return env, len(env) > 0
}

func (e envelope) addObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	for key, value := range obj {
		value = bytes.TrimSpace(value)
		if list, ok := objectList(value); ok {
			e[key] = append(e[key], list...)
			continue
		}
		e[key] = append(e[key], value)
	}
	return true
}

// objectList splits a JSON array whose elements are all objects.
func objectList(value json.RawMessage) ([]json.RawMessage, bool) {
	if len(value) == 0 || value[0] != '[' {
		return nil, false
	}
	var list []json.RawMessage
	if err := json.Unmarshal(value, &list); err != nil || len(list) == 0 {
		return nil, false
	}
	for _, item := range list {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, false
		}
	}
	return list, true
}

func (e envelope) has(key string) bool {
	return len(e[key]) > 0
}

// fields returns the first body under key decoded as an object.
func (e envelope) fields(key string) fields {
	for _, raw := range e[key] {
		if f := decodeFields(raw); f != nil {
			return f
		}
	}
	return fields{}
}

func (e envelope) all(key string) []fields {
	var out []fields
	for _, raw := range e[key] {
		if f := decodeFields(raw); f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (e envelope) num(keys ...string) (float64, bool) {
	for _, k := range keys {
		for _, raw := range e[k] {
			if v, ok := rawFloat(raw); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func (e envelope) str(keys ...string) string {
	for _, k := range keys {
		for _, raw := range e[k] {
			if s := rawString(raw); s != "" {
				return s
			}
		}
	}
	return ""
}

// fields is one decoded JSON object with lenient accessors.
type fields map[string]json.RawMessage

func decodeFields(raw json.RawMessage) fields {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if f == nil {
		return fields{}
	}
	return f
}

func (f fields) num(keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := rawFloat(f[k]); ok {
			return v, true
		}
	}
	return 0, false
}

func (f fields) str(keys ...string) string {
	for _, k := range keys {
		if s := rawString(f[k]); s != "" {
			return s
		}
	}
	return ""
}

func (f fields) obj(key string) fields {
	if raw, ok := f[key]; ok {
		if sub := decodeFields(raw); sub != nil {
			return sub
		}
	}
	return fields{}
}

// rawFloat accepts a JSON number or a string such as "0.25 m/s" or "-60dBm".
func rawFloat(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, true
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return cot.ParseNumber(str)
	}
	return 0, false
}

// rawString accepts a JSON string or number and returns it as text.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

// optional wraps a present value for the nullable status metrics.
func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}
