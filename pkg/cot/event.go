// Package cot encodes and decodes Cursor-on-Target events as emitted by the
// sensor's multicast feed and consumed by TAK servers.
package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

// TimeLayout is the CoT timestamp layout.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Common CoT event types.
const (
	TypeDrone    = "a-u-A-M-H-R"
	TypeAircraft = "a-u-A-C-F"
	TypePilot    = "b-m-p-s-m"
	TypeSensor   = "a-f-G-E-S"
	TypeUnknown  = "a-u-G"
)

// UnknownError is the CoT value for "no estimate", used for le and unknown hae.
const UnknownError = 999999.0

// Event is the CoT <event> envelope.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	How     string   `xml:"how,attr"`
	Point   Point    `xml:"point"`
	Detail  Detail   `xml:"detail"`
}

// Point is the CoT position element.
type Point struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
	Hae float64 `xml:"hae,attr"`
	Ce  float64 `xml:"ce,attr"`
	Le  float64 `xml:"le,attr"`
}

// Detail holds the subset of <detail> children this system reads or writes.
type Detail struct {
	Contact *Contact `xml:"contact,omitempty"`
	Remarks string   `xml:"remarks,omitempty"`
	Track   *Track   `xml:"track,omitempty"`
	UID     *UID     `xml:"uid,omitempty"`
}

// Contact carries the callsign.
type Contact struct {
	Callsign string `xml:"callsign,attr"`
}

// Track carries course (degrees) and speed (m/s).
type Track struct {
	Course float64 `xml:"course,attr"`
	Speed  float64 `xml:"speed,attr"`
}

// UID carries the Droid display name.
type UID struct {
	Droid string `xml:"Droid,attr"`
}

// NewEvent builds an event stamped at now that goes stale after staleAfter.
func NewEvent(uid, eventType string, now time.Time, staleAfter time.Duration) *Event {
	ts := now.UTC().Format(TimeLayout)
	return &Event{
		Version: "2.0",
		UID:     uid,
		Type:    eventType,
		Time:    ts,
		Start:   ts,
		Stale:   now.Add(staleAfter).UTC().Format(TimeLayout),
		How:     "m-g",
		Point:   Point{Ce: 35.0, Le: UnknownError},
	}
}

// Parse decodes a CoT event.
func Parse(data []byte) (*Event, error) {
	var ev Event
	if err := xml.Unmarshal(bytes.TrimSpace(data), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal cot: %w", err)
	}
	if ev.UID == "" {
		return nil, fmt.Errorf("cot event has no uid")
	}
	return &ev, nil
}

// Marshal encodes the event with an XML declaration.
func (e *Event) Marshal() ([]byte, error) {
	body, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cot: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body))
	out = append(out, xml.Header...)
	return append(out, body...), nil
}

// EventTime returns the parsed event time, or zero when absent or malformed.
func (e *Event) EventTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Time)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsXML reports whether data looks like a CoT XML document.
func IsXML(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<event"))
}
