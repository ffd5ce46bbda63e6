package models

import (
	"errors"
	"time"
)

// Medium is the RF channel an observation was received over.
type Medium string

// Media in precedence order. The first source in this order is the primary one.
const (
	MediumWiFi      Medium = "wifi"
	MediumBluetooth Medium = "bluetooth"
	MediumSDR       Medium = "sdr"
	MediumFPV       Medium = "fpv"
	MediumUnknown   Medium = "unknown"
)

// MediumPrecedence is the fixed display and primary-selection order.
var MediumPrecedence = []Medium{MediumWiFi, MediumBluetooth, MediumSDR, MediumFPV, MediumUnknown}

// Rank returns the position of m in MediumPrecedence.
func (m Medium) Rank() int {
	for i, p := range MediumPrecedence {
		if p == m {
			return i
		}
	}
	return len(MediumPrecedence)
}

// ErrZeroSignal is returned when a source is built from a zero signal reading.
var ErrZeroSignal = errors.New("zero signal strength is not a valid reading")

// SignalSource is one observation of an entity over one medium.
// Two sources are the same source when identity and medium match.
type SignalSource struct {
	Identity  string    `json:"identity"`
	RSSI      float64   `json:"rssi"`
	Medium    Medium    `json:"medium"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSignalSource validates the reading and builds a source.
func NewSignalSource(identity string, rssi float64, medium Medium, ts time.Time) (SignalSource, error) {
	if rssi == 0 {
		return SignalSource{}, ErrZeroSignal
	}
	if medium == "" {
		medium = MediumUnknown
	}
	return SignalSource{Identity: identity, RSSI: rssi, Medium: medium, Timestamp: ts}, nil
}

// SameAs reports whether two sources describe the same (identity, medium) pair.
func (s SignalSource) SameAs(o SignalSource) bool {
	return s.Identity == o.Identity && s.Medium == o.Medium
}
