// Package models defines data structures for detections, signal sources and events.
package models

import (
	"strings"
	"time"
)

// Kind is the class of physical entity a detection describes.
type Kind string

// Entity kinds
const (
	KindDrone    Kind = "drone"
	KindAircraft Kind = "aircraft"
	KindFPV      Kind = "fpv"
)

// ID prefixes, one per kind plus the two companion prefixes.
const (
	PrefixDrone    = "drone-"
	PrefixAircraft = "aircraft-"
	PrefixFPV      = "fpv-"
	PrefixPilot    = "pilot-"
	PrefixHome     = "home-"
)

// Activity thresholds
const (
	ActivityWindow = 5 * time.Minute
	ActiveWithin   = 90 * time.Second
	AgingWithin    = 120 * time.Second
)

// ActivityState is the display classification of a detection's freshness.
type ActivityState string

const (
	ActivityActive ActivityState = "active"
	ActivityAging  ActivityState = "aging"
	ActivityStale  ActivityState = "stale"
)

// Position is a WGS84 fix. 0,0 is the sentinel for "unknown".
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt,omitempty"`
}

// HasFix reports whether the position is a real fix rather than the 0,0 sentinel.
func (p Position) HasFix() bool {
	return p.Lat != 0 || p.Lon != 0
}

// FPVInfo carries fields specific to FPV video-link detections.
type FPVInfo struct {
	Frequency       float64 `json:"frequency"` // MHz
	Bandwidth       string  `json:"bandwidth,omitempty"`
	DetectionSource string  `json:"detection_source,omitempty"`
	Status          string  `json:"status,omitempty"`
	Distance        float64 `json:"estimated_distance,omitempty"`
	Update          bool    `json:"update"` // true for lock updates, false for a new contact
}

// SpoofState is the outcome of the external spoof classifier.
type SpoofState struct {
	Suspected  bool     `json:"suspected"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
}

// RawExtension keeps the original decoded payload for protocol bridging only.
type RawExtension struct {
	Format string `json:"format"` // cot, json, fpv-json
	Data   []byte `json:"-"`
}

// Detection is the most recent known state of one physical entity.
type Detection struct {
	ID string `json:"id"`

	Position      Position `json:"position"`
	HeightAGL     float64  `json:"height_agl,omitempty"`
	Speed         float64  `json:"speed,omitempty"`
	VerticalSpeed float64  `json:"vertical_speed,omitempty"`
	Course        float64  `json:"course,omitempty"`

	Pilot Position `json:"pilot"`
	Home  Position `json:"home"`

	IDType          string `json:"id_type,omitempty"`
	CAARegistration string `json:"caa_registration,omitempty"`
	Manufacturer    string `json:"manufacturer,omitempty"`
	Description     string `json:"description,omitempty"`
	OperatorID      string `json:"operator_id,omitempty"`
	UAType          string `json:"ua_type,omitempty"`
	MAC             string `json:"mac,omitempty"`

	RSSI          float64        `json:"rssi,omitempty"`
	PrimaryMedium Medium         `json:"medium,omitempty"`
	SignalSources []SignalSource `json:"signal_sources,omitempty"`

	FPV *FPVInfo `json:"fpv,omitempty"`

	// Enrichment from the sensor backend
	Frequency  float64   `json:"frequency,omitempty"` // MHz
	SeenBy     string    `json:"seen_by,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
	RIDMake    string    `json:"rid_make,omitempty"`
	RIDModel   string    `json:"rid_model,omitempty"`
	RIDSource  string    `json:"rid_source,omitempty"`
	Index      int       `json:"index,omitempty"`
	Runtime    int       `json:"runtime,omitempty"`

	Spoof *SpoofState `json:"spoof,omitempty"`

	// RegistrationOnly marks a message that only carries a CAA registration and
	// must be applied to an existing entity instead of creating one.
	RegistrationOnly bool `json:"-"`

	LastUpdated time.Time    `json:"last_updated"`
	Raw         RawExtension `json:"-"`
}

// Kind derives the entity kind from the id prefix and idType.
func (d *Detection) Kind() Kind {
	return KindOf(d.ID, d.IDType, d.FPV != nil)
}

// KindOf derives an entity kind without a full Detection.
func KindOf(id, idType string, fpv bool) Kind {
	lowerID := strings.ToLower(id)
	lowerType := strings.ToLower(idType)
	switch {
	case strings.HasPrefix(lowerID, PrefixAircraft),
		strings.Contains(lowerType, "aircraft"),
		strings.Contains(lowerType, "adsb"),
		strings.Contains(lowerID, "adsb"):
		return KindAircraft
	case strings.HasPrefix(lowerID, PrefixFPV), fpv:
		return KindFPV
	default:
		return KindDrone
	}
}

// IsCompanion reports whether the detection is a pilot or home position message
// that only updates an existing drone.
func (d *Detection) IsCompanion() bool {
	return strings.HasPrefix(d.ID, PrefixPilot) || strings.HasPrefix(d.ID, PrefixHome)
}

// CompanionTarget returns the drone id a pilot-/home- message refers to.
func (d *Detection) CompanionTarget() (droneID string, pilot bool, ok bool) {
	switch {
	case strings.HasPrefix(d.ID, PrefixPilot):
		return PrefixDrone + strings.TrimPrefix(d.ID, PrefixPilot), true, true
	case strings.HasPrefix(d.ID, PrefixHome):
		return PrefixDrone + strings.TrimPrefix(d.ID, PrefixHome), false, true
	}
	return "", false, false
}

// IsActive reports whether the detection was updated within the activity window.
func (d *Detection) IsActive(now time.Time) bool {
	return now.Sub(d.LastUpdated) <= ActivityWindow
}

// Activity classifies the detection for display.
func (d *Detection) Activity(now time.Time) ActivityState {
	age := now.Sub(d.LastUpdated)
	switch {
	case age <= ActiveWithin:
		return ActivityActive
	case age <= AgingWithin:
		return ActivityAging
	default:
		return ActivityStale
	}
}

// HasSignalIdentity reports whether offline notices make sense for this entity.
// Aircraft are tracked by ICAO address, not by an RF signal identity.
func (d *Detection) HasSignalIdentity() bool {
	return d.Kind() != KindAircraft
}

// SignalIdentity returns the identity used to announce the entity offline.
func (d *Detection) SignalIdentity() string {
	if d.MAC != "" {
		return d.MAC
	}
	if len(d.SignalSources) > 0 {
		return d.SignalSources[0].Identity
	}
	return d.ID
}

// Clone returns a deep copy safe to hand to other goroutines.
func (d *Detection) Clone() *Detection {
	if d == nil {
		return nil
	}
	c := *d
	if d.SignalSources != nil {
		c.SignalSources = append([]SignalSource(nil), d.SignalSources...)
	}
	if d.FPV != nil {
		fpv := *d.FPV
		c.FPV = &fpv
	}
	if d.Spoof != nil {
		spoof := *d.Spoof
		spoof.Reasons = append([]string(nil), d.Spoof.Reasons...)
		c.Spoof = &spoof
	}
	if d.Raw.Data != nil {
		c.Raw.Data = append([]byte(nil), d.Raw.Data...)
	}
	return &c
}

// AlertRing is a derived uncertainty circle for an entity without a position fix.
type AlertRing struct {
	Key      string   `json:"key"`
	EntityID string   `json:"entity_id"`
	Center   Position `json:"center"`
	Radius   float64  `json:"radius"`
	RSSI     float64  `json:"rssi"`
}
