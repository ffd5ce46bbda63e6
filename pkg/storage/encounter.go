// Package storage persists encounters and provides the identifier block-list.
package storage

import (
	"context"
	"time"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Encounter is the persisted summary of one entity's sighting.
type Encounter struct {
	ID              string
	Kind            models.Kind
	FirstSeen       time.Time
	LastSeen        time.Time
	MaxRSSI         float64
	IDType          string
	CAARegistration string
	Manufacturer    string
	MAC             string
	Description     string
	Pilot           models.Position
	Home            models.Position
	// Positions is the recorded flight path, oldest first.
	Positions []models.Position
	// Ring is the last alert ring, for entities that never reported a fix.
	Ring *models.AlertRing
}

// EncounterStore persists encounters. Writes are queued and never block the caller.
type EncounterStore interface {
	// GetEncounters returns encounters last seen after since.
	GetEncounters(ctx context.Context, since time.Time) ([]Encounter, error)
	// SaveEncounter records the detection's current state and, when it has no
	// fix, its alert ring.
	SaveEncounter(d *models.Detection, ring *models.AlertRing)
	UpdatePilotLocation(id string, pos models.Position)
	UpdateHomeLocation(id string, pos models.Position)
	Start()
	Stop()
	Stats() map[string]interface{}
}

// NullStore discards everything. Use this when no database is configured.
type NullStore struct{}

// NewNullStore creates a new null store.
func NewNullStore() *NullStore {
	return &NullStore{}
}

func (s *NullStore) GetEncounters(context.Context, time.Time) ([]Encounter, error) { return nil, nil }
func (s *NullStore) SaveEncounter(*models.Detection, *models.AlertRing)              {}
func (s *NullStore) UpdatePilotLocation(string, models.Position)                     {}
func (s *NullStore) UpdateHomeLocation(string, models.Position)                      {}
func (s *NullStore) Start()                                                          {}
func (s *NullStore) Stop()                                                           {}
func (s *NullStore) Stats() map[string]interface{}                                   { return map[string]interface{}{} }
