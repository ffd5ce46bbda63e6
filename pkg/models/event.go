package models

import "time"

// EventType is the kind of change the registry reports.
type EventType string

// Event types
const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Removal reasons
const (
	RemovedByOperator   = "operator"
	RemovedByCapacity   = "capacity"
	RemovedByInactivity = "inactivity"
)

// Event is a registry change notification. Detection is a snapshot owned by the receiver.
type Event struct {
	Type       EventType
	Detection  *Detection
	Reason     string // set for removals
	OccurredAt time.Time
}
