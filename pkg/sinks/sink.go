// Package sinks delivers detections, offline notices and sensor status to
// downstream consumers.
package sinks

import (
	"context"
	"time"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Sink is one downstream consumer. Implementations must honour ctx and must
// not retain d or st after returning.
type Sink interface {
	Name() string
	PublishDetection(ctx context.Context, d *models.Detection) error
	PublishOffline(ctx context.Context, d *models.Detection) error
	Send(ctx context.Context, st *models.StatusMessage) error
	Close() error
}

// Message types
const (
	TypeDetection = "detection"
	TypeOffline   = "offline"
	TypeStatus    = "status"
)

// Message is the JSON envelope shared by the JSON-speaking sinks.
type Message struct {
	Type      string                `json:"type"`
	Kind      models.Kind           `json:"kind,omitempty"`
	Activity  models.ActivityState  `json:"activity,omitempty"`
	Identity  string                `json:"identity,omitempty"`
	Detection *models.Detection     `json:"detection,omitempty"`
	Status    *models.StatusMessage `json:"status,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// DetectionMessage wraps a detection update.
func DetectionMessage(d *models.Detection, now time.Time) Message {
	return Message{
		Type:      TypeDetection,
		Kind:      d.Kind(),
		Activity:  d.Activity(now),
		Detection: d,
		Timestamp: now.UTC(),
	}
}

// OfflineMessage announces that an entity is no longer tracked.
func OfflineMessage(d *models.Detection, now time.Time) Message {
	return Message{
		Type:      TypeOffline,
		Kind:      d.Kind(),
		Identity:  d.SignalIdentity(),
		Detection: d,
		Timestamp: now.UTC(),
	}
}

// StatusMessage wraps a sensor health report.
func StatusMessage(st *models.StatusMessage, now time.Time) Message {
	return Message{
		Type:      TypeStatus,
		Identity:  st.SerialNumber,
		Status:    st,
		Timestamp: now.UTC(),
	}
}
