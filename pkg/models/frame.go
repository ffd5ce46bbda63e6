package models

import "time"

// Frame sources
const (
	SourceMulticast = "multicast"
	SourceTelemetry = "telemetry"
	SourceStatus    = "status"
)

// Frame is one raw payload received from a transport.
type Frame struct {
	Source     string
	Data       []byte
	ReceivedAt time.Time
}
