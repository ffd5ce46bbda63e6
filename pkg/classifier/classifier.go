// Package classifier provides the signature, spoof and distance collaborators
// the engine consults for every detection.
package classifier

import (
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/hervehildenbrand/rid-radar/pkg/geo"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Signature is a stable fingerprint of an entity's broadcast identity fields.
type Signature struct {
	EntityID    string
	Fingerprint string
}

// SignatureGenerator fingerprints detections.
type SignatureGenerator interface {
	CreateSignature(d *models.Detection) Signature
}

// SpoofDetector judges whether a detection's claimed position is plausible.
// It returns nil when it has nothing to say.
type SpoofDetector interface {
	DetectSpoof(previous, current *models.Detection, sensor models.Position) *models.SpoofState
}

// DistanceModel estimates range in meters from a received signal strength.
type DistanceModel interface {
	CalculateDistance(rssi float64) float64
}

// fingerprintSpace namespaces signature UUIDs.
var fingerprintSpace = uuid.MustParse("6f1c2a4e-9b7d-4c55-8f3e-2d1a0b9c8e7f")

// FieldSignature fingerprints the identity fields that stay constant for one airframe.
type FieldSignature struct{}

// CreateSignature implements SignatureGenerator.
func (FieldSignature) CreateSignature(d *models.Detection) Signature {
	parts := []string{
		strings.ToLower(d.MAC),
		d.IDType,
		d.UAType,
		d.Manufacturer,
		d.RIDMake,
		d.RIDModel,
		d.OperatorID,
	}
	return Signature{
		EntityID:    d.ID,
		Fingerprint: uuid.NewSHA1(fingerprintSpace, []byte(strings.Join(parts, "|"))).String(),
	}
}

// LogDistance is the log-distance path loss model.
type LogDistance struct {
	// ReferenceRSSI is the expected rssi at one meter.
	ReferenceRSSI float64
	// PathLossExponent is 2 in free space and larger in clutter.
	PathLossExponent float64
}

// DefaultLogDistance suits 2.4 GHz Remote ID broadcasts in light clutter.
func DefaultLogDistance() LogDistance {
	return LogDistance{ReferenceRSSI: -40, PathLossExponent: 2.5}
}

// CalculateDistance implements DistanceModel. Non-negative rssi values are not
// dBm readings and yield NaN.
func (m LogDistance) CalculateDistance(rssi float64) float64 {
	if rssi >= 0 || math.IsNaN(rssi) || m.PathLossExponent <= 0 {
		return math.NaN()
	}
	return math.Pow(10, (m.ReferenceRSSI-rssi)/(10*m.PathLossExponent))
}

// ConsistencyDetector flags detections whose claimed position disagrees with
// the signal strength or that moved faster than an airframe can.
type ConsistencyDetector struct {
	Distance DistanceModel
	// RangeFactor is how many times the rssi-implied range the claimed range may be.
	RangeFactor float64
	// MinRange ignores range checks inside this distance in meters.
	MinRange float64
	// MaxSpeed is the fastest plausible ground speed in m/s.
	MaxSpeed float64
}

// NewConsistencyDetector returns a detector with conservative thresholds.
func NewConsistencyDetector(distance DistanceModel) *ConsistencyDetector {
	return &ConsistencyDetector{
		Distance:    distance,
		RangeFactor: 10,
		MinRange:    1000,
		MaxSpeed:    100,
	}
}

// DetectSpoof implements SpoofDetector.
func (c *ConsistencyDetector) DetectSpoof(previous, current *models.Detection, sensor models.Position) *models.SpoofState {
	if current == nil || !current.Position.HasFix() || current.Kind() != models.KindDrone {
		return nil
	}

	state := &models.SpoofState{}
	checks := 0

	if sensor.HasFix() && current.RSSI < 0 && c.Distance != nil {
		if implied := c.Distance.CalculateDistance(current.RSSI); !math.IsNaN(implied) {
			checks++
			claimed := geo.Distance(sensor, current.Position)
			if claimed > c.MinRange && claimed > implied*c.RangeFactor {
				state.Reasons = append(state.Reasons, "claimed range exceeds signal range")
			}
		}
	}

	if previous != nil && previous.Position.HasFix() {
		elapsed := current.LastUpdated.Sub(previous.LastUpdated).Seconds()
		if elapsed > 0 {
			checks++
			if geo.Distance(previous.Position, current.Position)/elapsed > c.MaxSpeed {
				state.Reasons = append(state.Reasons, "implausible ground speed")
			}
		}
	}

	if checks == 0 {
		return nil
	}
	state.Suspected = len(state.Reasons) > 0
	state.Confidence = float64(len(state.Reasons)) / float64(checks)
	return state
}

// NullSignature returns an empty fingerprint.
type NullSignature struct{}

// CreateSignature implements SignatureGenerator.
func (NullSignature) CreateSignature(d *models.Detection) Signature {
	return Signature{EntityID: d.ID}
}

// NullSpoofDetector never has an opinion.
type NullSpoofDetector struct{}

// DetectSpoof implements SpoofDetector.
func (NullSpoofDetector) DetectSpoof(_, _ *models.Detection, _ models.Position) *models.SpoofState {
	return nil
}

// NullDistance has no model; callers fall back to their band maximum.
type NullDistance struct{}

// CalculateDistance implements DistanceModel.
func (NullDistance) CalculateDistance(float64) float64 {
	return math.NaN()
}
