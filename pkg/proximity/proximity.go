// Package proximity turns signal strength into alert-ring radii for entities
// that report no position.
package proximity

import (
	"math"

	"github.com/hervehildenbrand/rid-radar/pkg/classifier"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Band selects the radius scale for a reading.
type Band int

const (
	// BandStandard covers Wi-Fi, Bluetooth and SDR readings in dBm.
	BandStandard Band = iota
	// BandFPV covers the FPV receiver's raw 1100-2800 signal scale.
	BandFPV
	// BandADSB covers ADS-B receiver readings in dBFS.
	BandADSB
)

// Radius limits in meters
const (
	MinRadius       = 10.0
	MaxRadius       = 500.0
	fpvFloorSignal  = 1100.0
	fpvCeilSignal   = 2800.0
	fpvCeilRadius   = 20.0
	fpvDecayRate    = 3.0
	adsbMaxDistance = 5000.0
)

// BandFor picks the band for an entity kind and primary medium.
func BandFor(kind models.Kind, medium models.Medium) Band {
	switch {
	case kind == models.KindAircraft:
		return BandADSB
	case kind == models.KindFPV, medium == models.MediumFPV:
		return BandFPV
	default:
		return BandStandard
	}
}

// Estimator maps rssi to a radius. It is pure given its DistanceModel.
type Estimator struct {
	model classifier.DistanceModel
}

// NewEstimator uses model for the standard band.
func NewEstimator(model classifier.DistanceModel) *Estimator {
	if model == nil {
		model = classifier.NullDistance{}
	}
	return &Estimator{model: model}
}

// EstimateRadius returns a radius in meters, never zero or negative. NaN input
// yields the band maximum.
func (e *Estimator) EstimateRadius(rssi float64, band Band) float64 {
	switch band {
	case BandFPV:
		return fpvRadius(rssi)
	case BandADSB:
		return adsbRadius(rssi)
	default:
		if math.IsNaN(rssi) {
			return MaxRadius
		}
		d := e.model.CalculateDistance(rssi)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return MaxRadius
		}
		return clamp(d)
	}
}

// fpvRadius decays exponentially from 500 m at the floor signal to 20 m at the ceiling.
func fpvRadius(signal float64) float64 {
	switch {
	case math.IsNaN(signal), signal <= fpvFloorSignal:
		return MaxRadius
	case signal >= fpvCeilSignal:
		return fpvCeilRadius
	}
	n := (signal - fpvFloorSignal) / (fpvCeilSignal - fpvFloorSignal)
	return clamp(MaxRadius * math.Exp(-fpvDecayRate*n))
}

func adsbRadius(dbfs float64) float64 {
	switch {
	case math.IsNaN(dbfs):
		return adsbMaxDistance
	case dbfs >= -10:
		return 100
	case dbfs >= -20:
		return 500
	case dbfs >= -30:
		return 1000
	case dbfs >= -40:
		return 2500
	default:
		return adsbMaxDistance
	}
}

func clamp(r float64) float64 {
	return math.Max(MinRadius, math.Min(MaxRadius, r))
}
