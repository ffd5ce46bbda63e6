package registry

import (
	"strings"

	"github.com/hervehildenbrand/rid-radar/pkg/geo"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
	"github.com/hervehildenbrand/rid-radar/pkg/signal"
)

// merge folds an incoming detection into an existing entry. Zero values and
// empty strings in the incoming detection are transport defaults and never
// overwrite known data.
func merge(e *entry, in *models.Detection, historySize int) {
	cur := e.det

	if in.Position.HasFix() {
		cur.Position.Lat = in.Position.Lat
		cur.Position.Lon = in.Position.Lon
		e.pushHistory(in.Position, historySize)
	}
	if in.Position.Alt != 0 {
		cur.Position.Alt = in.Position.Alt
	}
	if in.HeightAGL != 0 {
		cur.HeightAGL = in.HeightAGL
	}
	if in.VerticalSpeed != 0 {
		cur.VerticalSpeed = in.VerticalSpeed
	}
	if in.Course != 0 && in.Speed != 0 {
		cur.Course = in.Course
		cur.Speed = in.Speed
		e.derivedCourse = false
	}
	if (cur.Course == 0 || e.derivedCourse) && len(e.history) >= 2 {
		if bearing, ok := geo.Bearing(e.history[len(e.history)-2], e.history[len(e.history)-1]); ok {
			cur.Course = bearing
			e.derivedCourse = true
		}
	}

	if in.Pilot.HasFix() {
		cur.Pilot = in.Pilot
	}
	if in.Home.HasFix() {
		cur.Home = in.Home
	}

	if in.IDType != "" && rankIDType(in.IDType) >= rankIDType(cur.IDType) {
		cur.IDType = in.IDType
	}
	mergeString(&cur.CAARegistration, in.CAARegistration)
	mergeString(&cur.Manufacturer, in.Manufacturer)
	mergeString(&cur.Description, in.Description)
	mergeString(&cur.OperatorID, in.OperatorID)
	mergeString(&cur.UAType, in.UAType)
	mergeString(&cur.MAC, in.MAC)
	mergeString(&cur.SeenBy, in.SeenBy)
	mergeString(&cur.RIDMake, in.RIDMake)
	mergeString(&cur.RIDModel, in.RIDModel)
	mergeString(&cur.RIDSource, in.RIDSource)

	if in.Frequency != 0 {
		cur.Frequency = in.Frequency
	}
	if in.Index != 0 {
		cur.Index = in.Index
	}
	if in.Runtime != 0 {
		cur.Runtime = in.Runtime
	}
	if !in.ObservedAt.IsZero() {
		cur.ObservedAt = in.ObservedAt
	}

	if len(in.SignalSources) > 0 {
		cur.SignalSources = signal.Merge(cur.SignalSources, in.SignalSources)
	} else if in.RSSI != 0 {
		cur.RSSI = in.RSSI
	}
	surfacePrimary(cur)

	if in.Spoof != nil {
		spoof := *in.Spoof
		spoof.Reasons = append([]string(nil), in.Spoof.Reasons...)
		cur.Spoof = &spoof
	}

	if in.FPV != nil {
		mergeFPV(cur, in.FPV)
	}

	if in.Raw.Data != nil {
		cur.Raw = models.RawExtension{Format: in.Raw.Format, Data: append([]byte(nil), in.Raw.Data...)}
	}
	if in.LastUpdated.After(cur.LastUpdated) {
		cur.LastUpdated = in.LastUpdated
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeFPV(cur *models.Detection, in *models.FPVInfo) {
	if cur.FPV == nil {
		fpv := *in
		cur.FPV = &fpv
		return
	}
	if in.Frequency != 0 {
		cur.FPV.Frequency = in.Frequency
	}
	mergeString(&cur.FPV.Bandwidth, in.Bandwidth)
	mergeString(&cur.FPV.DetectionSource, in.DetectionSource)
	mergeString(&cur.FPV.Status, in.Status)
	if in.Distance != 0 {
		cur.FPV.Distance = in.Distance
	}
	cur.FPV.Update = in.Update
}

// surfacePrimary copies the primary source's rssi and medium onto the detection.
func surfacePrimary(d *models.Detection) {
	if primary, ok := signal.Primary(d.SignalSources); ok {
		d.RSSI = primary.RSSI
		d.PrimaryMedium = primary.Medium
	}
}

// rankIDType orders id types: empty < generic < CAA registration < serial number.
func rankIDType(idType string) int {
	lower := strings.ToLower(idType)
	switch {
	case lower == "":
		return 0
	case strings.Contains(lower, "serial"):
		return 3
	case strings.Contains(lower, "caa"):
		return 2
	default:
		return 1
	}
}

func (e *entry) pushHistory(p models.Position, size int) {
	if n := len(e.history); n > 0 && e.history[n-1] == p {
		return
	}
	e.history = trimHistory(append(e.history, p), size)
}

func trimHistory(h []models.Position, size int) []models.Position {
	if size > 0 && len(h) > size {
		return append([]models.Position(nil), h[len(h)-size:]...)
	}
	return h
}
