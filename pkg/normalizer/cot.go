package normalizer

import (
	"math"
	"strings"
	"time"

	"github.com/hervehildenbrand/rid-radar/pkg/cot"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

var knownPrefixes = []string{
	models.PrefixDrone,
	models.PrefixAircraft,
	models.PrefixFPV,
	models.PrefixPilot,
	models.PrefixHome,
}

// canonicalID keeps a known prefix or assigns one from the derived kind.
func canonicalID(uid, idType string) string {
	lower := strings.ToLower(uid)
	for _, p := range knownPrefixes {
		if strings.HasPrefix(lower, p) {
			return p + uid[len(p):]
		}
	}
	if models.KindOf(uid, idType, false) == models.KindAircraft {
		return models.PrefixAircraft + uid
	}
	return models.PrefixDrone + uid
}

func isCAA(idType string) bool {
	return strings.Contains(strings.ToLower(idType), "caa")
}

func pointPosition(p cot.Point) models.Position {
	pos := models.Position{Lat: p.Lat, Lon: p.Lon}
	if p.Hae != cot.UnknownError && !math.IsNaN(p.Hae) {
		pos.Alt = p.Hae
	}
	return pos
}

func (n *Normalizer) fromCoT(ev *cot.Event, source string, receivedAt time.Time, raw models.RawExtension) Result {
	r := cot.ParseRemarks(ev.Detail.Remarks)
	if r.Has("cpu usage") || ev.Type == cot.TypeSensor {
		return Result{Kind: ResultStatus, Status: statusFromCoT(ev, r, receivedAt)}
	}

	idType := r.String("id type")
	d := &models.Detection{
		ID:          canonicalID(ev.UID, idType),
		Position:    pointPosition(ev.Point),
		IDType:      idType,
		LastUpdated: receivedAt,
		Raw:         raw,
	}

	if d.IsCompanion() {
		return Result{Kind: ResultDetection, Detection: d}
	}

	if ev.Detail.Track != nil {
		d.Course = ev.Detail.Track.Course
		d.Speed = ev.Detail.Track.Speed
	}
	if v, ok := r.Float("speed"); ok && d.Speed == 0 {
		d.Speed = v
	}
	if v, ok := r.Float("direction", "course"); ok && d.Course == 0 {
		d.Course = v
	}
	if v, ok := r.Float("altitude", "geodetic altitude"); ok && d.Position.Alt == 0 {
		d.Position.Alt = v
	}
	d.HeightAGL, _ = r.Float("agl", "height agl")
	d.VerticalSpeed, _ = r.Float("vert speed", "vertical speed")

	d.MAC = r.String("mac")
	d.RSSI, _ = r.Float("rssi")
	d.UAType = r.String("ua type")
	d.OperatorID = r.String("operator id")
	d.Description = r.String("self-id", "description")
	d.Manufacturer = r.String("manufacturer")
	d.CAARegistration = r.String("caa", "caa registration")

	if isCAA(idType) {
		d.RegistrationOnly = true
		if d.CAARegistration == "" {
			d.CAARegistration = strings.TrimPrefix(d.ID, models.PrefixDrone)
		}
	}

	if v, ok := r.Float("index"); ok {
		d.Index = int(v)
	}
	if v, ok := r.Float("runtime"); ok {
		d.Runtime = int(v)
	}
	if v, ok := r.Float("freq", "frequency"); ok && v > 0 {
		d.Frequency = n.rules().For(source).ToMHz(v)
	}
	d.SeenBy = r.String("seen by")
	if v, ok := r.Float("observed at"); ok && v > 0 {
		d.ObservedAt = unixFloat(v)
	}
	d.RIDMake, d.RIDModel, d.RIDSource = parseRID(r.String("rid"))
	if d.Manufacturer == "" {
		d.Manufacturer = d.RIDMake
	}

	d.Pilot = remarksPosition(r, "operator lat", "operator lon", "pilot lat", "pilot lon")
	d.Home = remarksPosition(r, "home lat", "home lon", "", "")

	if d.Kind() == models.KindAircraft && d.Description == "" && ev.Detail.Contact != nil {
		d.Description = ev.Detail.Contact.Callsign
	}

	return Result{Kind: ResultDetection, Detection: d}
}

func remarksPosition(r cot.Remarks, latKey, lonKey, altLatKey, altLonKey string) models.Position {
	lat, _ := r.Float(latKey, altLatKey)
	lon, _ := r.Float(lonKey, altLonKey)
	return models.Position{Lat: lat, Lon: lon}
}

// parseRID splits "DJI Mini 3 Pro (ble)" into make, model and source.
func parseRID(s string) (ridMake, model, source string) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "N/A") {
		return "", "", ""
	}
	if open := strings.LastIndex(s, "("); open >= 0 && strings.HasSuffix(s, ")") {
		source = strings.TrimSpace(s[open+1 : len(s)-1])
		s = strings.TrimSpace(s[:open])
	}
	ridMake, model, _ = strings.Cut(s, " ")
	return ridMake, strings.TrimSpace(model), source
}

func unixFloat(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func statusFromCoT(ev *cot.Event, r cot.Remarks, receivedAt time.Time) *models.StatusMessage {
	s := &models.StatusMessage{
		SerialNumber:    ev.UID,
		Position:        pointPosition(ev.Point),
		CPUUsage:        optional(r.Float("cpu usage")),
		MemoryTotal:     optional(r.Float("memory total")),
		MemoryAvailable: optional(r.Float("memory available")),
		DiskTotal:       optional(r.Float("disk total")),
		DiskUsed:        optional(r.Float("disk used")),
		Temperature:     optional(r.Float("temperature")),
		Uptime:          optional(r.Float("uptime")),
		PlutoTemp:       optional(r.Float("pluto temp")),
		ZynqTemp:        optional(r.Float("zynq temp")),
		Timestamp:       ev.EventTime(),
	}
	if ev.Detail.Track != nil {
		s.Track = ev.Detail.Track.Course
		s.Speed = ev.Detail.Track.Speed
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = receivedAt
	}
	return s
}
