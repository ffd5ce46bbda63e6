package normalizer

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/hervehildenbrand/rid-radar/pkg/cot"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

var errNoIdentity = errors.New("telemetry has no serial, registration or MAC")

// Remote ID message names in the sensor's JSON dialect.
const (
	keyLocation   = "Location/Vector Message"
	keySystem     = "System Message"
	keySelfID     = "Self-ID Message"
	keyOperatorID = "Operator ID Message"
)

// bridgeTelemetry converts a JSON Remote ID frame into the CoT event the
// multicast feed would have carried for the same drone.
func bridgeTelemetry(env envelope, now time.Time) (*cot.Event, error) {
	var serial, serialType, caa, caaType, mac, uaType string
	var rssi float64

	for _, b := range env.all(keyBasicID) {
		if m := b.str("MAC", "mac"); m != "" && mac == "" {
			mac = m
		}
		if v, ok := b.num("RSSI", "rssi"); ok && rssi == 0 {
			rssi = v
		}
		if ua := b.str("ua_type"); ua != "" && uaType == "" {
			uaType = ua
		}

		id, idType := b.str("id"), b.str("id_type")
		if id == "" || strings.EqualFold(id, "N/A") {
			continue
		}
		if isCAA(idType) {
			if caa == "" {
				caa, caaType = id, idType
			}
			continue
		}
		if serial == "" {
			serial, serialType = id, idType
		}
	}
	if mac == "" {
		mac = env.str("MAC", "mac")
	}
	if rssi == 0 {
		rssi, _ = env.num("rssi", "RSSI")
	}

	uid, idType := serial, serialType
	switch {
	case serial != "":
	case caa != "":
		uid, idType = caa, caaType
	case mac != "":
		uid = mac
	default:
		return nil, errNoIdentity
	}

	loc := env.fields(keyLocation)
	lat, _ := loc.num("latitude", "lat")
	lon, _ := loc.num("longitude", "lon")
	alt, _ := loc.num("geodetic_altitude", "altitude", "alt")
	agl, _ := loc.num("height_agl", "agl")
	speed, _ := loc.num("speed", "speed_horizontal")
	vspeed, _ := loc.num("vert_speed", "speed_vertical")
	direction, _ := loc.num("direction", "course", "track")

	system := env.fields(keySystem)
	opLat, _ := system.num("operator_lat", "latitude")
	opLon, _ := system.num("operator_lon", "longitude")
	homeLat, _ := system.num("home_lat")
	homeLon, _ := system.num("home_lon")

	index, _ := env.num("index")
	runtime, _ := env.num("runtime")
	freq, _ := env.num("freq", "frequency")
	observedAt, _ := env.num("observed_at")

	rid := env.fields("rid")

	var remarks cot.RemarksBuilder
	remarks.Add("MAC", mac).
		AddFloat("RSSI", rssi, "dBm").
		Add("ID Type", idType).
		Add("UA Type", uaType).
		Add("CAA", caa).
		Add("Operator ID", env.fields(keyOperatorID).str("operator_id")).
		Add("Self-ID", env.fields(keySelfID).str("text", "description")).
		AddFloat("Speed", speed, " m/s").
		AddFloat("Vert Speed", vspeed, " m/s").
		AddFloat("Altitude", alt, " m").
		AddFloat("AGL", agl, " m").
		AddFloat("Direction", direction, "").
		AddFloat("Index", index, "").
		AddFloat("Runtime", runtime, "").
		AddFloat("Freq", freq, "").
		Add("Seen By", env.str("seen_by")).
		AddFloat("Observed At", observedAt, "").
		Add("RID Time", env.str("rid_timestamp")).
		Add("RID", formatRID(rid.str("make"), rid.str("model"), rid.str("source"))).
		AddFloat("Operator Lat", opLat, "").
		AddFloat("Operator Lon", opLon, "").
		AddFloat("Home Lat", homeLat, "").
		AddFloat("Home Lon", homeLon, "")

	ev := cot.NewEvent(uid, cot.TypeDrone, now, models.ActivityWindow)
	ev.Point.Lat = lat
	ev.Point.Lon = lon
	ev.Point.Hae = alt
	ev.Detail.Contact = &cot.Contact{Callsign: uid}
	ev.Detail.Remarks = remarks.String()
	if speed != 0 || direction != 0 {
		ev.Detail.Track = &cot.Track{Course: direction, Speed: speed}
	}
	return ev, nil
}

func formatRID(ridMake, model, source string) string {
	s := strings.TrimSpace(ridMake + " " + model)
	if s == "" {
		return ""
	}
	if source != "" {
		s += " (" + source + ")"
	}
	return s
}

// formatMHz renders a frequency for use inside an id.
func formatMHz(mhz float64) string {
	return strconv.FormatFloat(mhz, 'f', -1, 64)
}
