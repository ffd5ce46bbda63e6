package normalizer

import (
	"strings"
	"time"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// fromFPV handles both FPV shapes: a "FPV Detection" new-contact envelope and an
// AUX_ADV_IND lock update that carries a frequency.
func (n *Normalizer) fromFPV(env envelope, update bool, transport string, receivedAt time.Time, raw []byte) Result {
	key := keyFPVDetection
	if update {
		key = keyAuxAdvInd
	}
	body := env.fields(key)

	freq, ok := body.num("frequency")
	if !ok {
		freq, ok = env.num("frequency")
	}
	if !ok || freq <= 0 {
		return ignored("fpv frame without frequency")
	}
	mhz := n.rules().forFPV(transport).ToMHz(freq)

	source := body.str("detection_source")
	if source == "" {
		if adva := env.fields("aext").str("AdvA"); adva != "" {
			source = strings.Fields(adva)[0]
		}
	}
	if source == "" {
		source = body.str("addr")
	}
	if source == "" {
		source = "unknown"
	}

	rssi, ok := env.num("rssi")
	if !ok {
		rssi, _ = body.num("signal_strength", "rssi")
	}

	distance, ok := body.num("estimated_distance")
	if !ok {
		distance, _ = env.num("distance", "estimated_distance")
	}

	status := body.str("status")
	if status == "" && update {
		status = "LOCK UPDATE"
	}

	d := &models.Detection{
		ID:           models.PrefixFPV + source + "-" + formatMHz(mhz),
		Manufacturer: body.str("manufacturer"),
		Description:  body.str("device_type"),
		RSSI:         rssi,
		Frequency:    mhz,
		FPV: &models.FPVInfo{
			Frequency:       mhz,
			Bandwidth:       body.str("bandwidth"),
			DetectionSource: source,
			Status:          status,
			Distance:        distance,
			Update:          update,
		},
		LastUpdated: receivedAt,
		Raw:         models.RawExtension{Format: "fpv-json", Data: append([]byte(nil), raw...)},
	}
	return Result{Kind: ResultDetection, Detection: d}
}
