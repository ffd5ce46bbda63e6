// Package signal assigns an RF medium to each observation and consolidates the
// observations of one entity into at most one source per medium.
package signal

import (
	"net"
	"sort"
	"strings"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Observation is what classification needs to know about one reading.
type Observation struct {
	Identity string
	FPV      bool
	Index    int
	Runtime  int
}

// Classify assigns a medium. FPV short-circuits; identities that are not
// hardware addresses come from the SDR; Wi-Fi frames carry an index or runtime
// counter that Bluetooth advertisements lack.
func Classify(o Observation) models.Medium {
	switch {
	case o.FPV:
		return models.MediumFPV
	case !IsHardwareAddress(o.Identity):
		return models.MediumSDR
	case o.Index != 0 || o.Runtime != 0:
		return models.MediumWiFi
	default:
		return models.MediumBluetooth
	}
}

// IsHardwareAddress reports whether s is a 6-octet MAC address.
func IsHardwareAddress(s string) bool {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	return err == nil && len(hw) == 6
}

// ObservationOf extracts the classification inputs from a detection.
func ObservationOf(d *models.Detection) Observation {
	o := Observation{
		Identity: Identity(d),
		FPV:      d.FPV != nil,
		Index:    d.Index,
		Runtime:  d.Runtime,
	}
	return o
}

// Identity is the signal identity of a single observation.
func Identity(d *models.Detection) string {
	switch {
	case d.MAC != "":
		return d.MAC
	case d.FPV != nil && d.FPV.DetectionSource != "":
		return d.FPV.DetectionSource
	}
	for _, p := range []string{models.PrefixDrone, models.PrefixAircraft, models.PrefixFPV} {
		if strings.HasPrefix(d.ID, p) {
			return strings.TrimPrefix(d.ID, p)
		}
	}
	return d.ID
}

// Attach classifies the detection's single observation and sets it as the only
// source. A zero rssi leaves the sources empty and returns models.ErrZeroSignal.
func Attach(d *models.Detection) error {
	medium := Classify(ObservationOf(d))
	src, err := models.NewSignalSource(Identity(d), d.RSSI, medium, d.LastUpdated)
	if err != nil {
		d.SignalSources = nil
		return err
	}
	d.SignalSources = []models.SignalSource{src}
	d.PrimaryMedium = medium
	return nil
}

// Merge combines two source lists. Each medium keeps the source with the later
// timestamp (incoming wins ties) and the result is ordered by medium precedence.
func Merge(existing, incoming []models.SignalSource) []models.SignalSource {
	byMedium := make(map[models.Medium]models.SignalSource, len(existing)+len(incoming))
	for _, list := range [][]models.SignalSource{existing, incoming} {
		for _, s := range list {
			if s.Medium == "" {
				s.Medium = models.MediumUnknown
			}
			if cur, ok := byMedium[s.Medium]; ok && cur.Timestamp.After(s.Timestamp) {
				continue
			}
			byMedium[s.Medium] = s
		}
	}

	out := make([]models.SignalSource, 0, len(byMedium))
	for _, s := range byMedium {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Medium.Rank() < out[j].Medium.Rank()
	})
	return out
}

// Primary returns the first source in precedence order.
func Primary(sources []models.SignalSource) (models.SignalSource, bool) {
	if len(sources) == 0 {
		return models.SignalSource{}, false
	}
	return sources[0], true
}
