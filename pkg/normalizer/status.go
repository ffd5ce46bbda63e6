package normalizer

import (
	"time"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// fromStatusJSON reads the sensor's system_stats report. Every metric is
// optional and "N/A" leaves it unset.
func (n *Normalizer) fromStatusJSON(env envelope, receivedAt time.Time) Result {
	stats := env.fields(keySystemStats)
	gps := env.fields("gps_data")
	memory := stats.obj("memory")
	disk := stats.obj("disk")
	temps := env.fields("ant_sdr_temps")

	s := &models.StatusMessage{
		SerialNumber:    env.str("serial_number"),
		CPUUsage:        optional(stats.num("cpu_usage")),
		MemoryTotal:     optional(firstNum(memory, "total", stats, "memory_total")),
		MemoryAvailable: optional(firstNum(memory, "available", stats, "memory_available")),
		DiskTotal:       optional(firstNum(disk, "total", stats, "disk_total")),
		DiskUsed:        optional(firstNum(disk, "used", stats, "disk_used")),
		Temperature:     optional(stats.num("temperature")),
		Uptime:          optional(stats.num("uptime")),
		PlutoTemp:       optional(firstNum(temps, "pluto_temp", stats, "pluto_temp")),
		ZynqTemp:        optional(firstNum(temps, "zynq_temp", stats, "zynq_temp")),
		Timestamp:       receivedAt,
	}

	s.Position.Lat, _ = gps.num("latitude", "lat")
	s.Position.Lon, _ = gps.num("longitude", "lon")
	s.Position.Alt, _ = gps.num("altitude", "alt")
	s.Track, _ = gps.num("track", "course")
	s.Speed, _ = gps.num("speed")

	if ts, ok := env.num("timestamp"); ok && ts > 0 {
		s.Timestamp = unixFloat(ts)
	}
	if s.SerialNumber == "" {
		s.SerialNumber = stats.str("serial_number")
	}

	return Result{Kind: ResultStatus, Status: s}
}

func firstNum(primary fields, primaryKey string, fallback fields, fallbackKey string) (float64, bool) {
	if v, ok := primary.num(primaryKey); ok {
		return v, true
	}
	return fallback.num(fallbackKey)
}
