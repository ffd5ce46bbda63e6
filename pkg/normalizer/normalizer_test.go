package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

var received = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return New(zap.NewNop(), DefaultFrequencyRules())
}

func frame(source, data string) models.Frame {
	return models.Frame{Source: source, Data: []byte(data), ReceivedAt: received}
}

func TestNormalize_FPVUpdate(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry, `{
		"frequency": 5785000000,
		"rssi": 1500,
		"AUX_ADV_IND": {"rssi": 1500, "aa": 2391391958, "time": 1700000000},
		"aext": {"AdvA": "01-97e8 random"}
	}`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.Equal(t, "fpv-01-97e8-5785", d.ID)
	assert.Equal(t, models.KindFPV, d.Kind())
	assert.InDelta(t, 5785.0, d.Frequency, 1e-9)
	assert.InDelta(t, 1500.0, d.RSSI, 1e-9)
	assert.False(t, d.Position.HasFix())
	require.NotNil(t, d.FPV)
	assert.True(t, d.FPV.Update)
	assert.Equal(t, "01-97e8", d.FPV.DetectionSource)
	assert.Equal(t, "fpv-json", d.Raw.Format)
}

func TestNormalize_FPVNewContact(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry, `[{"FPV Detection": {
		"timestamp": "2025-01-01T10:00:00Z",
		"manufacturer": "Generic",
		"device_type": "FPV Camera",
		"frequency": 5800,
		"bandwidth": "20MHz",
		"signal_strength": 1300,
		"detection_source": "01-97e8",
		"status": "NEW CONTACT LOCK",
		"estimated_distance": 120
	}}]`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.Equal(t, "fpv-01-97e8-5800", d.ID)
	assert.Equal(t, "Generic", d.Manufacturer)
	assert.Equal(t, "FPV Camera", d.Description)
	assert.InDelta(t, 1300.0, d.RSSI, 1e-9)
	require.NotNil(t, d.FPV)
	assert.False(t, d.FPV.Update)
	assert.Equal(t, "NEW CONTACT LOCK", d.FPV.Status)
	assert.Equal(t, "20MHz", d.FPV.Bandwidth)
	assert.InDelta(t, 120.0, d.FPV.Distance, 1e-9)
}

func TestNormalize_FPVWithoutSource(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry, `{"frequency": 5740, "AUX_ADV_IND": {"rssi": 1200}}`))

	require.Equal(t, ResultDetection, res.Kind)
	assert.Equal(t, "fpv-unknown-5740", res.Detection.ID)
	assert.InDelta(t, 1200.0, res.Detection.RSSI, 1e-9)
}

func TestNormalize_ESP32Telemetry(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry, `{
		"index": 57,
		"runtime": 11,
		"Basic ID": {"id": "1581F5FJD239C00DW22E", "id_type": "Serial Number (ANSI/CTA-2063-A)",
			"ua_type": "Helicopter (or Multirotor)", "MAC": "60:60:1f:aa:bb:cc", "RSSI": -60},
		"Location/Vector Message": {"latitude": 45.1, "longitude": -122.3, "speed": "5.5 m/s",
			"vert_speed": "0.25 m/s", "geodetic_altitude": "120.5 m", "height_agl": "64.5 m", "direction": 90},
		"System Message": {"operator_lat": 45.2, "operator_lon": -122.4, "home_lat": 45.3, "home_lon": -122.5},
		"Self-ID Message": {"text": "Recreational, local"},
		"freq": 5785000000,
		"seen_by": "wardragon-1",
		"observed_at": 1700000000.5,
		"rid": {"make": "DJI", "model": "Mini 3", "source": "ble"}
	}`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.Equal(t, "drone-1581F5FJD239C00DW22E", d.ID)
	assert.Equal(t, "Serial Number (ANSI/CTA-2063-A)", d.IDType)
	assert.Equal(t, "Helicopter (or Multirotor)", d.UAType)
	assert.Equal(t, "60:60:1f:aa:bb:cc", d.MAC)
	assert.InDelta(t, -60.0, d.RSSI, 1e-9)

	assert.InDelta(t, 45.1, d.Position.Lat, 1e-9)
	assert.InDelta(t, -122.3, d.Position.Lon, 1e-9)
	assert.InDelta(t, 120.5, d.Position.Alt, 1e-9)
	assert.InDelta(t, 64.5, d.HeightAGL, 1e-9)
	assert.InDelta(t, 5.5, d.Speed, 1e-9)
	assert.InDelta(t, 0.25, d.VerticalSpeed, 1e-9)
	assert.InDelta(t, 90.0, d.Course, 1e-9)

	assert.Equal(t, models.Position{Lat: 45.2, Lon: -122.4}, d.Pilot)
	assert.Equal(t, models.Position{Lat: 45.3, Lon: -122.5}, d.Home)
	assert.Equal(t, "Recreational  local", d.Description)

	assert.Equal(t, 57, d.Index)
	assert.Equal(t, 11, d.Runtime)
	assert.InDelta(t, 5785.0, d.Frequency, 1e-9)
	assert.Equal(t, "wardragon-1", d.SeenBy)
	assert.True(t, d.ObservedAt.Equal(time.Unix(1700000000, 500000000)))
	assert.Equal(t, "DJI", d.RIDMake)
	assert.Equal(t, "Mini 3", d.RIDModel)
	assert.Equal(t, "ble", d.RIDSource)
	assert.Equal(t, "DJI", d.Manufacturer)

	assert.Equal(t, "cot", d.Raw.Format)
	assert.Contains(t, string(d.Raw.Data), `type="a-u-A-M-H-R"`)
	assert.Equal(t, received, d.LastUpdated)
}

func TestNormalize_BasicIDArrayWithCAA(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry, `[
		{"Basic ID": {"id_type": "Serial Number (ANSI/CTA-2063-A)", "id": "112624150A90E3AE1EC0", "MAC": "8e:3b:93:22:11:00", "RSSI": -72}},
		{"Basic ID": {"id_type": "CAA Assigned Registration ID", "id": "FIN87astrdge12k8"}},
		{"Location/Vector Message": {"latitude": 60.1, "longitude": 24.9}}
	]`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.Equal(t, "drone-112624150A90E3AE1EC0", d.ID)
	assert.NotEmpty(t, d.IDType)
	assert.Equal(t, "FIN87astrdge12k8", d.CAARegistration)
	assert.False(t, d.RegistrationOnly)
	assert.InDelta(t, 60.1, d.Position.Lat, 1e-9)
}

func TestNormalize_CAAOnly(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry,
		`{"Basic ID": [{"id_type": "CAA Assigned Registration ID", "id": "FIN87", "MAC": "8e:3b:93:22:11:00"}]}`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.True(t, d.RegistrationOnly)
	assert.Equal(t, "FIN87", d.CAARegistration)
	assert.Equal(t, "8e:3b:93:22:11:00", d.MAC)
}

func TestNormalize_DroneIDWrapper(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry, `{"DroneID": {"60:60:1f:aa:bb:cc": {
		"AUX_ADV_IND": {"rssi": -70},
		"Basic ID": {"id": "SER1", "id_type": "Serial Number (ANSI/CTA-2063-A)"}
	}}}`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	assert.Equal(t, "drone-SER1", res.Detection.ID)
	assert.Equal(t, "60:60:1f:aa:bb:cc", res.Detection.MAC)
}

func TestNormalize_BasicIDWithoutIdentity(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceTelemetry, `{"Basic ID": {"id_type": "None"}}`))
	assert.Equal(t, ResultIgnored, res.Kind)
	assert.NotEmpty(t, res.Reason)
}

const droneCoT = `<?xml version="1.0" encoding="UTF-8"?>
<event version="2.0" uid="drone-ABC" type="a-u-A-M-H-R" time="2025-01-01T10:00:00.000Z" start="2025-01-01T10:00:00.000Z" stale="2025-01-01T10:05:00.000Z" how="m-g">
  <point lat="1.5" lon="2.5" hae="100" ce="35" le="999999"/>
  <detail>
    <contact callsign="drone-ABC"/>
    <track course="45" speed="12"/>
    <remarks>MAC: e0:4e:7a:9a:67:99, RSSI: -60dBm; Self-ID: Recreational; ID Type: Serial Number (ANSI/CTA-2063-A); UA Type: Helicopter (or Multirotor); Operator ID: OP-1; Speed: 12.0 m/s; Vert Speed: 1.5 m/s; Altitude: 100.0 m; AGL: 50.0 m; Direction: 45°; Index: 3; Runtime: 20; Freq: 2412.0; Seen By: wardragon-2</remarks>
  </detail>
</event>`

func TestNormalize_CoTDrone(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceMulticast, droneCoT))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.Equal(t, "drone-ABC", d.ID)
	assert.Equal(t, models.Position{Lat: 1.5, Lon: 2.5, Alt: 100}, d.Position)
	assert.InDelta(t, 45.0, d.Course, 1e-9)
	assert.InDelta(t, 12.0, d.Speed, 1e-9)
	assert.InDelta(t, 1.5, d.VerticalSpeed, 1e-9)
	assert.InDelta(t, 50.0, d.HeightAGL, 1e-9)
	assert.Equal(t, "e0:4e:7a:9a:67:99", d.MAC)
	assert.InDelta(t, -60.0, d.RSSI, 1e-9)
	assert.Equal(t, "Recreational", d.Description)
	assert.Equal(t, "OP-1", d.OperatorID)
	assert.Equal(t, 3, d.Index)
	assert.Equal(t, 20, d.Runtime)
	assert.InDelta(t, 2412.0, d.Frequency, 1e-9)
	assert.Equal(t, "wardragon-2", d.SeenBy)
	assert.False(t, d.IsCompanion())
}

func TestNormalize_CoTLegacyRemarks(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceMulticast, `<event version="2.0" uid="ABC123" type="a-u-A-M-H-R" time="2025-01-01T10:00:00.000Z">
  <point lat="10.5" lon="20.5" hae="999999" ce="35" le="999999"/>
  <detail><remarks>MAC: e0:4e:7a:9a:67:99, RSSI: -59dBm, Self-ID: Recreational, Location/Vector: [Speed: 15.0 m/s, Vert Speed: -1.0 m/s, Geodetic Altitude: 120.0 m, Height AGL: 50.0 m], System: [Operator Lat: 10.0, Operator Lon: 20.0, Home Lat: 11.0, Home Lon: 21.0]</remarks></detail>
</event>`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.Equal(t, "drone-ABC123", d.ID)
	assert.InDelta(t, 120.0, d.Position.Alt, 1e-9)
	assert.InDelta(t, 15.0, d.Speed, 1e-9)
	assert.InDelta(t, -1.0, d.VerticalSpeed, 1e-9)
	assert.InDelta(t, 50.0, d.HeightAGL, 1e-9)
	assert.Equal(t, models.Position{Lat: 10.0, Lon: 20.0}, d.Pilot)
	assert.Equal(t, models.Position{Lat: 11.0, Lon: 21.0}, d.Home)
}

func TestNormalize_CoTCompanion(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceMulticast, `<event version="2.0" uid="pilot-42" type="b-m-p-s-m" time="2025-01-01T10:00:00.000Z">
  <point lat="3.5" lon="4.5" hae="0" ce="35" le="999999"/><detail><remarks>Pilot location for drone 42</remarks></detail>
</event>`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	d := res.Detection
	assert.Equal(t, "pilot-42", d.ID)
	assert.True(t, d.IsCompanion())
	target, pilot, ok := d.CompanionTarget()
	assert.True(t, ok)
	assert.True(t, pilot)
	assert.Equal(t, "drone-42", target)
	assert.Equal(t, models.Position{Lat: 3.5, Lon: 4.5}, d.Position)
}

func TestNormalize_CoTAircraft(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceMulticast, `<event version="2.0" uid="adsb-a1b2c3" type="a-u-A-C-F" time="2025-01-01T10:00:00.000Z">
  <point lat="40" lon="-75" hae="3000" ce="35" le="999999"/><detail><contact callsign="UAL123"/></detail>
</event>`))

	require.Equal(t, ResultDetection, res.Kind, res.Reason)
	assert.Equal(t, "aircraft-adsb-a1b2c3", res.Detection.ID)
	assert.Equal(t, models.KindAircraft, res.Detection.Kind())
	assert.Equal(t, "UAL123", res.Detection.Description)
}

func TestNormalize_CoTStatus(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceMulticast, `<event version="2.0" uid="wardragon-abc" type="a-f-G-E-S" time="2025-01-01T10:00:00.000Z">
  <point lat="40.0" lon="-75.0" hae="10" ce="35" le="999999"/>
  <detail><track course="180" speed="0"/><remarks>CPU Usage: 12.5%, Memory Total: 8000.00 MB, Memory Available: 4000.00 MB, Disk Total: 100.00 MB, Disk Used: 40.00 MB, Temperature: 45.1°C, Uptime: 3600.0 seconds, Pluto Temp: N/A°C, Zynq Temp: 45.5°C</remarks></detail>
</event>`))

	require.Equal(t, ResultStatus, res.Kind, res.Reason)
	s := res.Status
	assert.Equal(t, "wardragon-abc", s.SerialNumber)
	assert.Equal(t, models.Position{Lat: 40, Lon: -75, Alt: 10}, s.Position)
	require.NotNil(t, s.CPUUsage)
	assert.InDelta(t, 12.5, *s.CPUUsage, 1e-9)
	require.NotNil(t, s.Uptime)
	assert.InDelta(t, 3600.0, *s.Uptime, 1e-9)
	assert.Nil(t, s.PlutoTemp)
	require.NotNil(t, s.ZynqTemp)
	assert.InDelta(t, 45.5, *s.ZynqTemp, 1e-9)
	assert.InDelta(t, 180.0, s.Track, 1e-9)
	assert.True(t, s.Timestamp.Equal(received))
}

func TestNormalize_StatusJSON(t *testing.T) {
	n := newTestNormalizer()
	res := n.Normalize(frame(models.SourceStatus, `{
		"serial_number": "wardragon-abc",
		"timestamp": 1700000000,
		"gps_data": {"latitude": 40.0, "longitude": -75.0, "altitude": 10, "speed": 0, "track": 180},
		"system_stats": {"cpu_usage": 12.5, "memory": {"total": 8000, "available": 4000},
			"disk": {"total": 100, "used": 40}, "temperature": "N/A", "uptime": 3600},
		"ant_sdr_temps": {"pluto_temp": "N/A", "zynq_temp": "45.5"}
	}`))

	require.Equal(t, ResultStatus, res.Kind, res.Reason)
	s := res.Status
	assert.Equal(t, "wardragon-abc", s.SerialNumber)
	assert.InDelta(t, 40.0, s.Position.Lat, 1e-9)
	require.NotNil(t, s.MemoryAvailable)
	assert.InDelta(t, 4000.0, *s.MemoryAvailable, 1e-9)
	require.NotNil(t, s.DiskUsed)
	assert.InDelta(t, 40.0, *s.DiskUsed, 1e-9)
	assert.Nil(t, s.Temperature)
	assert.Nil(t, s.PlutoTemp)
	require.NotNil(t, s.ZynqTemp)
	assert.InDelta(t, 45.5, *s.ZynqTemp, 1e-9)
	assert.True(t, s.Timestamp.Equal(time.Unix(1700000000, 0)))
}

func TestNormalize_Ignored(t *testing.T) {
	n := newTestNormalizer()
	tests := []struct {
		name string
		data string
	}{
		{"empty", "   "},
		{"not json", "hello world"},
		{"truncated json", `{"Basic ID": {"id": "x"`},
		{"unknown object", `{"foo": "bar"}`},
		{"malformed cot", `<event uid="x"><point`},
		{"cot without uid", `<event version="2.0"></event>`},
		{"fpv without frequency", `{"FPV Detection": {"detection_source": "01"}}`},
		{"json scalar", `42`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.Normalize(frame(models.SourceTelemetry, tt.data))
			assert.Equal(t, ResultIgnored, res.Kind)
			assert.NotEmpty(t, res.Reason)
		})
	}

	stats := n.Stats()
	assert.Equal(t, uint64(len(tests)), stats["ignored"])
}

func TestNormalize_ZeroReceivedAtUsesClock(t *testing.T) {
	n := newTestNormalizer()
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	res := n.Normalize(models.Frame{Source: models.SourceMulticast, Data: []byte(droneCoT)})
	require.Equal(t, ResultDetection, res.Kind)
	assert.Equal(t, fixed, res.Detection.LastUpdated)
}
