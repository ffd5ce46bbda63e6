package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want models.Medium
	}{
		{"fpv wins over everything", Observation{Identity: "60:60:1f:aa:bb:cc", FPV: true, Index: 3}, models.MediumFPV},
		{"serial identity is sdr", Observation{Identity: "1581F5FJD239C00DW22E"}, models.MediumSDR},
		{"eui-64 is not a 6-octet mac", Observation{Identity: "02:00:5e:10:00:00:00:01", Index: 1}, models.MediumSDR},
		{"index means wifi", Observation{Identity: "60:60:1f:aa:bb:cc", Index: 57}, models.MediumWiFi},
		{"runtime means wifi", Observation{Identity: "60-60-1f-aa-bb-cc", Runtime: 11}, models.MediumWiFi},
		{"bare mac is bluetooth", Observation{Identity: "60:60:1f:aa:bb:cc"}, models.MediumBluetooth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.obs))
		})
	}
}

func TestMerge_LaterTimestampWins(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	a := models.SignalSource{Identity: "A", RSSI: -70, Medium: models.MediumWiFi, Timestamp: t1}
	b := models.SignalSource{Identity: "B", RSSI: -55, Medium: models.MediumWiFi, Timestamp: t1.Add(time.Second)}

	got := Merge([]models.SignalSource{a}, []models.SignalSource{b})
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0])

	// Stale incoming does not replace a newer source
	got = Merge([]models.SignalSource{b}, []models.SignalSource{a})
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0])
}

func TestMerge_OnePerMediumInPrecedenceOrder(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	existing := []models.SignalSource{
		{Identity: "x", RSSI: 1300, Medium: models.MediumFPV, Timestamp: now},
		{Identity: "x", RSSI: -80, Medium: models.MediumSDR, Timestamp: now},
	}
	incoming := []models.SignalSource{
		{Identity: "x", RSSI: -60, Medium: models.MediumBluetooth, Timestamp: now},
		{Identity: "x", RSSI: -50, Medium: models.MediumWiFi, Timestamp: now},
		{Identity: "x", RSSI: -40, Medium: "", Timestamp: now},
	}

	got := Merge(existing, incoming)
	require.Len(t, got, 5)
	var media []models.Medium
	for _, s := range got {
		media = append(media, s.Medium)
	}
	assert.Equal(t, models.MediumPrecedence, media)
}

func TestAttach_SameMACAcrossMedia(t *testing.T) {
	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	bt := &models.Detection{ID: "drone-X", MAC: "60:60:1f:aa:bb:cc", RSSI: -65, LastUpdated: t1}
	wifi := &models.Detection{ID: "drone-X", MAC: "60:60:1f:aa:bb:cc", RSSI: -50, Index: 4, LastUpdated: t1.Add(time.Second)}

	require.NoError(t, Attach(bt))
	require.NoError(t, Attach(wifi))
	assert.Equal(t, models.MediumBluetooth, bt.PrimaryMedium)

	merged := Merge(bt.SignalSources, wifi.SignalSources)
	require.Len(t, merged, 2)
	assert.Equal(t, models.MediumWiFi, merged[0].Medium)
	assert.Equal(t, models.MediumBluetooth, merged[1].Medium)

	primary, ok := Primary(merged)
	require.True(t, ok)
	assert.InDelta(t, -50.0, primary.RSSI, 1e-9)
}

func TestAttach_ZeroRSSI(t *testing.T) {
	d := &models.Detection{ID: "drone-X", MAC: "60:60:1f:aa:bb:cc"}
	err := Attach(d)
	assert.ErrorIs(t, err, models.ErrZeroSignal)
	assert.Empty(t, d.SignalSources)
}

func TestAttach_FPVIdentity(t *testing.T) {
	d := &models.Detection{
		ID:   "fpv-01-97e8-5785",
		RSSI: 1500,
		FPV:  &models.FPVInfo{Frequency: 5785, DetectionSource: "01-97e8", Update: true},
	}
	require.NoError(t, Attach(d))
	require.Len(t, d.SignalSources, 1)
	assert.Equal(t, models.MediumFPV, d.SignalSources[0].Medium)
	assert.Equal(t, "01-97e8", d.SignalSources[0].Identity)
}

func TestPrimary_Empty(t *testing.T) {
	_, ok := Primary(nil)
	assert.False(t, ok)
}
