package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		id, idType string
		fpv        bool
		want       Kind
	}{
		{"drone-1581F5", "Serial Number (ANSI/CTA-2063-A)", false, KindDrone},
		{"aircraft-a1b2c3", "ICAO", false, KindAircraft},
		{"A1B2C3", "ADSB", false, KindAircraft},
		{"N123AB", "Aircraft", false, KindAircraft},
		{"fpv-5785", "", false, KindFPV},
		{"drone-x", "", true, KindFPV},
		{"whatever", "", false, KindDrone},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.id, tt.idType, tt.fpv))
		})
	}
}

func TestPositionHasFix(t *testing.T) {
	assert.False(t, Position{}.HasFix())
	assert.False(t, Position{Alt: 100}.HasFix())
	assert.True(t, Position{Lat: 0.0001}.HasFix())
	assert.True(t, Position{Lon: -75}.HasFix())
}

func TestCompanionTarget(t *testing.T) {
	d := &Detection{ID: "pilot-42"}
	assert.True(t, d.IsCompanion())
	target, pilot, ok := d.CompanionTarget()
	assert.True(t, ok)
	assert.True(t, pilot)
	assert.Equal(t, "drone-42", target)

	d = &Detection{ID: "home-42"}
	target, pilot, ok = d.CompanionTarget()
	assert.True(t, ok)
	assert.False(t, pilot)
	assert.Equal(t, "drone-42", target)

	d = &Detection{ID: "drone-42"}
	assert.False(t, d.IsCompanion())
	_, _, ok = d.CompanionTarget()
	assert.False(t, ok)
}

func TestActivity(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := &Detection{ID: "drone-1", LastUpdated: now.Add(-30 * time.Second)}
	assert.Equal(t, ActivityActive, d.Activity(now))
	assert.True(t, d.IsActive(now))

	d.LastUpdated = now.Add(-100 * time.Second)
	assert.Equal(t, ActivityAging, d.Activity(now))

	d.LastUpdated = now.Add(-3 * time.Minute)
	assert.Equal(t, ActivityStale, d.Activity(now))
	assert.True(t, d.IsActive(now))

	d.LastUpdated = now.Add(-ActivityWindow - time.Second)
	assert.False(t, d.IsActive(now))
}

func TestSignalIdentity(t *testing.T) {
	d := &Detection{ID: "drone-1", MAC: "60:60:1f:aa:bb:cc"}
	assert.Equal(t, "60:60:1f:aa:bb:cc", d.SignalIdentity())
	assert.True(t, d.HasSignalIdentity())

	d = &Detection{ID: "fpv-5785", SignalSources: []SignalSource{{Identity: "5785", Medium: MediumFPV}}}
	assert.Equal(t, "5785", d.SignalIdentity())

	d = &Detection{ID: "drone-2"}
	assert.Equal(t, "drone-2", d.SignalIdentity())

	d = &Detection{ID: "aircraft-a1b2c3"}
	assert.False(t, d.HasSignalIdentity())
}

func TestClone(t *testing.T) {
	orig := &Detection{
		ID:            "drone-1",
		SignalSources: []SignalSource{{Identity: "a", RSSI: -60, Medium: MediumWiFi}},
		FPV:           &FPVInfo{Frequency: 5785},
		Spoof:         &SpoofState{Suspected: true, Reasons: []string{"rssi"}},
		Raw:           RawExtension{Format: "json", Data: []byte("{}")},
	}
	c := orig.Clone()
	require.Equal(t, orig, c)

	c.SignalSources[0].RSSI = -10
	c.FPV.Frequency = 1
	c.Spoof.Reasons[0] = "changed"
	c.Raw.Data[0] = '['
	assert.Equal(t, -60.0, orig.SignalSources[0].RSSI)
	assert.Equal(t, 5785.0, orig.FPV.Frequency)
	assert.Equal(t, "rssi", orig.Spoof.Reasons[0])
	assert.Equal(t, byte('{'), orig.Raw.Data[0])

	var nilDetection *Detection
	assert.Nil(t, nilDetection.Clone())
}

func TestNewSignalSource(t *testing.T) {
	ts := time.Now()
	_, err := NewSignalSource("a", 0, MediumWiFi, ts)
	assert.ErrorIs(t, err, ErrZeroSignal)

	s, err := NewSignalSource("a", -60, "", ts)
	require.NoError(t, err)
	assert.Equal(t, MediumUnknown, s.Medium)

	wifi := SignalSource{Identity: "a", Medium: MediumWiFi, RSSI: -50}
	assert.True(t, wifi.SameAs(SignalSource{Identity: "a", Medium: MediumWiFi, RSSI: -80}))
	assert.False(t, wifi.SameAs(SignalSource{Identity: "a", Medium: MediumBluetooth}))
}

func TestMediumRank(t *testing.T) {
	assert.Less(t, MediumWiFi.Rank(), MediumBluetooth.Rank())
	assert.Less(t, MediumBluetooth.Rank(), MediumSDR.Rank())
	assert.Less(t, MediumSDR.Rank(), MediumFPV.Rank())
	assert.Less(t, MediumFPV.Rank(), MediumUnknown.Rank())
	assert.Equal(t, len(MediumPrecedence), Medium("lora").Rank())
}
