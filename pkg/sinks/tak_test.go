package sinks

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/cot"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
	"github.com/hervehildenbrand/rid-radar/pkg/normalizer"
)

var now = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func sampleDrone() *models.Detection {
	return &models.Detection{
		ID:              "drone-1581F5FJD239C00DW22E",
		Position:        models.Position{Lat: 37.25, Lon: -115.75, Alt: 120},
		HeightAGL:       45,
		Speed:           12.5,
		VerticalSpeed:   1.5,
		Course:          270,
		Pilot:           models.Position{Lat: 37.2, Lon: -115.7},
		Home:            models.Position{Lat: 37.21, Lon: -115.71},
		IDType:          "Serial Number (ANSI/CTA-2063-A)",
		CAARegistration: "GBR-OP-123",
		Manufacturer:    "DJI",
		Description:     "Recreational flight",
		OperatorID:      "OP-42",
		UAType:          "Helicopter (or Multirotor)",
		MAC:             "60:60:1f:aa:bb:cc",
		RSSI:            -62,
		Frequency:       2437,
		SeenBy:          "wardragon-1",
		ObservedAt:      time.Unix(1735725600, 0).UTC(),
		RIDMake:         "DJI",
		RIDModel:        "Mini 3",
		RIDSource:       "ble",
		Index:           7,
		Runtime:         42,
		LastUpdated:     now,
	}
}

func TestEncodeDetection_RoundTrip(t *testing.T) {
	want := sampleDrone()
	payload, err := EncodeDetection(want, now, models.ActivityWindow).Marshal()
	require.NoError(t, err)

	n := normalizer.New(zap.NewNop(), normalizer.DefaultFrequencyRules())
	res := n.Normalize(models.Frame{Source: models.SourceMulticast, Data: payload, ReceivedAt: now})
	require.Equal(t, normalizer.ResultDetection, res.Kind, res.Reason)
	got := res.Detection

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Position, got.Position)
	assert.Equal(t, want.HeightAGL, got.HeightAGL)
	assert.Equal(t, want.Speed, got.Speed)
	assert.Equal(t, want.VerticalSpeed, got.VerticalSpeed)
	assert.Equal(t, want.Course, got.Course)
	assert.Equal(t, want.Pilot, got.Pilot)
	assert.Equal(t, want.Home, got.Home)
	assert.Equal(t, want.IDType, got.IDType)
	assert.Equal(t, want.CAARegistration, got.CAARegistration)
	assert.Equal(t, want.Manufacturer, got.Manufacturer)
	assert.Equal(t, want.Description, got.Description)
	assert.Equal(t, want.OperatorID, got.OperatorID)
	assert.Equal(t, want.UAType, got.UAType)
	assert.Equal(t, want.MAC, got.MAC)
	assert.Equal(t, want.RSSI, got.RSSI)
	assert.Equal(t, want.Frequency, got.Frequency)
	assert.Equal(t, want.SeenBy, got.SeenBy)
	assert.True(t, want.ObservedAt.Equal(got.ObservedAt))
	assert.Equal(t, want.RIDMake, got.RIDMake)
	assert.Equal(t, want.RIDModel, got.RIDModel)
	assert.Equal(t, want.RIDSource, got.RIDSource)
	assert.Equal(t, want.Index, got.Index)
	assert.Equal(t, want.Runtime, got.Runtime)
	assert.False(t, got.RegistrationOnly)
}

func TestEncodeDetection_Aircraft(t *testing.T) {
	d := &models.Detection{ID: "aircraft-adsb-a1b2c3", Position: models.Position{Lat: 1, Lon: 2}, Description: "UAL123"}
	ev := EncodeDetection(d, now, time.Minute)
	assert.Equal(t, cot.TypeAircraft, ev.Type)
	assert.Equal(t, "UAL123", ev.Detail.Contact.Callsign)
	assert.Equal(t, cot.UnknownError, ev.Point.Hae)
	assert.Nil(t, ev.Detail.Track)
}

func TestEncodeDetection_OfflineIsStale(t *testing.T) {
	ev := EncodeDetection(sampleDrone(), now, 0)
	assert.Equal(t, ev.Time, ev.Stale)
}

func TestEncodeStatus_RoundTrip(t *testing.T) {
	cpu, temp, uptime := 25.5, 48.0, 3600.0
	st := &models.StatusMessage{
		SerialNumber: "wardragon-1",
		Position:     models.Position{Lat: 37.2, Lon: -115.7, Alt: 900},
		CPUUsage:     &cpu,
		Temperature:  &temp,
		Uptime:       &uptime,
	}
	payload, err := EncodeStatus(st, now).Marshal()
	require.NoError(t, err)

	n := normalizer.New(zap.NewNop(), normalizer.DefaultFrequencyRules())
	res := n.Normalize(models.Frame{Source: models.SourceMulticast, Data: payload, ReceivedAt: now})
	require.Equal(t, normalizer.ResultStatus, res.Kind, res.Reason)
	got := res.Status

	assert.Equal(t, "wardragon-1", got.SerialNumber)
	assert.Equal(t, st.Position, got.Position)
	require.NotNil(t, got.CPUUsage)
	assert.Equal(t, cpu, *got.CPUUsage)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, temp, *got.Temperature)
	require.NotNil(t, got.Uptime)
	assert.Equal(t, uptime, *got.Uptime)
	assert.Nil(t, got.MemoryTotal)
	assert.True(t, now.Equal(got.Timestamp))
}

func TestTAKSink_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	sink, err := NewTAKSink(zap.NewNop(), TAKConfig{Address: ln.Addr().String(), Protocol: "tcp"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.PublishDetection(ctx, sampleDrone()))
	require.NoError(t, sink.Close())

	select {
	case data := <-received:
		ev, err := cot.Parse(data)
		require.NoError(t, err)
		assert.Equal(t, "drone-1581F5FJD239C00DW22E", ev.UID)
		assert.Equal(t, cot.TypeDrone, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("TAK server received nothing")
	}
}

func TestTAKSink_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	sink, err := NewTAKSink(zap.NewNop(), TAKConfig{Address: addr})
	require.NoError(t, err)
	err = sink.PublishDetection(context.Background(), sampleDrone())
	assert.Error(t, err)
}

func TestNewTAKSink_Validation(t *testing.T) {
	_, err := NewTAKSink(zap.NewNop(), TAKConfig{Address: "localhost:8087", Protocol: "tls"})
	assert.Error(t, err)
	_, err = NewTAKSink(zap.NewNop(), TAKConfig{Address: "localhost"})
	assert.Error(t, err)
}
