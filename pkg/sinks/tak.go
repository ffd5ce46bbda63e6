package sinks

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/cot"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

const takDialTimeout = 5 * time.Second

// TAKConfig selects the TAK server endpoint.
type TAKConfig struct {
	Address  string // host:port
	Protocol string // tcp or udp
}

// TAKSink writes CoT events to a TAK server. The TCP connection is dialled
// lazily and re-dialled after a write failure.
type TAKSink struct {
	logger   *zap.Logger
	address  string
	protocol string
	now      func() time.Time

	mu   sync.Mutex
	conn net.Conn
}

// NewTAKSink creates a TAK sink. No connection is made until the first event.
func NewTAKSink(logger *zap.Logger, cfg TAKConfig) (*TAKSink, error) {
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	if protocol != "tcp" && protocol != "udp" {
		return nil, fmt.Errorf("tak: unsupported protocol %q", cfg.Protocol)
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("tak: invalid address %q: %w", cfg.Address, err)
	}
	return &TAKSink{
		logger:   logger.Named("tak"),
		address:  cfg.Address,
		protocol: protocol,
		now:      time.Now,
	}, nil
}

func (s *TAKSink) Name() string { return "tak" }

func (s *TAKSink) PublishDetection(ctx context.Context, d *models.Detection) error {
	return s.write(ctx, EncodeDetection(d, s.now(), models.ActivityWindow))
}

// PublishOffline sends the last known state already stale, which TAK clients
// treat as a removal.
func (s *TAKSink) PublishOffline(ctx context.Context, d *models.Detection) error {
	return s.write(ctx, EncodeDetection(d, s.now(), 0))
}

func (s *TAKSink) Send(ctx context.Context, st *models.StatusMessage) error {
	return s.write(ctx, EncodeStatus(st, s.now()))
}

func (s *TAKSink) write(ctx context.Context, ev *cot.Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		dialer := net.Dialer{Timeout: takDialTimeout}
		conn, err := dialer.DialContext(ctx, s.protocol, s.address)
		if err != nil {
			return fmt.Errorf("tak: dial %s: %w", s.address, err)
		}
		s.conn = conn
		s.logger.Info("Connected to TAK server", zap.String("address", s.address), zap.String("protocol", s.protocol))
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.Write(payload); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("tak: write: %w", err)
	}
	return nil
}

func (s *TAKSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// EncodeDetection renders a detection as the CoT event a sensor would have
// emitted for it. The remarks use the sensor's key names so the event parses
// back into the same detection.
func EncodeDetection(d *models.Detection, now time.Time, staleAfter time.Duration) *cot.Event {
	eventType := cot.TypeDrone
	if d.Kind() == models.KindAircraft {
		eventType = cot.TypeAircraft
	}

	ev := cot.NewEvent(d.ID, eventType, now, staleAfter)
	ev.Point.Lat = d.Position.Lat
	ev.Point.Lon = d.Position.Lon
	ev.Point.Hae = cot.UnknownError
	if d.Position.Alt != 0 {
		ev.Point.Hae = d.Position.Alt
	}

	callsign := d.Description
	if callsign == "" {
		callsign = d.ID
	}
	ev.Detail.Contact = &cot.Contact{Callsign: callsign}
	if d.Course != 0 || d.Speed != 0 {
		ev.Detail.Track = &cot.Track{Course: d.Course, Speed: d.Speed}
	}

	var remarks cot.RemarksBuilder
	remarks.Add("MAC", d.MAC).
		AddFloat("RSSI", d.RSSI, "dBm").
		Add("ID Type", d.IDType).
		Add("UA Type", d.UAType).
		Add("CAA", d.CAARegistration).
		Add("Operator ID", d.OperatorID).
		Add("Self-ID", d.Description).
		Add("Manufacturer", d.Manufacturer).
		AddFloat("Speed", d.Speed, " m/s").
		AddFloat("Vert Speed", d.VerticalSpeed, " m/s").
		AddFloat("AGL", d.HeightAGL, " m").
		AddFloat("Index", float64(d.Index), "").
		AddFloat("Runtime", float64(d.Runtime), "").
		AddFloat("Freq", d.Frequency, " MHz").
		Add("Seen By", d.SeenBy)
	if !d.ObservedAt.IsZero() {
		remarks.Add("Observed At", strconv.FormatFloat(float64(d.ObservedAt.UnixNano())/1e9, 'f', -1, 64))
	}
	if d.RIDMake != "" || d.RIDModel != "" {
		rid := d.RIDMake + " " + d.RIDModel
		if d.RIDSource != "" {
			rid += " (" + d.RIDSource + ")"
		}
		remarks.Add("RID", rid)
	}
	if d.Pilot.HasFix() {
		remarks.AddFloat("Operator Lat", d.Pilot.Lat, "").AddFloat("Operator Lon", d.Pilot.Lon, "")
	}
	if d.Home.HasFix() {
		remarks.AddFloat("Home Lat", d.Home.Lat, "").AddFloat("Home Lon", d.Home.Lon, "")
	}
	ev.Detail.Remarks = remarks.String()
	return ev
}

// EncodeStatus renders a sensor status report as a CoT sensor event.
func EncodeStatus(st *models.StatusMessage, now time.Time) *cot.Event {
	ev := cot.NewEvent(st.SerialNumber, cot.TypeSensor, now, models.ActivityWindow)
	ev.Point.Lat = st.Position.Lat
	ev.Point.Lon = st.Position.Lon
	ev.Point.Hae = cot.UnknownError
	if st.Position.Alt != 0 {
		ev.Point.Hae = st.Position.Alt
	}
	ev.Detail.Contact = &cot.Contact{Callsign: st.SerialNumber}
	if st.Track != 0 || st.Speed != 0 {
		ev.Detail.Track = &cot.Track{Course: st.Track, Speed: st.Speed}
	}

	var remarks cot.RemarksBuilder
	addMetric := func(key string, v *float64, unit string) {
		if v != nil {
			remarks.Add(key, strconv.FormatFloat(*v, 'f', -1, 64)+unit)
		}
	}
	addMetric("CPU Usage", st.CPUUsage, "%")
	addMetric("Memory Total", st.MemoryTotal, " MB")
	addMetric("Memory Available", st.MemoryAvailable, " MB")
	addMetric("Disk Total", st.DiskTotal, " MB")
	addMetric("Disk Used", st.DiskUsed, " MB")
	addMetric("Temperature", st.Temperature, "°C")
	addMetric("Uptime", st.Uptime, " s")
	addMetric("Pluto Temp", st.PlutoTemp, "°C")
	addMetric("Zynq Temp", st.ZynqTemp, "°C")
	ev.Detail.Remarks = remarks.String()
	return ev
}
