package sinks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

const latticeEntityPath = "/api/v1/entities"

// LatticeConfig configures the Lattice relay.
type LatticeConfig struct {
	BaseURL string
	Token   string
	// IntegrationName identifies this relay as the entity provenance.
	IntegrationName string
	Timeout         time.Duration
}

// LatticeEntity is the entity body the relay publishes.
type LatticeEntity struct {
	EntityID    string            `json:"entityId"`
	Description string            `json:"description,omitempty"`
	IsLive      bool              `json:"isLive"`
	CreatedTime time.Time         `json:"createdTime"`
	ExpiryTime  time.Time         `json:"expiryTime"`
	Aliases     LatticeAliases    `json:"aliases"`
	Location    *LatticeLocation  `json:"location,omitempty"`
	Ontology    LatticeOntology   `json:"ontology"`
	Provenance  LatticeProvenance `json:"provenance"`
	Signal      *LatticeSignal    `json:"signal,omitempty"`
}

type LatticeAliases struct {
	Name string `json:"name"`
}

type LatticeLocation struct {
	Position LatticePosition `json:"position"`
}

type LatticePosition struct {
	LatitudeDegrees   float64 `json:"latitudeDegrees"`
	LongitudeDegrees  float64 `json:"longitudeDegrees"`
	AltitudeHaeMeters float64 `json:"altitudeHaeMeters,omitempty"`
}

type LatticeOntology struct {
	Template     string `json:"template"`
	PlatformType string `json:"platformType"`
}

type LatticeProvenance struct {
	IntegrationName  string    `json:"integrationName"`
	DataType         string    `json:"dataType"`
	SourceUpdateTime time.Time `json:"sourceUpdateTime"`
}

type LatticeSignal struct {
	FrequencyMHz float64 `json:"frequencyMhz,omitempty"`
	RSSI         float64 `json:"rssi"`
}

// LatticeSink relays entities to a Lattice-compatible REST endpoint. Sensor
// status has no entity form and is not relayed.
type LatticeSink struct {
	client      *resty.Client
	integration string
	now         func() time.Time
}

// NewLatticeSink creates the relay.
func NewLatticeSink(cfg LatticeConfig) (*LatticeSink, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lattice: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	integration := cfg.IntegrationName
	if integration == "" {
		integration = "rid-radar"
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &LatticeSink{client: client, integration: integration, now: time.Now}, nil
}

func (s *LatticeSink) Name() string { return "lattice" }

func (s *LatticeSink) PublishDetection(ctx context.Context, d *models.Detection) error {
	return s.put(ctx, s.entity(d, true))
}

// PublishOffline marks the entity as no longer live and expired now.
func (s *LatticeSink) PublishOffline(ctx context.Context, d *models.Detection) error {
	return s.put(ctx, s.entity(d, false))
}

func (s *LatticeSink) Send(context.Context, *models.StatusMessage) error { return nil }

func (s *LatticeSink) entity(d *models.Detection, live bool) LatticeEntity {
	now := s.now().UTC()
	expiry := now
	if live {
		expiry = d.LastUpdated.Add(models.ActivityWindow).UTC()
	}

	platform := "SMALL_UAS"
	template := "TEMPLATE_TRACK"
	switch d.Kind() {
	case models.KindAircraft:
		platform = "AIRCRAFT"
	case models.KindFPV:
		platform = "FPV_UAS"
		template = "TEMPLATE_SIGNAL_OF_INTEREST"
	}

	name := d.Description
	if name == "" {
		name = d.ID
	}

	e := LatticeEntity{
		EntityID:    d.ID,
		Description: d.Manufacturer,
		IsLive:      live,
		CreatedTime: now,
		ExpiryTime:  expiry,
		Aliases:     LatticeAliases{Name: name},
		Ontology:    LatticeOntology{Template: template, PlatformType: platform},
		Provenance: LatticeProvenance{
			IntegrationName:  s.integration,
			DataType:         string(d.Kind()),
			SourceUpdateTime: d.LastUpdated.UTC(),
		},
	}
	if d.Position.HasFix() {
		e.Location = &LatticeLocation{Position: LatticePosition{
			LatitudeDegrees:   d.Position.Lat,
			LongitudeDegrees:  d.Position.Lon,
			AltitudeHaeMeters: d.Position.Alt,
		}}
	}
	if d.RSSI != 0 {
		freq := d.Frequency
		if d.FPV != nil {
			freq = d.FPV.Frequency
		}
		e.Signal = &LatticeSignal{FrequencyMHz: freq, RSSI: d.RSSI}
	}
	return e
}

func (s *LatticeSink) put(ctx context.Context, e LatticeEntity) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(e).
		Put(latticeEntityPath)
	if err != nil {
		return fmt.Errorf("lattice: %s: %w", e.EntityID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("lattice: %s: status %d", e.EntityID, resp.StatusCode())
	}
	return nil
}

func (s *LatticeSink) Close() error { return nil }
