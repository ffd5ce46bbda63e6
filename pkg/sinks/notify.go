package sinks

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/patrickmn/go-cache"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// NotifyConfig configures the local notification sink.
type NotifyConfig struct {
	URLs []string
	// Quiet suppresses repeat notifications for the same entity. Default 10m.
	Quiet   time.Duration
	Timeout time.Duration
	// Kinds limits notifications to these kinds; empty means drones and FPV.
	Kinds []models.Kind
	// Offline also notifies when an entity goes offline.
	Offline bool
}

// notifier is the part of the shoutrrr router the sink uses.
type notifier interface {
	Send(message string, params *types.Params) []error
}

// NotifySink raises a human-facing notification the first time an entity is
// seen, through any shoutrrr service URL.
type NotifySink struct {
	sender  notifier
	seen    *cache.Cache
	quiet   time.Duration
	kinds   map[models.Kind]bool
	offline bool
}

// NewNotifySink builds the shoutrrr router for cfg.URLs.
func NewNotifySink(cfg NotifyConfig) (*NotifySink, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("notify: at least one URL is required")
	}
	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if cfg.Timeout > 0 {
		sender.Timeout = cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return newNotifySink(sender, cfg), nil
}

func newNotifySink(sender notifier, cfg NotifyConfig) *NotifySink {
	quiet := cfg.Quiet
	if quiet <= 0 {
		quiet = 10 * time.Minute
	}
	kinds := map[models.Kind]bool{}
	for _, k := range cfg.Kinds {
		kinds[k] = true
	}
	if len(kinds) == 0 {
		kinds[models.KindDrone] = true
		kinds[models.KindFPV] = true
	}
	return &NotifySink{
		sender:  sender,
		seen:    cache.New(quiet, 2*quiet),
		quiet:   quiet,
		kinds:   kinds,
		offline: cfg.Offline,
	}
}

func (s *NotifySink) Name() string { return "notify" }

func (s *NotifySink) PublishDetection(ctx context.Context, d *models.Detection) error {
	if !s.kinds[d.Kind()] {
		return nil
	}
	// Add fails when the id is already inside its quiet period.
	if err := s.seen.Add(d.ID, struct{}{}, s.quiet); err != nil {
		return nil
	}
	params := types.Params{}
	params.SetTitle("New " + string(d.Kind()) + " detected")
	return s.send(ctx, describe(d), &params)
}

func (s *NotifySink) PublishOffline(ctx context.Context, d *models.Detection) error {
	if !s.offline || !s.kinds[d.Kind()] {
		return nil
	}
	s.seen.Delete(d.ID)
	params := types.Params{}
	params.SetTitle(strings.ToUpper(string(d.Kind())[:1]) + string(d.Kind())[1:] + " offline")
	return s.send(ctx, d.ID+" is no longer detected", &params)
}

func (s *NotifySink) Send(context.Context, *models.StatusMessage) error { return nil }

func (s *NotifySink) send(ctx context.Context, message string, params *types.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, err := range s.sender.Send(message, params) {
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return nil
}

func (s *NotifySink) Close() error {
	s.seen.Flush()
	return nil
}

func describe(d *models.Detection) string {
	var b strings.Builder
	b.WriteString(d.ID)
	if d.Manufacturer != "" {
		fmt.Fprintf(&b, " (%s)", d.Manufacturer)
	}
	if d.FPV != nil {
		fmt.Fprintf(&b, " on %.0f MHz", d.FPV.Frequency)
	}
	if d.Position.HasFix() {
		fmt.Fprintf(&b, " at %.5f,%.5f", d.Position.Lat, d.Position.Lon)
		if d.Position.Alt != 0 {
			fmt.Fprintf(&b, " alt %.0fm", d.Position.Alt)
		}
	}
	if d.RSSI != 0 {
		fmt.Fprintf(&b, " rssi %.0f", d.RSSI)
	}
	return b.String()
}
