package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL     string
	Token   string // sent as a bearer token when set
	Headers map[string]string
	Timeout time.Duration
}

// WebhookSink POSTs every message as JSON to a single URL.
type WebhookSink struct {
	client *resty.Client
	url    string
	now    func() time.Time
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "rid-radar")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &WebhookSink{client: client, url: cfg.URL, now: time.Now}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) PublishDetection(ctx context.Context, d *models.Detection) error {
	return s.post(ctx, DetectionMessage(d, s.now()))
}

func (s *WebhookSink) PublishOffline(ctx context.Context, d *models.Detection) error {
	return s.post(ctx, OfflineMessage(d, s.now()))
}

func (s *WebhookSink) Send(ctx context.Context, st *models.StatusMessage) error {
	return s.post(ctx, StatusMessage(st, s.now()))
}

func (s *WebhookSink) post(ctx context.Context, msg Message) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(msg).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook: %s: %w", msg.Type, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: %s: status %d", msg.Type, resp.StatusCode())
	}
	return nil
}

func (s *WebhookSink) Close() error { return nil }
