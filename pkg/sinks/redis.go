package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

// Redis channels and key prefixes
const (
	RedisChannelDetections = "rid:detections"
	RedisChannelOffline    = "rid:offline"
	RedisChannelStatus     = "rid:status"

	redisEntityPrefix = "rid:entity:"
	redisSensorPrefix = "rid:sensor:"
)

// RedisSink keeps a snapshot key per live entity and publishes every message
// on a pub/sub channel.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisSink wraps client. Snapshot keys expire after ttl, the activity
// window when zero.
func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = models.ActivityWindow
	}
	return &RedisSink{client: client, ttl: ttl, now: time.Now}
}

// EntityKey returns the snapshot key for an entity id.
func EntityKey(id string) string { return redisEntityPrefix + id }

// SensorKey returns the snapshot key for a sensor serial.
func SensorKey(serial string) string { return redisSensorPrefix + serial }

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) PublishDetection(ctx context.Context, d *models.Detection) error {
	payload, err := json.Marshal(DetectionMessage(d, s.now()))
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, EntityKey(d.ID), payload, s.ttl)
		p.Publish(ctx, RedisChannelDetections, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s: %w", d.ID, err)
	}
	return nil
}

func (s *RedisSink) PublishOffline(ctx context.Context, d *models.Detection) error {
	payload, err := json.Marshal(OfflineMessage(d, s.now()))
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, EntityKey(d.ID))
		p.Publish(ctx, RedisChannelOffline, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: offline %s: %w", d.ID, err)
	}
	return nil
}

func (s *RedisSink) Send(ctx context.Context, st *models.StatusMessage) error {
	payload, err := json.Marshal(StatusMessage(st, s.now()))
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, SensorKey(st.SerialNumber), payload, s.ttl)
		p.Publish(ctx, RedisChannelStatus, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: status %s: %w", st.SerialNumber, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisSink) Close() error { return nil }
