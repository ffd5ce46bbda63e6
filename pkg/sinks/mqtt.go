package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/models"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttDisconnectWait = 250 // milliseconds
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker    string // tcp://host:1883
	ClientID  string // generated when empty
	Username  string
	Password  string
	BaseTopic string // default "rid-radar"
	QoS       byte
	Retain    bool // retain detection messages
}

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes JSON messages under BaseTopic:
//
//	<base>/drones/<id>    detection updates
//	<base>/offline/<id>   offline notices
//	<base>/system/<serial> sensor status
type MQTTSink struct {
	logger    *zap.Logger
	client    publisher
	baseTopic string
	qos       byte
	retain    bool
	now       func() time.Time
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(logger *zap.Logger, cfg MQTTConfig) (*MQTTSink, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "rid-radar-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(mqttConnectTimeout)

	log := logger.Named("mqtt")
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	log.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))

	return newMQTTSink(log, client, cfg), nil
}

func newMQTTSink(logger *zap.Logger, client publisher, cfg MQTTConfig) *MQTTSink {
	base := strings.TrimSuffix(cfg.BaseTopic, "/")
	if base == "" {
		base = "rid-radar"
	}
	return &MQTTSink{
		logger:    logger,
		client:    client,
		baseTopic: base,
		qos:       cfg.QoS,
		retain:    cfg.Retain,
		now:       time.Now,
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) PublishDetection(ctx context.Context, d *models.Detection) error {
	return s.publish(ctx, s.baseTopic+"/drones/"+d.ID, s.retain, DetectionMessage(d, s.now()))
}

func (s *MQTTSink) PublishOffline(ctx context.Context, d *models.Detection) error {
	return s.publish(ctx, s.baseTopic+"/offline/"+d.ID, false, OfflineMessage(d, s.now()))
}

func (s *MQTTSink) Send(ctx context.Context, st *models.StatusMessage) error {
	return s.publish(ctx, s.baseTopic+"/system/"+st.SerialNumber, true, StatusMessage(st, s.now()))
}

func (s *MQTTSink) publish(ctx context.Context, topic string, retained bool, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: marshal: %w", err)
	}

	token := s.client.Publish(topic, s.qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt: publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(mqttDisconnectWait)
	return nil
}
