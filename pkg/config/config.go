// Package config loads rid-radar settings from a YAML file, RID_RADAR_*
// environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hervehildenbrand/rid-radar/pkg/engine"
	"github.com/hervehildenbrand/rid-radar/pkg/fanout"
	"github.com/hervehildenbrand/rid-radar/pkg/listener"
	"github.com/hervehildenbrand/rid-radar/pkg/models"
	"github.com/hervehildenbrand/rid-radar/pkg/normalizer"
	"github.com/hervehildenbrand/rid-radar/pkg/registry"
	"github.com/hervehildenbrand/rid-radar/pkg/sinks"
	"github.com/hervehildenbrand/rid-radar/pkg/supervisor"
)

// EnvPrefix is prepended to every environment variable, e.g.
// RID_RADAR_LISTENER_MODE.
const EnvPrefix = "RID_RADAR"

// Config is the full process configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Sinks      SinksConfig      `mapstructure:"sinks"`
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`

	// StatsInterval is how often the stats line is logged.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type ListenerConfig struct {
	Mode           string `mapstructure:"mode"` // multicast or zmq
	MulticastGroup string `mapstructure:"multicast_group"`
	MulticastPort  int    `mapstructure:"multicast_port"`
	Interface      string `mapstructure:"interface"`
	ZMQHost        string `mapstructure:"zmq_host"`
	TelemetryPort  int    `mapstructure:"telemetry_port"`
	StatusPort     int    `mapstructure:"status_port"`
	BufferSize     int    `mapstructure:"buffer_size"`
}

type SupervisorConfig struct {
	// Autostart starts listening as soon as the process is up.
	Autostart          bool          `mapstructure:"autostart"`
	BackgroundBuffer   int           `mapstructure:"background_buffer"`
	BackgroundInterval time.Duration `mapstructure:"background_interval"`
	DrainDelay         time.Duration `mapstructure:"drain_delay"`
	ForegroundThrottle time.Duration `mapstructure:"foreground_throttle"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
}

// FrequencyRuleConfig is one source's frequency unit.
type FrequencyRuleConfig struct {
	Unit      string  `mapstructure:"unit"` // auto, hz or mhz
	Threshold float64 `mapstructure:"threshold"`
}

type FrequencyConfig struct {
	FrequencyRuleConfig `mapstructure:",squash"`
	// Sources overrides the rule per frame source (telemetry, multicast, fpv).
	Sources map[string]FrequencyRuleConfig `mapstructure:"sources"`
}

type EngineConfig struct {
	Limits            map[string]int  `mapstructure:"limits"`
	InactivityTimeout time.Duration   `mapstructure:"inactivity_timeout"`
	Exempt            []string        `mapstructure:"exempt"`
	SweepInterval     time.Duration   `mapstructure:"sweep_interval"`
	QueueSize         int             `mapstructure:"queue_size"`
	PendingTTL        time.Duration   `mapstructure:"pending_ttl"`
	SensorLat         float64         `mapstructure:"sensor_lat"`
	SensorLon         float64         `mapstructure:"sensor_lon"`
	SensorAlt         float64         `mapstructure:"sensor_alt"`
	Frequency         FrequencyConfig `mapstructure:"frequency"`
	// SpoofCheck enables the RSSI/position consistency check.
	SpoofCheck bool `mapstructure:"spoof_check"`
	// Signatures enables per-entity field signatures.
	Signatures bool `mapstructure:"signatures"`
}

type FanoutConfig struct {
	Rate           float64       `mapstructure:"rate"`
	Burst          int           `mapstructure:"burst"`
	EntityInterval time.Duration `mapstructure:"entity_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
}

type MQTTConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	BaseTopic string `mapstructure:"base_topic"`
	QoS       int    `mapstructure:"qos"`
	Retain    bool   `mapstructure:"retain"`
}

type TAKConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Protocol string `mapstructure:"protocol"`
}

type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Token   string            `mapstructure:"token"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

type LatticeConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	IntegrationName string        `mapstructure:"integration_name"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URLs    []string      `mapstructure:"urls"`
	Quiet   time.Duration `mapstructure:"quiet"`
	Timeout time.Duration `mapstructure:"timeout"`
	Kinds   []string      `mapstructure:"kinds"`
	Offline bool          `mapstructure:"offline"`
}

type LiveFeedConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SinksConfig struct {
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	TAK      TAKConfig      `mapstructure:"tak"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Lattice  LatticeConfig  `mapstructure:"lattice"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	LiveFeed LiveFeedConfig `mapstructure:"livefeed"`
}

type StorageConfig struct {
	// DatabaseURL enables the Postgres encounter store.
	DatabaseURL string `mapstructure:"database_url"`
	// BlocklistFile takes priority over BlocklistTable.
	BlocklistFile  string `mapstructure:"blocklist_file"`
	BlocklistTable string `mapstructure:"blocklist_table"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SetDefaults registers every key with its default so env overrides apply.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("stats_interval", 30*time.Second)

	lc := listener.DefaultConfig()
	v.SetDefault("listener.mode", lc.Mode)
	v.SetDefault("listener.multicast_group", lc.MulticastGroup)
	v.SetDefault("listener.multicast_port", lc.MulticastPort)
	v.SetDefault("listener.interface", "")
	v.SetDefault("listener.zmq_host", lc.ZMQHost)
	v.SetDefault("listener.telemetry_port", lc.TelemetryPort)
	v.SetDefault("listener.status_port", lc.StatusPort)
	v.SetDefault("listener.buffer_size", lc.BufferSize)

	sc := supervisor.DefaultConfig()
	v.SetDefault("supervisor.autostart", true)
	v.SetDefault("supervisor.background_buffer", sc.BackgroundBuffer)
	v.SetDefault("supervisor.background_interval", sc.BackgroundInterval)
	v.SetDefault("supervisor.drain_delay", sc.DrainDelay)
	v.SetDefault("supervisor.foreground_throttle", time.Duration(0))
	v.SetDefault("supervisor.health_interval", sc.HealthInterval)
	v.SetDefault("supervisor.stale_after", time.Duration(0))

	ec := engine.DefaultConfig()
	limits := make(map[string]interface{}, len(ec.Limits))
	for kind, n := range ec.Limits {
		limits[string(kind)] = n
	}
	v.SetDefault("engine.limits", limits)
	v.SetDefault("engine.inactivity_timeout", ec.InactivityTimeout)
	v.SetDefault("engine.exempt", []string{})
	v.SetDefault("engine.sweep_interval", ec.SweepInterval)
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.pending_ttl", 30*time.Second)
	v.SetDefault("engine.sensor_lat", 0.0)
	v.SetDefault("engine.sensor_lon", 0.0)
	v.SetDefault("engine.sensor_alt", 0.0)
	v.SetDefault("engine.frequency.unit", string(normalizer.UnitAuto))
	v.SetDefault("engine.frequency.threshold", normalizer.DefaultHzThreshold)
	v.SetDefault("engine.spoof_check", true)
	v.SetDefault("engine.signatures", true)

	v.SetDefault("fanout.rate", 50.0)
	v.SetDefault("fanout.burst", 100)
	v.SetDefault("fanout.entity_interval", time.Second)
	v.SetDefault("fanout.timeout", 5*time.Second)
	v.SetDefault("fanout.max_in_flight", 16)

	v.SetDefault("sinks.mqtt.enabled", false)
	v.SetDefault("sinks.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("sinks.mqtt.client_id", "")
	v.SetDefault("sinks.mqtt.username", "")
	v.SetDefault("sinks.mqtt.password", "")
	v.SetDefault("sinks.mqtt.base_topic", "rid-radar")
	v.SetDefault("sinks.mqtt.qos", 0)
	v.SetDefault("sinks.mqtt.retain", false)

	v.SetDefault("sinks.tak.enabled", false)
	v.SetDefault("sinks.tak.address", "")
	v.SetDefault("sinks.tak.protocol", "tcp")

	v.SetDefault("sinks.redis.enabled", false)
	v.SetDefault("sinks.redis.url", "redis://localhost:6379")
	v.SetDefault("sinks.redis.ttl", models.ActivityWindow)

	v.SetDefault("sinks.webhook.enabled", false)
	v.SetDefault("sinks.webhook.url", "")
	v.SetDefault("sinks.webhook.token", "")
	v.SetDefault("sinks.webhook.timeout", 5*time.Second)

	v.SetDefault("sinks.lattice.enabled", false)
	v.SetDefault("sinks.lattice.base_url", "")
	v.SetDefault("sinks.lattice.token", "")
	v.SetDefault("sinks.lattice.integration_name", "rid-radar")
	v.SetDefault("sinks.lattice.timeout", 5*time.Second)

	v.SetDefault("sinks.notify.enabled", false)
	v.SetDefault("sinks.notify.urls", []string{})
	v.SetDefault("sinks.notify.quiet", 10*time.Minute)
	v.SetDefault("sinks.notify.timeout", 10*time.Second)
	v.SetDefault("sinks.notify.kinds", []string{})
	v.SetDefault("sinks.notify.offline", false)

	v.SetDefault("sinks.livefeed.enabled", true)

	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.blocklist_file", "")
	v.SetDefault("storage.blocklist_table", "rid_blocklist")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")
}

// Load reads configuration into the global viper instance, which is where
// command-line flags are bound.
func Load(path string) (*Config, error) {
	return LoadWith(viper.GetViper(), path)
}

// LoadWith reads configuration into v. An empty path searches the working
// directory and /etc/rid-radar for rid-radar.yaml; a missing file is not an
// error.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		v.SetConfigName("rid-radar")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rid-radar")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be json or console, got %q", c.Log.Format))
	}

	switch c.Listener.Mode {
	case listener.ModeMulticast:
		if err := validPort(c.Listener.MulticastPort); err != nil {
			errs = append(errs, fmt.Errorf("listener.multicast_port: %w", err))
		}
	case listener.ModeZMQ:
		if c.Listener.ZMQHost == "" {
			errs = append(errs, errors.New("listener.zmq_host: required in zmq mode"))
		}
		if err := validPort(c.Listener.TelemetryPort); err != nil {
			errs = append(errs, fmt.Errorf("listener.telemetry_port: %w", err))
		}
		if err := validPort(c.Listener.StatusPort); err != nil {
			errs = append(errs, fmt.Errorf("listener.status_port: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("listener.mode: must be %s or %s, got %q", listener.ModeMulticast, listener.ModeZMQ, c.Listener.Mode))
	}

	for kind, n := range c.Engine.Limits {
		if _, err := parseKind(kind); err != nil {
			errs = append(errs, fmt.Errorf("engine.limits: %w", err))
		}
		if n < 0 {
			errs = append(errs, fmt.Errorf("engine.limits.%s: must not be negative", kind))
		}
	}
	for _, kind := range c.Engine.Exempt {
		if _, err := parseKind(kind); err != nil {
			errs = append(errs, fmt.Errorf("engine.exempt: %w", err))
		}
	}
	if c.Engine.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("engine.inactivity_timeout: must be positive"))
	}
	if _, err := c.Engine.Frequency.rules(); err != nil {
		errs = append(errs, fmt.Errorf("engine.frequency: %w", err))
	}
	if c.Engine.SensorLat < -90 || c.Engine.SensorLat > 90 {
		errs = append(errs, errors.New("engine.sensor_lat: out of range"))
	}
	if c.Engine.SensorLon < -180 || c.Engine.SensorLon > 180 {
		errs = append(errs, errors.New("engine.sensor_lon: out of range"))
	}

	s := c.Sinks
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		errs = append(errs, errors.New("sinks.mqtt.broker: required when enabled"))
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		errs = append(errs, errors.New("sinks.mqtt.qos: must be 0, 1 or 2"))
	}
	if s.TAK.Enabled && s.TAK.Address == "" {
		errs = append(errs, errors.New("sinks.tak.address: required when enabled"))
	}
	if s.Redis.Enabled && s.Redis.URL == "" {
		errs = append(errs, errors.New("sinks.redis.url: required when enabled"))
	}
	if s.Webhook.Enabled && s.Webhook.URL == "" {
		errs = append(errs, errors.New("sinks.webhook.url: required when enabled"))
	}
	if s.Lattice.Enabled && s.Lattice.BaseURL == "" {
		errs = append(errs, errors.New("sinks.lattice.base_url: required when enabled"))
	}
	if s.Notify.Enabled && len(s.Notify.URLs) == 0 {
		errs = append(errs, errors.New("sinks.notify.urls: required when enabled"))
	}
	for _, kind := range s.Notify.Kinds {
		if _, err := parseKind(kind); err != nil {
			errs = append(errs, fmt.Errorf("sinks.notify.kinds: %w", err))
		}
	}

	if c.API.Enabled && c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr: required when enabled"))
	}

	return errors.Join(errs...)
}

func validPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

func parseKind(s string) (models.Kind, error) {
	switch k := models.Kind(strings.ToLower(s)); k {
	case models.KindDrone, models.KindAircraft, models.KindFPV:
		return k, nil
	default:
		return "", fmt.Errorf("unknown kind %q", s)
	}
}

func parseKinds(names []string) []models.Kind {
	kinds := make([]models.Kind, 0, len(names))
	for _, name := range names {
		if k, err := parseKind(name); err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (r FrequencyRuleConfig) rule() (normalizer.FrequencyRule, error) {
	unit, err := normalizer.ParseUnit(r.Unit)
	if err != nil {
		return normalizer.FrequencyRule{}, err
	}
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = normalizer.DefaultHzThreshold
	}
	return normalizer.FrequencyRule{Unit: unit, Threshold: threshold}, nil
}

func (f FrequencyConfig) rules() (normalizer.FrequencyRules, error) {
	def, err := f.rule()
	if err != nil {
		return normalizer.FrequencyRules{}, err
	}
	rules := normalizer.FrequencyRules{Default: def}
	if len(f.Sources) > 0 {
		rules.BySource = make(map[string]normalizer.FrequencyRule, len(f.Sources))
		for source, rc := range f.Sources {
			r, err := rc.rule()
			if err != nil {
				return normalizer.FrequencyRules{}, fmt.Errorf("%s: %w", source, err)
			}
			rules.BySource[strings.ToLower(source)] = r
		}
	}
	return rules, nil
}

// ListenerConfig converts the listener section.
func (c *Config) ListenerConfig() listener.Config {
	l := c.Listener
	return listener.Config{
		Mode:           l.Mode,
		MulticastGroup: l.MulticastGroup,
		MulticastPort:  l.MulticastPort,
		Interface:      l.Interface,
		ZMQHost:        l.ZMQHost,
		TelemetryPort:  l.TelemetryPort,
		StatusPort:     l.StatusPort,
		BufferSize:     l.BufferSize,
	}
}

// SupervisorConfig converts the supervisor section.
func (c *Config) SupervisorConfig() supervisor.Config {
	s := c.Supervisor
	return supervisor.Config{
		BackgroundBuffer:   s.BackgroundBuffer,
		BackgroundInterval: s.BackgroundInterval,
		DrainDelay:         s.DrainDelay,
		ForegroundThrottle: s.ForegroundThrottle,
		HealthInterval:     s.HealthInterval,
		StaleAfter:         s.StaleAfter,
	}
}

// EngineConfig converts the engine section. Validate has already rejected
// anything that would fail here.
func (c *Config) EngineConfig() (engine.Config, error) {
	e := c.Engine
	rules, err := e.Frequency.rules()
	if err != nil {
		return engine.Config{}, err
	}
	limits := make(registry.Limits, len(e.Limits))
	for name, n := range e.Limits {
		kind, err := parseKind(name)
		if err != nil {
			return engine.Config{}, err
		}
		limits[kind] = n
	}
	return engine.Config{
		Limits:            limits,
		InactivityTimeout: e.InactivityTimeout,
		Exempt:            parseKinds(e.Exempt),
		SweepInterval:     e.SweepInterval,
		Sensor:            models.Position{Lat: e.SensorLat, Lon: e.SensorLon, Alt: e.SensorAlt},
		FrequencyRules:    rules,
	}, nil
}

// FanoutConfig converts the fanout section.
func (c *Config) FanoutConfig() fanout.Config {
	f := c.Fanout
	return fanout.Config{
		Rate:           f.Rate,
		Burst:          f.Burst,
		EntityInterval: f.EntityInterval,
		Timeout:        f.Timeout,
		MaxInFlight:    f.MaxInFlight,
	}
}

func (m MQTTConfig) SinkConfig() sinks.MQTTConfig {
	return sinks.MQTTConfig{
		Broker:    m.Broker,
		ClientID:  m.ClientID,
		Username:  m.Username,
		Password:  m.Password,
		BaseTopic: m.BaseTopic,
		QoS:       byte(m.QoS),
		Retain:    m.Retain,
	}
}

func (t TAKConfig) SinkConfig() sinks.TAKConfig {
	return sinks.TAKConfig{Address: t.Address, Protocol: t.Protocol}
}

func (w WebhookConfig) SinkConfig() sinks.WebhookConfig {
	return sinks.WebhookConfig{URL: w.URL, Token: w.Token, Headers: w.Headers, Timeout: w.Timeout}
}

func (l LatticeConfig) SinkConfig() sinks.LatticeConfig {
	return sinks.LatticeConfig{
		BaseURL:         l.BaseURL,
		Token:           l.Token,
		IntegrationName: l.IntegrationName,
		Timeout:         l.Timeout,
	}
}

func (n NotifyConfig) SinkConfig() sinks.NotifyConfig {
	return sinks.NotifyConfig{
		URLs:    n.URLs,
		Quiet:   n.Quiet,
		Timeout: n.Timeout,
		Kinds:   parseKinds(n.Kinds),
		Offline: n.Offline,
	}
}
