package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Network     NetworkConfig     `yaml:"network"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Integration IntegrationConfig `yaml:"integration"`
	KEK         KEKConfig         `yaml:"kek"`
	Regions     []RegionConfig    `yaml:"regions"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration. When File is set the output
// is also written to a rotating log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// NetworkConfig represents the network-server settings shared by all regions
type NetworkConfig struct {
	NetID               string          `yaml:"net_id"`
	DeduplicationDelay  time.Duration   `yaml:"deduplication_delay"`
	DeviceSessionTTL    time.Duration   `yaml:"device_session_ttl"`
	Workers             int             `yaml:"workers"`
	MACCommandsDisabled bool            `yaml:"mac_commands_disabled"`
	ADRBackoffThreshold int             `yaml:"adr_backoff_threshold"`
	ClassALockDuration  time.Duration   `yaml:"class_a_lock_duration"`
	ClassCLockDuration  time.Duration   `yaml:"class_c_lock_duration"`
	Scheduler           SchedulerConfig `yaml:"scheduler"`
}

// SchedulerConfig configures the class-C downlink scheduler loop
type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// GatewayConfig represents gateway bridge configuration
type GatewayConfig struct {
	UDPBind          string        `yaml:"udp_bind"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
	PushTimeout      time.Duration `yaml:"push_timeout"`
	RegionConfigID   string        `yaml:"region_config_id"`
	RegionCommonName string        `yaml:"region_common_name"`
}

// IntegrationConfig configures where the application server forwards
// device events
type IntegrationConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
	HTTP HTTPConfig `yaml:"http"`
}

// MQTTConfig represents the MQTT integration
type MQTTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	QoS           byte   `yaml:"qos"`
	TopicTemplate string `yaml:"topic_template"`
}

// HTTPConfig represents the HTTP integration
type HTTPConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// KEKConfig holds the key-encryption key used to wrap AppSKeys. An empty
// label disables wrapping.
type KEKConfig struct {
	Label string `yaml:"label"`
	Key   string `yaml:"key"`
}

// RegionConfig is one configured region (band plus network parameters)
type RegionConfig struct {
	ID         string              `yaml:"id"`
	CommonName string              `yaml:"common_name"`
	Gateway    RegionGatewayConfig `yaml:"gateway"`
	Network    RegionNetworkConfig `yaml:"network"`
}

// RegionGatewayConfig holds the gateway options of a region
type RegionGatewayConfig struct {
	ForceGwsPrivate bool `yaml:"force_gws_private"`
}

// ExtraChannel is a user defined uplink channel
type ExtraChannel struct {
	Frequency uint32 `yaml:"frequency"`
	MinDR     int    `yaml:"min_dr"`
	MaxDR     int    `yaml:"max_dr"`
}

// RegionNetworkConfig holds the network parameters of a region
type RegionNetworkConfig struct {
	InstallationMargin     float64        `yaml:"installation_margin"`
	RXWindow               int            `yaml:"rx_window"`
	RX1Delay               int            `yaml:"rx1_delay"`
	RX1DROffset            int            `yaml:"rx1_dr_offset"`
	RX2DR                  int            `yaml:"rx2_dr"`
	RX2Frequency           uint32         `yaml:"rx2_frequency"`
	RX2PreferOnRX1DRLt     int            `yaml:"rx2_prefer_on_rx1_dr_lt"`
	GatewayPreferMinMargin float64        `yaml:"gateway_prefer_min_margin"`
	DownlinkTxPower        int            `yaml:"downlink_tx_power"`
	ADRDisabled            bool           `yaml:"adr_disabled"`
	MinDR                  int            `yaml:"min_dr"`
	MaxDR                  int            `yaml:"max_dr"`
	RepeaterCompatible     bool           `yaml:"repeater_compatible"`
	EnabledUplinkChannels  []int          `yaml:"enabled_uplink_channels"`
	ExtraChannels          []ExtraChannel `yaml:"extra_channels"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses a YAML configuration, applies environment overrides and
// defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		Network: NetworkConfig{
			ADRBackoffThreshold: -1,
		},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.Integration.MQTT.Broker = broker
	}
}

// setDefaults fills in the values left empty by the config file
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 60 * time.Second
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 5 * time.Second
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 24 * time.Hour
	}

	n := &c.Network
	if n.NetID == "" {
		n.NetID = "000000"
	}
	if n.DeduplicationDelay == 0 {
		n.DeduplicationDelay = 200 * time.Millisecond
	}
	if n.DeviceSessionTTL == 0 {
		n.DeviceSessionTTL = 31 * 24 * time.Hour
	}
	if n.Workers == 0 {
		n.Workers = 16
	}
	if n.ADRBackoffThreshold < 0 {
		n.ADRBackoffThreshold = 3
	}
	if n.ClassALockDuration == 0 {
		n.ClassALockDuration = 5 * time.Second
	}
	if n.ClassCLockDuration == 0 {
		n.ClassCLockDuration = 5 * time.Second
	}
	if n.Scheduler.Interval == 0 {
		n.Scheduler.Interval = time.Second
	}
	if n.Scheduler.BatchSize == 0 {
		n.Scheduler.BatchSize = 100
	}

	if c.Gateway.UDPBind == "" {
		c.Gateway.UDPBind = "0.0.0.0:1700"
	}
	if c.Gateway.StatsInterval == 0 {
		c.Gateway.StatsInterval = 30 * time.Second
	}
	if c.Gateway.PushTimeout == 0 {
		c.Gateway.PushTimeout = 100 * time.Millisecond
	}

	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "lorawan-application-server"
	}
	if c.Integration.MQTT.TopicTemplate == "" {
		c.Integration.MQTT.TopicTemplate = "application/{{application_id}}/device/{{dev_eui}}/event/{{event}}"
	}
	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 10 * time.Second
	}

	for i := range c.Regions {
		r := &c.Regions[i].Network
		if r.DownlinkTxPower == 0 {
			r.DownlinkTxPower = -1
		}
		if r.InstallationMargin == 0 {
			r.InstallationMargin = 10
		}
	}
}

// Validate checks the configuration for values the servers cannot run with
func (c *Config) Validate() error {
	var errs []error

	if len(c.Network.NetID) != 6 {
		errs = append(errs, fmt.Errorf("network.net_id must be 3 hex encoded bytes"))
	}
	if c.Network.Workers < 1 {
		errs = append(errs, fmt.Errorf("network.workers must be at least 1"))
	}

	seen := make(map[string]bool)
	for _, r := range c.Regions {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("region without id"))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate region id: %s", r.ID))
		}
		seen[r.ID] = true
		if r.CommonName == "" {
			errs = append(errs, fmt.Errorf("region %s: common_name is required", r.ID))
		}
		if r.Network.RXWindow < 0 || r.Network.RXWindow > 2 {
			errs = append(errs, fmt.Errorf("region %s: rx_window must be 0, 1 or 2", r.ID))
		}
		if r.Network.MinDR > r.Network.MaxDR && r.Network.MaxDR != 0 {
			errs = append(errs, fmt.Errorf("region %s: min_dr must not exceed max_dr", r.ID))
		}
	}

	if c.KEK.Label != "" && len(c.KEK.Key) != 32 {
		errs = append(errs, fmt.Errorf("kek.key must be 16 hex encoded bytes"))
	}

	return errors.Join(errs...)
}
