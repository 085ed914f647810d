package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the real-time service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Stream  StreamConfig  `yaml:"stream"`
	Cache   CacheConfig   `yaml:"cache"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	Session   MQTTSessionConfig   `yaml:"session"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Will      *MQTTWillConfig     `yaml:"will,omitempty"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTSessionConfig contains per-connection protocol settings.
type MQTTSessionConfig struct {
	// KeepAlive is the interval between PINGREQ packets when the link is idle.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// CleanSession starts every connection without broker-side session state.
	CleanSession bool `yaml:"clean_session"`

	// ConnectTimeout bounds a single connect handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ProtocolVersion selects MQTT 3.1 (3) or MQTT 3.1.1 (4).
	ProtocolVersion uint `yaml:"protocol_version"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	// InitialDelay is the minimum gap in seconds before each reconnect
	// attempt, measured from the previous attempt. 0 leaves spacing to the
	// transport's own backoff.
	InitialDelay int `yaml:"initial_delay"`
	// MaxDelay caps the transport's exponential backoff, in seconds.
	MaxDelay int `yaml:"max_delay"`
	// MaxAttempts stops automatic reconnection after this many attempts.
	// 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`
}

// MQTTWillConfig is the Last Will and Testament the broker publishes on
// behalf of the client when it disconnects uncleanly.
type MQTTWillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     int    `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// StreamConfig contains companion WebSocket client settings.
type StreamConfig struct {
	// URL of the streaming endpoint. Empty disables the streaming client.
	URL string `yaml:"url"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	MaxMessageSize       int64         `yaml:"max_message_size"`
}

// CacheConfig contains settings for the last-known device status cache.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

// APIConfig contains the status HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: REALTIME_SECTION_KEY
// For example: REALTIME_MQTT_HOST, REALTIME_STREAM_URL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		MQTT: DefaultMQTTConfig(),
		Stream: StreamConfig{
			HeartbeatInterval:    30 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 5,
			MaxMessageSize:       1 << 20,
		},
		Cache: CacheConfig{
			Enabled:   true,
			StatusTTL: 5 * time.Minute,
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    50,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
	}
}

// DefaultMQTTConfig returns the MQTT defaults used when a section is omitted.
// The client ID is left empty so that one is generated per client.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker: MQTTBrokerConfig{
			Host: "localhost",
			Port: 1883,
		},
		Session: MQTTSessionConfig{
			KeepAlive:       60 * time.Second,
			CleanSession:    true,
			ConnectTimeout:  30 * time.Second,
			ProtocolVersion: 4,
		},
		QoS: 1,
		Reconnect: MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     60,
			MaxAttempts:  5,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: REALTIME_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("REALTIME_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("REALTIME_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("REALTIME_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("REALTIME_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("REALTIME_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Stream
	if v := os.Getenv("REALTIME_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}

	// Logging
	if v := os.Getenv("REALTIME_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	errs := c.MQTT.problems()
	errs = append(errs, c.Stream.problems()...)

	if c.Cache.Enabled && c.Cache.StatusTTL <= 0 {
		errs = append(errs, "cache.status_ttl must be positive when the cache is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Logging.Output == "file" && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	return joinProblems(errs)
}

// Validate checks the MQTT connection parameters.
//
// Returns:
//   - error: Description of every invalid parameter, or nil if valid
func (m MQTTConfig) Validate() error {
	return joinProblems(m.problems())
}

func (m MQTTConfig) problems() []string {
	var errs []string

	if m.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if m.Broker.Port < 1 || m.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if m.Auth.Password != "" && m.Auth.Username == "" {
		errs = append(errs, "mqtt.auth.username is required when a password is set")
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if m.Session.KeepAlive < 0 {
		errs = append(errs, "mqtt.session.keep_alive must not be negative")
	}
	if m.Session.ConnectTimeout <= 0 {
		errs = append(errs, "mqtt.session.connect_timeout must be positive")
	}
	if m.Session.ProtocolVersion != 3 && m.Session.ProtocolVersion != 4 {
		errs = append(errs, "mqtt.session.protocol_version must be 3 or 4")
	}
	if m.Reconnect.InitialDelay < 0 || m.Reconnect.MaxDelay < 0 {
		errs = append(errs, "mqtt.reconnect delays must not be negative")
	}
	if m.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "mqtt.reconnect.max_attempts must not be negative")
	}
	if m.Will != nil {
		if m.Will.Topic == "" {
			errs = append(errs, "mqtt.will.topic is required when a will is configured")
		}
		if strings.ContainsAny(m.Will.Topic, "+#") {
			errs = append(errs, "mqtt.will.topic must not contain wildcards")
		}
		if m.Will.QoS < 0 || m.Will.QoS > 2 {
			errs = append(errs, "mqtt.will.qos must be 0, 1, or 2")
		}
	}

	return errs
}

func (s StreamConfig) problems() []string {
	if s.URL == "" {
		return nil
	}

	var errs []string
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, "stream.url must be a ws:// or wss:// URL")
	}
	if s.HeartbeatInterval <= 0 {
		errs = append(errs, "stream.heartbeat_interval must be positive")
	}
	if s.ReconnectDelay <= 0 {
		errs = append(errs, "stream.reconnect_delay must be positive")
	}
	if s.MaxReconnectAttempts < 0 {
		errs = append(errs, "stream.max_reconnect_attempts must not be negative")
	}
	return errs
}

func joinProblems(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BrokerAddress returns host:port of the configured broker.
func (m MQTTConfig) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", m.Broker.Host, m.Broker.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
