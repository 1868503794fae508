package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the WebThings MQTT bridge.
// All configuration is loaded from YAML (or host JSON) and can be overridden
// by environment variables.
type Config struct {
	WebThings WebThingsConfig `yaml:"webthings"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WebThingsConfig contains WebThings gateway connection settings.
type WebThingsConfig struct {
	// URL is the gateway base URL (e.g., "http://localhost:8080").
	// If empty and discovery is enabled, the gateway is located via mDNS.
	URL string `yaml:"url"`

	// AccessToken is the gateway-issued JWT used for REST and WebSocket auth.
	AccessToken string `yaml:"access_token"`

	// RequestTimeout bounds each REST call to the gateway.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// InsecureSkipVerify disables TLS verification for self-signed gateways.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig contains mDNS gateway discovery settings.
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	// URL is the broker URL (e.g., "tcp://localhost:1883", "ssl://broker:8883").
	URL      string         `yaml:"url"`
	ClientID string         `yaml:"client_id"`
	Auth     MQTTAuthConfig `yaml:"auth"`
	QoS      int            `yaml:"qos"`

	// StatusTopic carries the bridge's retained online/offline status.
	// It sits outside the webthings/ tree so it can never collide with a device id.
	StatusTopic string `yaml:"status_topic"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BridgeConfig contains orchestrator settings.
type BridgeConfig struct {
	// RetryDelay is the fixed delay between reconnection attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// CommandTimeout bounds each device operation triggered by an MQTT command.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains status API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HostConfig is the flat configuration object supplied by the gateway's
// add-on host. Key names are fixed by the host's add-on manifest.
type HostConfig struct {
	AccessToken  string `json:"webthingsclient_accessToken"`
	BrokerURL    string `json:"mqttbroker_url"`
	BrokerUser   string `json:"mqttbroker_user,omitempty"`
	BrokerPasswd string `json:"mqttbroker_password,omitempty"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTBRIDGE_SECTION_KEY
// For example: MQTTBRIDGE_MQTT_URL, MQTTBRIDGE_WEBTHINGS_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

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

// LoadHostConfig reads the host-supplied JSON configuration and maps it onto
// the default configuration. Environment overrides still apply.
func LoadHostConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host config: %w", err)
	}

	var host HostConfig
	if err := json.Unmarshal(data, &host); err != nil {
		return nil, fmt.Errorf("parsing host config: %w", err)
	}

	cfg := FromHost(host)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromHost builds a Config from the host's flat key set.
// Credentials are only used when both user and password are present.
func FromHost(host HostConfig) *Config {
	cfg := defaultConfig()
	cfg.WebThings.AccessToken = host.AccessToken
	cfg.MQTT.URL = host.BrokerURL
	if host.BrokerUser != "" && host.BrokerPasswd != "" {
		cfg.MQTT.Auth.Username = host.BrokerUser
		cfg.MQTT.Auth.Password = host.BrokerPasswd
	}
	return cfg
}

// LoadDotEnv loads environment variables from a .env file.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DefaultGatewayURL is the gateway's local address. It is also the fallback
// when mDNS discovery finds nothing.
const DefaultGatewayURL = "http://localhost:8080"

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		WebThings: WebThingsConfig{
			URL:            DefaultGatewayURL,
			RequestTimeout: 10 * time.Second,
			Discovery: DiscoveryConfig{
				Service: "_webthing._tcp",
				Domain:  "local.",
				Timeout: 5 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			URL:            "tcp://localhost:1883",
			QoS:            0,
			StatusTopic:    "webthings-bridge/status",
			ConnectTimeout: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			RetryDelay:     time.Second,
			CommandTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTTBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// WebThings
	if v := os.Getenv("MQTTBRIDGE_WEBTHINGS_URL"); v != "" {
		cfg.WebThings.URL = v
	}
	if v := os.Getenv("MQTTBRIDGE_WEBTHINGS_TOKEN"); v != "" {
		cfg.WebThings.AccessToken = v
	}

	// MQTT
	if v := os.Getenv("MQTTBRIDGE_MQTT_URL"); v != "" {
		cfg.MQTT.URL = v
	}
	if v := os.Getenv("MQTTBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQTTBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("MQTTBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("MQTTBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// supportedBrokerSchemes lists the URL schemes paho can dial.
var supportedBrokerSchemes = map[string]bool{
	"tcp": true, "mqtt": true, "ssl": true, "tls": true, "mqtts": true, "ws": true, "wss": true,
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// WebThings validation
	if c.WebThings.AccessToken == "" {
		errs = append(errs, "webthings.access_token is required (set MQTTBRIDGE_WEBTHINGS_TOKEN environment variable)")
	}
	if c.WebThings.URL == "" && !c.WebThings.Discovery.Enabled {
		errs = append(errs, "webthings.url is required unless webthings.discovery.enabled is set")
	}
	if c.WebThings.URL != "" {
		if u, err := url.Parse(c.WebThings.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, "webthings.url must be an http:// or https:// URL")
		}
	}

	// MQTT validation
	if c.MQTT.URL == "" {
		errs = append(errs, "mqtt.url is required")
	} else if u, err := url.Parse(c.MQTT.URL); err != nil || !supportedBrokerSchemes[u.Scheme] || u.Host == "" {
		errs = append(errs, "mqtt.url must be a broker URL such as tcp://host:1883")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if strings.HasPrefix(c.MQTT.StatusTopic, "webthings/") {
		errs = append(errs, "mqtt.status_topic must not be inside the webthings/ tree")
	}

	// Bridge validation
	if c.Bridge.RetryDelay <= 0 {
		errs = append(errs, "bridge.retry_delay must be positive")
	}
	if c.Bridge.CommandTimeout <= 0 {
		errs = append(errs, "bridge.command_timeout must be positive")
	}

	// Optional sinks
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
