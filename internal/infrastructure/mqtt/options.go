package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for the connection attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for an operation acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultStatusTopic carries the bridge's retained availability.
	defaultStatusTopic = "webthings-bridge/status"

	// clientIDPrefix prefixes generated client IDs.
	clientIDPrefix = "webthings-mqtt-bridge-"

	// messageBufferSize is the capacity of the inbound message channel.
	messageBufferSize = 256

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// tlsSchemes are broker URL schemes that require a TLS configuration.
var tlsSchemes = map[string]bool{
	"ssl": true, "tls": true, "mqtts": true, "wss": true,
}

// buildClientOptions creates paho MQTT options from bridge config.
//
// This configures:
//   - Broker URL exactly as configured (tcp, mqtt, ssl, tls, mqtts, ws, wss)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - A single connection attempt with auto-reconnect disabled
//   - TLS configuration for secure schemes
//   - Clean session mode and in-order message delivery
func buildClientOptions(cfg config.MQTTConfig, clientID string) (*pahomqtt.ClientOptions, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid broker url %q", cfg.URL)
	}
	if err := validateQoS(cfg.QoS); err != nil {
		return nil, err
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)

	// Client identification
	opts.SetClientID(clientID)

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - the bridge re-derives every subscription after connecting
	opts.SetCleanSession(true)

	// Reconnection belongs to the caller's state machine
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// Handlers run sequentially so Messages() preserves receive order
	opts.SetOrderMatters(true)

	opts.SetConnectTimeout(connectTimeout(cfg))
	opts.SetKeepAlive(defaultKeepAlive)

	if tlsSchemes[u.Scheme] {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	return opts, nil
}

// resolveClientID returns the configured ID or generates a unique one.
func resolveClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return clientIDPrefix + uuid.NewString()[:8]
}

func connectTimeout(cfg config.MQTTConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return defaultConnectTimeout
}

func statusTopic(cfg config.MQTTConfig) string {
	if cfg.StatusTopic != "" {
		return cfg.StatusTopic
	}
	return defaultStatusTopic
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the bridge disconnects
// unexpectedly (crash, network failure, etc.).
//
// QoS: 1 (guaranteed delivery)
// Retained: true (new subscribers see last status)
func configureLWT(opts *pahomqtt.ClientOptions, topic, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)

	opts.SetWill(topic, willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
