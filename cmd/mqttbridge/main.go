// WebThings MQTT Bridge
//
// This is the main entry point for the bridge between a WebThings gateway
// and an MQTT broker. Gateway notifications are published under
// webthings/<device>/..., and commands published to the /set, /execute and
// /get topics are relayed back to the gateway.
//
// Configuration is read from configs/config.yaml, or from the path in
// MQTTBRIDGE_CONFIG. A path ending in .json is read as the add-on host's
// flat configuration object.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/api"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/bridge"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/webthings"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when MQTTBRIDGE_CONFIG is unset.
	defaultConfigPath = "configs/config.yaml"

	// configPathEnv names the environment variable holding the config path.
	configPathEnv = "MQTTBRIDGE_CONFIG"

	dotEnvPath = ".env"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Neither side has to be reachable at startup: the bridge keeps retrying
// both connections until ctx is cancelled.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing a startup failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting WebThings MQTT bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadDotEnv(dotEnvPath); err != nil {
		return fmt.Errorf("loading %s: %w", dotEnvPath, err)
	}

	configPath := getConfigPath()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	if cfg.WebThings.URL == "" {
		cfg.WebThings.URL = resolveGatewayURL(ctx, cfg.WebThings.Discovery, webthings.Discover, log)
	}

	// Connect to InfluxDB (optional)
	var recorder bridge.Recorder
	var telemetry api.HealthChecker
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		recorder = influxClient
		telemetry = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	b, err := bridge.New(bridge.Options{
		Config:     cfg.Bridge,
		DialSource: sourceDialer(cfg.WebThings, log),
		DialSink:   sinkDialer(cfg.MQTT, log),
		Recorder:   recorder,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	b.Start()
	defer func() {
		log.Info("stopping bridge")
		b.Stop()
	}()
	log.Info("bridge started",
		"gateway", cfg.WebThings.URL,
		"broker", cfg.MQTT.URL,
	)

	// Start status API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			Logger:    log,
			Bridge:    b,
			Telemetry: telemetry,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Bridge
	// 3. InfluxDB (if enabled)

	return nil
}

// sourceDialer returns the bridge's gateway dialer.
func sourceDialer(cfg config.WebThingsConfig, log *logging.Logger) bridge.DialFunc[bridge.DeviceSource] {
	return func(ctx context.Context) (bridge.DeviceSource, error) {
		c, err := webthings.Connect(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// sinkDialer returns the bridge's broker dialer.
func sinkDialer(cfg config.MQTTConfig, log *logging.Logger) bridge.DialFunc[bridge.CommandSink] {
	return func(ctx context.Context) (bridge.CommandSink, error) {
		c, err := mqtt.Connect(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// discoverFunc locates the gateway; webthings.Discover in production.
type discoverFunc func(ctx context.Context, cfg config.DiscoveryConfig) (string, error)

// resolveGatewayURL runs discovery once. A failed lookup is not fatal: the
// bridge starts against config.DefaultGatewayURL and its reconnect loop keeps
// trying until a gateway answers there.
func resolveGatewayURL(ctx context.Context, cfg config.DiscoveryConfig, discover discoverFunc, log *logging.Logger) string {
	gatewayURL, err := discover(ctx, cfg)
	if err != nil {
		log.Warn("gateway discovery failed, using default URL",
			"url", config.DefaultGatewayURL,
			"error", err,
		)
		return config.DefaultGatewayURL
	}
	log.Info("gateway discovered", "url", gatewayURL)
	return gatewayURL
}

// getConfigPath returns the configuration file path.
// Uses MQTTBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(configPathEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads YAML configuration, or the host's JSON object when the
// path ends in .json.
func loadConfig(path string) (*config.Config, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return config.LoadHostConfig(path)
	}
	return config.Load(path)
}
