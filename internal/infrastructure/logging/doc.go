// Package logging provides structured logging for the WebThings MQTT bridge.
//
// It wraps Go's standard log/slog package so every component logs with the
// same handler, level filtering and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("bridge started", "gateway", cfg.WebThings.URL)
//	logger.Error("failed to connect", "error", err)
//
// Never log the gateway access token or broker password.
package logging
