// Package logging provides structured logging for the real-time service.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Rotated file output (lumberjack) for gateways without a log shipper
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Report: the error-reporting sink used by the MQTT and stream clients
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/realtime.log"
//	    max_size: 50     # megabytes
//	    max_backups: 3
//	    max_age: 28      # days
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "broker", cfg.MQTT.BrokerAddress())
//	logger.Report(err, logging.SeverityHigh, "mqtt", map[string]any{"topic": t})
//
// # Security
//
// Never log broker passwords or tokens.
package logging
