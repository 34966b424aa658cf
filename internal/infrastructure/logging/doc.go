// Package logging provides structured logging for the gateway.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text while developing, with service and version attached to
// every entry.
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
//	logger := logging.New(cfg.Logging, version)
//	busLogger := logger.With("component", "bus")
//	busLogger.Warn("read retry", "unit", 3, "error", err)
//
// # Security
//
// Never log the application key, derived device keys or SAS tokens.
package logging
