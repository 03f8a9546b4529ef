// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Retry backoff scheduling
//   - Producer state transitions
//   - Rate limit header updates
//
// Info: Normal operation events
//   - Sweep and replay completion with counters
//   - Session log paths and the final report
//   - Requests that succeeded after a retry
//
// Warn: Warning conditions that don't prevent operation
//   - 429 and 5xx responses before retry
//   - Active rate limit cooldowns
//   - Malformed replay lines (skipped)
//   - Replaying a .success log
//   - Redis rate limit store errors (fallback to no shared cooldown)
//
// Error: Error conditions requiring attention
//   - Work items that failed (after retries)
//   - Transport errors
//   - Outcome log write failures
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting package (stack-client, dispatcher, producer, replay, outcome)
//   - operation: Operation kind (publish_entries, bulk_unpublish, ...)
//   - status: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network)
//   - attempt: Attempt number of a request
//   - batch: Dispatch sequence number of a work item
//   - entities: Entity count of a work item
