// Package logging configures the process slog logger. Records go to a local JSON or text
// handler and, when a LoggerProvider is given, to OpenTelemetry logs as well.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	otellog "go.opentelemetry.io/otel/log"
)

// ParseLevel normalizes a log level string into slog.Level.
// Unknown values return slog.LevelInfo with an error.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// Options controls logger formatting and destinations.
type Options struct {
	Level  string
	JSON   bool
	Writer io.Writer // defaults to stderr
	// LoggerProvider, when set, receives every record as an OTel log record.
	LoggerProvider otellog.LoggerProvider
	// Name is the instrumentation scope used with LoggerProvider.
	Name string
	// SetDefault installs the logger with slog.SetDefault.
	SetDefault bool
}

// New constructs a configured slog.Logger and returns its parsed level.
func New(opt Options) (*slog.Logger, slog.Level, error) {
	level, err := ParseLevel(opt.Level)
	if err != nil {
		return nil, 0, err
	}
	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	ho := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var h slog.Handler
	if opt.JSON {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	if opt.LoggerProvider != nil {
		name := opt.Name
		if name == "" {
			name = "session-provisioner"
		}
		h = Tee(h, NewOTelHandler(opt.LoggerProvider.Logger(name), level))
	}
	lg := slog.New(h)
	if opt.SetDefault {
		slog.SetDefault(lg)
	}
	return lg, level, nil
}
