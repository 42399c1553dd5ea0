// Package logging provides structured logging for tenantflow.
// It uses Go's standard library slog package with support for different
// output formats and log levels, and can capture the logs of individual
// executions so they can be served over the API.
//
// Example usage:
//
//	logger, err := logging.New(logging.Config{
//		Level:  "info",
//		Format: "json",
//	})
//	engineLogger := logger.Component("engine")
//	engineLogger.Info("execution started", "execution_id", id, "tenant_id", tenantID)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"
)

// Config holds the configuration for the logger.
type Config struct {
	// Level sets the minimum log level. Valid values: debug, info, warn, error
	Level string `yaml:"level"`
	// Format sets the output format. Valid values: json, text
	Format string `yaml:"format"`
	// Output sets the output destination. Valid values: stdout, stderr, or a file path
	Output string `yaml:"output"`
	// AddSource adds source code position to log records
	AddSource bool `yaml:"add_source"`
}

// Logger is a configured slog.Logger that owns its output.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a logger from cfg. Unset fields default to info level JSON
// on stdout.
func New(cfg Config) (*Logger, error) {
	cfg.setDefaults()
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: rfc3339Time,
	}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		out.Close()
		return nil, fmt.Errorf("invalid logging config: format must be one of: %s", strings.Join(formats, ", "))
	}
	return &Logger{Logger: slog.New(handler), closer: out}, nil
}

// Component returns a logger tagged with the component name.
func (l *Logger) Component(name string) *slog.Logger {
	return l.With("component", name)
}

// Close releases the log file, if logging to one.
func (l *Logger) Close() error {
	return l.closer.Close()
}

var (
	levels  = []string{"debug", "info", "warn", "error"}
	formats = []string{"json", "text"}
)

func (cfg *Config) setDefaults() {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func parseLevel(s string) (slog.Level, error) {
	if !slices.Contains(levels, strings.ToLower(s)) {
		return slog.LevelInfo, fmt.Errorf("level must be one of: %s", strings.Join(levels, ", "))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

func rfc3339Time(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
	}
	return a
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// openOutput opens stdout, stderr or an append-only log file.
func openOutput(output string) (io.WriteCloser, error) {
	switch output {
	case "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", output, err)
	}
	return f, nil
}
