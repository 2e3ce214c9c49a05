// Package logging builds the process logger and adapts it to the
// libraries that bring their own logging interface.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New creates a logger writing text or json records to w
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(h), nil
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CronLogger routes robfig/cron's scheduler messages through slog. Routine
// scheduling chatter is logged at debug.
type CronLogger struct {
	log *slog.Logger
}

var _ cron.Logger = CronLogger{}

// NewCronLogger wraps log
func NewCronLogger(log *slog.Logger) CronLogger {
	return CronLogger{log: log.With(slog.String("component", "cron"))}
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
