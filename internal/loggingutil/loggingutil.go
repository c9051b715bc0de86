// Package loggingutil builds and normalises the pslog loggers used across the
// server.
package loggingutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// Output formats accepted by New.
const (
	FormatStructured = "structured"
	FormatConsole    = "console"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// New returns a logger writing to w at the named level.
func New(w io.Writer, level, format string) (pslog.Logger, error) {
	lvl, ok := pslog.ParseLevel(strings.TrimSpace(level))
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	opts := pslog.Options{MinLevel: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatStructured:
		opts.Mode = pslog.ModeStructured
	case FormatConsole:
		opts.Mode = pslog.ModeConsole
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return pslog.NewWithOptions(w, opts), nil
}

// NoopLogger returns a disabled logger that discards all entries.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// WithSubsystem tags every entry of l with sys=subsystem.
func WithSubsystem(l pslog.Logger, subsystem string) pslog.Logger {
	l = EnsureLogger(l)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return l
	}
	return l.With("sys", subsystem)
}

// FromContext returns the logger stored in ctx, or a disabled logger.
func FromContext(ctx context.Context) pslog.Logger {
	return EnsureLogger(pslog.LoggerFromContext(ctx))
}
