// Package telemetry builds the process logger, the Prometheus registry and
// the tracer used by every component.
package telemetry

import (
	"context"
	"io"
	"strings"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("agent-context")

// NewLogger creates a logger writing JSON (or console output when format is
// "console") at the given level.
func NewLogger(out io.Writer, format, level string) *bolt.Logger {
	var l *bolt.Logger
	if format == "console" {
		l = bolt.New(bolt.NewConsoleHandler(out))
	} else {
		l = bolt.New(bolt.NewJSONHandler(out))
	}

	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(bolt.DEBUG)
	case "warn", "warning":
		l.SetLevel(bolt.WARN)
	case "error":
		l.SetLevel(bolt.ERROR)
	default:
		l.SetLevel(bolt.INFO)
	}
	return l
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *bolt.Logger {
	return bolt.New(bolt.NewJSONHandler(io.Discard))
}

// StartSpan starts an OTel span. Spans are no-ops unless an SDK is installed.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}
