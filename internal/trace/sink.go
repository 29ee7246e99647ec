package trace

import (
	"context"
	"io"
	"log/slog"
)

// Sink receives human-readable progress lines from the execution core.
// Implementations must not block the caller indefinitely; buffering or
// dropping under pressure is the sink's responsibility.
type Sink interface {
	Emit(ctx context.Context, level slog.Level, message string)
}

// SlogSink writes trace lines through a slog.Logger, enriched with the
// correlation IDs carried on the context.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink over the given logger. A nil logger falls back
// to slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// NewTextSink creates a sink writing text-formatted lines to w at the given
// minimum level, with correlation IDs injected automatically.
func NewTextSink(w io.Writer, level slog.Level) *SlogSink {
	handler := NewCorrelationHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return &SlogSink{logger: slog.New(handler)}
}

func (s *SlogSink) Emit(ctx context.Context, level slog.Level, message string) {
	s.logger.Log(ctx, level, message)
}

// NopSink discards everything. Used when callers do not care about traces.
type NopSink struct{}

func (NopSink) Emit(context.Context, slog.Level, string) {}
