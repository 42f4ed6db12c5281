package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Span times one operation. A span started under another shares its
// trace ID; a root span takes the correlation ID as its trace ID.
type Span struct {
	TraceID  string
	SpanID   string
	ParentID string
	Op       string
	Start    time.Time
	Elapsed  time.Duration
	Outcome  string
	Attrs    []slog.Attr

	tracer *Tracer
}

// Exporter receives finished spans.
type Exporter func(Span)

// Tracer starts spans and hands finished ones to its exporter.
type Tracer struct {
	export Exporter
}

// NewTracer returns a tracer. A nil exporter drops spans.
func NewTracer(export Exporter) *Tracer {
	return &Tracer{export: export}
}

// LogExporter writes finished spans to logger at debug level.
func LogExporter(logger *slog.Logger) Exporter {
	return func(s Span) {
		attrs := append([]slog.Attr{
			slog.String("trace_id", s.TraceID),
			slog.String("span_id", s.SpanID),
			slog.String("op", s.Op),
			slog.String("outcome", s.Outcome),
			slog.Int64("duration_ms", s.Elapsed.Milliseconds()),
		}, s.Attrs...)
		if s.ParentID != "" {
			attrs = append(attrs, slog.String("parent_id", s.ParentID))
		}
		logger.LogAttrs(context.Background(), slog.LevelDebug, "span", attrs...)
	}
}

type spanKey struct{}

// Start opens a span for op and returns a context carrying it.
func (t *Tracer) Start(ctx context.Context, op string, attrs ...slog.Attr) (context.Context, *Span) {
	s := &Span{SpanID: NewID(), Op: op, Start: time.Now(), Attrs: attrs, tracer: t}
	if parent, ok := ctx.Value(spanKey{}).(*Span); ok {
		s.TraceID, s.ParentID = parent.TraceID, parent.SpanID
	} else if s.TraceID = CorrelationID(ctx); s.TraceID == "" {
		s.TraceID = NewID()
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

// End records the span's outcome and exports it. An empty outcome
// reads as "ok".
func (s *Span) End(outcome string) {
	s.Elapsed = time.Since(s.Start)
	s.Outcome = outcome
	if s.Outcome == "" {
		s.Outcome = "ok"
	}
	if s.tracer != nil && s.tracer.export != nil {
		s.tracer.export(*s)
	}
}

// KeyAttrs describes the state key an operation works on.
func KeyAttrs(url, scope string) []slog.Attr {
	attrs := []slog.Attr{slog.String("url", url)}
	if scope != "" {
		attrs = append(attrs, slog.String("context", scope))
	}
	return attrs
}
