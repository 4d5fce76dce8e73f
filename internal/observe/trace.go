package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the yomiage tracer.
const tracerName = "github.com/MrWong99/yomiage"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done. When ctx carries a guild (see
// [WithGuild]) the span is tagged with it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if g := GuildID(ctx); g != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("guild_id", g)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// FailSpan records err on span and marks it failed with desc.
func FailSpan(span trace.Span, err error, desc string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, desc)
}

type guildKey struct{}

// WithGuild returns a context tagged with the guild the work belongs to.
// Spans started and loggers derived from it carry guild_id.
func WithGuild(ctx context.Context, guildID string) context.Context {
	if guildID == "" {
		return ctx
	}
	return context.WithValue(ctx, guildKey{}, guildID)
}

// GuildID returns the guild set by [WithGuild], or "".
func GuildID(ctx context.Context) string {
	g, _ := ctx.Value(guildKey{}).(string)
	return g
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with guild_id, trace_id
// and span_id when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if g := GuildID(ctx); g != "" {
		l = l.With(slog.String("guild_id", g))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
