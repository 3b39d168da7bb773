// Package obs wraps the fetch pipeline's suspension points with
// OpenTelemetry spans and counters, and provides an instrumented
// http.RoundTripper. Every function degrades to a no-op when no
// tracer/meter provider has been configured, so importing this package
// never requires a collector to be running.
package obs

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "cachedir/fetch"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)

	cacheHits, _    = meter.Int64Counter("cachedir.cache_hits")
	cacheMisses, _  = meter.Int64Counter("cachedir.cache_misses")
	bytesFetched, _ = meter.Int64Counter("cachedir.bytes_downloaded")
)

// Point names the places a fetch can suspend, for span naming
// consistency.
type Point string

const (
	PointHTTPRequest  Point = "http_request"
	PointBodyDrain    Point = "body_drain"
	PointAtomicWrite  Point = "atomic_write"
	PointSidecarWrite Point = "sidecar_write"
	PointDigest       Point = "digest"
	PointBackoffSleep Point = "backoff_sleep"
)

// Span starts a span named after the suspension point being entered,
// and returns the function to end it.
func Span(ctx context.Context, p Point) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, string(p), trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func() { span.End() }
}

// RecordHit increments the cache-hit counter.
func RecordHit(ctx context.Context) {
	cacheHits.Add(ctx, 1)
}

// RecordMiss increments the cache-miss counter.
func RecordMiss(ctx context.Context) {
	cacheMisses.Add(ctx, 1)
}

// RecordBytes adds n to the bytes-downloaded counter.
func RecordBytes(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	bytesFetched.Add(ctx, n)
}

// InstrumentedClient wraps base (or http.DefaultTransport if base is
// nil) with otelhttp so every remote fetch call produces a span and
// the standard otelhttp request/response metrics.
func InstrumentedClient(base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base),
	}
}
