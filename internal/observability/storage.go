package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"proximity/internal/storage"
)

// InstrumentedStore wraps a storage.Store with OpenTelemetry tracing and
// metrics. Cache misses (storage.ErrNotFound) are not counted as errors.
type InstrumentedStore struct {
	inner    storage.Store
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

var _ storage.Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore creates a store wrapper that records trace spans,
// operation latency histograms, and error counters for every store call.
func NewInstrumentedStore(inner storage.Store) (*InstrumentedStore, error) {
	tracer := otel.Tracer("proximity/storage")
	meter := otel.Meter("proximity/storage")

	duration, err := meter.Float64Histogram(
		"proximity.store.operation.duration",
		metric.WithDescription("Duration of persistent cache store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"proximity.store.operation.errors",
		metric.WithDescription("Number of persistent cache store errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("store.operation", operation),
		}, attrs...)...),
	)
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, storage.ErrNotFound):
		span.SetAttributes(attribute.Bool("store.miss", true))
		span.SetStatus(codes.Ok, "")
	default:
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (*storage.Record, error) {
	ctx, span := s.startSpan(ctx, "Get", attribute.String("key", key))
	start := time.Now()
	rec, err := s.inner.Get(ctx, key)
	s.record(ctx, span, "Get", start, err)
	return rec, err
}

func (s *InstrumentedStore) Put(ctx context.Context, rec *storage.Record) error {
	ctx, span := s.startSpan(ctx, "Put",
		attribute.String("key", rec.Key),
		attribute.Int("payload_bytes", len(rec.Payload)),
	)
	start := time.Now()
	err := s.inner.Put(ctx, rec)
	s.record(ctx, span, "Put", start, err)
	return err
}

func (s *InstrumentedStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	ctx, span := s.startSpan(ctx, "DeletePrefix", attribute.String("prefix", prefix))
	start := time.Now()
	n, err := s.inner.DeletePrefix(ctx, prefix)
	span.SetAttributes(attribute.Int("removed", n))
	s.record(ctx, span, "DeletePrefix", start, err)
	return n, err
}

func (s *InstrumentedStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, span := s.startSpan(ctx, "PurgeExpired")
	start := time.Now()
	n, err := s.inner.PurgeExpired(ctx, before)
	span.SetAttributes(attribute.Int("removed", n))
	s.record(ctx, span, "PurgeExpired", start, err)
	return n, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
