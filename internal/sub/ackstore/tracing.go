package ackstore

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"logsub/internal/sub"
	"logsub/internal/sub/tracing"
)

// TracedStore wraps a sub.AckStore with distributed tracing
// Layer order: TracedStore -> MetricsStore -> store (real thing)
type TracedStore struct {
	store     sub.AckStore
	tracer    *tracing.Tracer
	partition int32
}

// NewTracedStore creates a new traced ack store for partition
func NewTracedStore(store sub.AckStore, tracer *tracing.Tracer, partition int32) sub.AckStore {
	return &TracedStore{
		store:     store,
		tracer:    tracer,
		partition: partition,
	}
}

// Get implements sub.AckStore.Get with distributed tracing
func (s *TracedStore) Get(ctx context.Context, name string) (int64, bool, error) {
	ctx, span := s.tracer.StartSpan(ctx, "ackstore.get")
	defer span.End()

	span.SetAttributes(s.tracer.StoreAttributes("get")...)
	span.SetAttributes(s.tracer.SubscriptionAttributes(s.partition, name)...)

	pos, found, err := s.store.Get(ctx, name)

	if err != nil {
		s.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(
			attribute.Bool("logsub.ack_found", found),
			attribute.Int64("logsub.ack_position", pos),
		)
	}

	span.SetAttributes(s.tracer.ErrorAttributes(err)...)
	return pos, found, err
}

// Put implements sub.AckStore.Put with distributed tracing
func (s *TracedStore) Put(ctx context.Context, name string, position int64) error {
	ctx, span := s.tracer.StartSpan(ctx, "ackstore.put")
	defer span.End()

	span.SetAttributes(s.tracer.StoreAttributes("put")...)
	span.SetAttributes(s.tracer.SubscriptionAttributes(s.partition, name)...)
	span.SetAttributes(attribute.Int64("logsub.ack_position", position))

	err := s.store.Put(ctx, name, position)

	if err != nil {
		s.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(s.tracer.ErrorAttributes(err)...)
	return err
}

// ProcessedPosition implements sub.AckStore.ProcessedPosition with distributed tracing
func (s *TracedStore) ProcessedPosition(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.StartSpan(ctx, "ackstore.processed_position")
	defer span.End()

	span.SetAttributes(s.tracer.StoreAttributes("get_processed")...)
	span.SetAttributes(attribute.Int("logsub.partition", int(s.partition)))

	pos, err := s.store.ProcessedPosition(ctx)

	if err != nil {
		s.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Int64("logsub.processed_position", pos))
	}

	span.SetAttributes(s.tracer.ErrorAttributes(err)...)
	return pos, err
}

// SetProcessedPosition implements sub.AckStore.SetProcessedPosition with distributed tracing
func (s *TracedStore) SetProcessedPosition(ctx context.Context, position int64) error {
	ctx, span := s.tracer.StartSpan(ctx, "ackstore.set_processed_position")
	defer span.End()

	span.SetAttributes(s.tracer.StoreAttributes("set_processed")...)
	span.SetAttributes(
		attribute.Int("logsub.partition", int(s.partition)),
		attribute.Int64("logsub.processed_position", position),
	)

	err := s.store.SetProcessedPosition(ctx, position)

	if err != nil {
		s.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(s.tracer.ErrorAttributes(err)...)
	return err
}
