package partition

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"logsub/internal/sub"
	"logsub/internal/sub/tracing"
)

// TracedPartition wraps a sub.Partition with distributed tracing of the
// commands clients submit.
type TracedPartition struct {
	sub.Partition
	tracer *tracing.Tracer
}

func NewTracedPartition(p sub.Partition, tracer *tracing.Tracer) sub.Partition {
	return &TracedPartition{Partition: p, tracer: tracer}
}

func (p *TracedPartition) SubmitSubscribe(ctx context.Context, channelID, requestID int64, rec sub.SubscriberRecord) (int64, error) {
	ctx, span := p.tracer.StartSpan(ctx, "partition.subscribe")
	defer span.End()

	span.SetAttributes(p.tracer.CommandAttributes(p.ID(), "subscribe", channelID)...)
	span.SetAttributes(p.tracer.SubscriptionAttributes(p.ID(), rec.Name)...)
	span.SetAttributes(
		attribute.Int64("logsub.start_position", rec.StartPosition),
		attribute.Bool("logsub.force_start", rec.ForceStart),
	)

	position, err := p.Partition.SubmitSubscribe(ctx, channelID, requestID, rec)
	p.finish(ctx, span, position, err)
	return position, err
}

func (p *TracedPartition) SubmitAck(ctx context.Context, channelID, requestID int64, rec sub.SubscriptionRecord) (int64, error) {
	ctx, span := p.tracer.StartSpan(ctx, "partition.ack")
	defer span.End()

	span.SetAttributes(p.tracer.CommandAttributes(p.ID(), "ack", channelID)...)
	span.SetAttributes(p.tracer.SubscriptionAttributes(p.ID(), rec.Name)...)
	span.SetAttributes(attribute.Int64("logsub.ack_position", rec.AckPosition))

	position, err := p.Partition.SubmitAck(ctx, channelID, requestID, rec)
	p.finish(ctx, span, position, err)
	return position, err
}

func (p *TracedPartition) Publish(ctx context.Context, key int64, valueType sub.ValueType, intent sub.Intent, value []byte) (int64, error) {
	ctx, span := p.tracer.StartSpan(ctx, "partition.publish")
	defer span.End()

	span.SetAttributes(p.tracer.CommandAttributes(p.ID(), "publish", sub.NoChannel)...)
	span.SetAttributes(
		attribute.String("logsub.value_type", valueType.String()),
		attribute.String("logsub.intent", intent.String()),
		attribute.Int("logsub.value_bytes", len(value)),
	)

	position, err := p.Partition.Publish(ctx, key, valueType, intent, value)
	p.finish(ctx, span, position, err)
	return position, err
}

func (p *TracedPartition) finish(ctx context.Context, span trace.Span, position int64, err error) {
	if err != nil {
		p.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Int64("logsub.position", position))
	}
	span.SetAttributes(p.tracer.ErrorAttributes(err)...)
}
