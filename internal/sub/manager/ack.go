package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"logsub/internal/logstream"
	"logsub/internal/sub"
)

// acknowledge applies an ACKNOWLEDGE command in three phases: the
// ACKNOWLEDGED event is appended, the live push processor is notified and
// the requester answered, then the ack store is updated.
func (p *Processor) acknowledge(ctx context.Context, e logstream.Entry, meta sub.Metadata) error {
	rec, err := sub.DecodeValue[sub.SubscriptionRecord](e.Value)
	if err != nil {
		return p.rejectAck(ctx, e.Position, meta, err)
	}
	if err := sub.ValidateName(rec.Name); err != nil {
		return p.rejectAck(ctx, e.Position, meta, err)
	}

	// write
	positions, err := p.log.Append(ctx, logstream.Record{
		Key:      e.Key,
		Metadata: sub.MustMetadata(sub.NewEvent(sub.ValueTypeSubscription, sub.IntentAcknowledged, e.Position)),
		Value:    e.Value,
	})
	if err != nil {
		p.recorder.RecordAck(p.cfg.PartitionID, "failed")
		return fmt.Errorf("failed to append ACKNOWLEDGED for %s: %w", rec.Name, err)
	}

	// side effect
	if s, ok := p.registry.GetByName(rec.Name); ok {
		p.notifyPusher(s, rec.AckPosition)
	}
	p.respond(e.Position, meta, sub.Frame{
		Kind:       sub.FrameResponse,
		Position:   positions[0],
		Key:        e.Key,
		RecordType: sub.RecordTypeEvent.String(),
		ValueType:  sub.ValueTypeSubscription.String(),
		Intent:     sub.IntentAcknowledged.String(),
		Value:      e.Value,
	})

	// state update
	if err := p.store.Put(ctx, rec.Name, rec.AckPosition); err != nil {
		p.recorder.RecordAck(p.cfg.PartitionID, "failed")
		return fmt.Errorf("failed to store ack of %s: %w", rec.Name, err)
	}

	p.logger.Debug("ack applied",
		zap.String("subscription", rec.Name),
		zap.Int64("ack_position", rec.AckPosition),
		zap.Int64("position", e.Position),
	)
	p.recorder.RecordAck(p.cfg.PartitionID, "applied")
	p.recorder.RecordCommand(p.cfg.PartitionID, sub.ValueTypeSubscription.String(), sub.IntentAcknowledge.String(), "success")
	return p.markProcessed(ctx, e.Position)
}

// notifyPusher hands the ack to the push processor. The first ack a
// subscription sees is the seed written after SUBSCRIBED; it enables pushing
// instead of releasing credit.
func (p *Processor) notifyPusher(s *Subscription, position int64) {
	if !s.Pusher.Enabled() {
		s.Pusher.Enable()
		return
	}
	if err := s.Pusher.OnAck(position); err != nil {
		p.logger.Error("closing subscription after ack overflow",
			zap.String("subscription", s.Name),
			zap.Int64("subscriber_key", s.Key),
			zap.Error(err),
		)
		p.remove(s.Key)
		p.recorder.RecordPusherFailure(p.cfg.PartitionID)
	}
}

func (p *Processor) rejectAck(ctx context.Context, position int64, meta sub.Metadata, cause error) error {
	err := fmt.Errorf("cannot acknowledge: %w", cause)
	p.respond(position, meta, sub.ErrorFrame(p.cfg.PartitionID, meta.RequestID, err))
	p.logger.Info("ack rejected", zap.Int64("position", position), zap.Error(err))
	p.recorder.RecordAck(p.cfg.PartitionID, "rejected")
	p.recorder.RecordCommand(p.cfg.PartitionID, sub.ValueTypeSubscription.String(), sub.IntentAcknowledge.String(), "rejected")
	return p.markProcessed(ctx, position)
}
