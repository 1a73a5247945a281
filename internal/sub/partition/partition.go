// Package partition wires one partition of a topic: its log, its durable ack
// store and the management processor that owns its subscriptions.
package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"logsub/internal/logstream"
	pebblestore "logsub/internal/storage/pebble"
	"logsub/internal/sub"
	"logsub/internal/sub/manager"
	"logsub/internal/validator"
)

var ErrInvalidValue = errors.New("event value must be a JSON document")

type Config struct {
	Namespace         string
	Topic             string
	ID                int32
	PushRetryInterval time.Duration
}

// Partition implements sub.Partition on a pebble-backed log.
type Partition struct {
	cfg     Config
	log     *logstream.Log
	manager *manager.Processor
	logger  *zap.Logger
}

func New(
	cfg Config,
	db *pebblestore.DB,
	store sub.AckStore,
	transport sub.Transport,
	logger *zap.Logger,
	opts ...manager.Option,
) (*Partition, error) {
	if err := validator.Validate("partition", db, store, transport, logger, cfg.Namespace, cfg.Topic); err != nil {
		return nil, err
	}
	if cfg.ID < 0 {
		return nil, fmt.Errorf("invalid partition id %d", cfg.ID)
	}

	log, err := logstream.Open(db, cfg.Namespace, cfg.Topic, uint32(cfg.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to open log of partition %d: %w", cfg.ID, err)
	}

	m, err := manager.NewProcessor(manager.Config{
		PartitionID:       cfg.ID,
		Topic:             cfg.Topic,
		PushRetryInterval: cfg.PushRetryInterval,
	}, log, store, transport, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create management processor: %w", err)
	}

	return &Partition{
		cfg:     cfg,
		log:     log,
		manager: m,
		logger:  logger.Named("partition").With(zap.String("topic", cfg.Topic), zap.Int32("partition", cfg.ID)),
	}, nil
}

func (p *Partition) ID() int32     { return p.cfg.ID }
func (p *Partition) Topic() string { return p.cfg.Topic }

// Log exposes the partition log for readers outside the broker, such as tools.
func (p *Partition) Log() *logstream.Log { return p.log }

// Recover restores subscription state from the log. Call it before accepting
// requests: commands already in the log when it runs get no responses.
func (p *Partition) Recover(ctx context.Context) error {
	return p.manager.Recover(ctx)
}

// Run processes the partition's commands until ctx is done.
func (p *Partition) Run(ctx context.Context) error {
	p.logger.Info("partition started", zap.Int64("last_position", p.log.LastPosition()))
	err := p.manager.Run(ctx)
	p.logger.Info("partition stopped", zap.Error(err))
	return err
}

// SubmitSubscribe rejects invalid names without writing to the log.
func (p *Partition) SubmitSubscribe(ctx context.Context, channelID, requestID int64, rec sub.SubscriberRecord) (int64, error) {
	if err := sub.ValidateName(rec.Name); err != nil {
		return 0, fmt.Errorf("cannot open subscription '%s': %w", rec.Name, err)
	}
	rec.TopicName = p.cfg.Topic
	rec.PartitionID = p.cfg.ID
	return p.submit(ctx, sub.NewCommand(sub.ValueTypeSubscriber, sub.IntentSubscribe, channelID, requestID), rec)
}

func (p *Partition) SubmitAck(ctx context.Context, channelID, requestID int64, rec sub.SubscriptionRecord) (int64, error) {
	if err := sub.ValidateName(rec.Name); err != nil {
		return 0, fmt.Errorf("cannot acknowledge: %w", err)
	}
	return p.submit(ctx, sub.NewCommand(sub.ValueTypeSubscription, sub.IntentAcknowledge, channelID, requestID), rec)
}

// Publish appends a business event. Subscription control types are written
// only by the management processor.
func (p *Partition) Publish(ctx context.Context, key int64, valueType sub.ValueType, intent sub.Intent, value []byte) (int64, error) {
	if valueType.IsSubscriptionControl() {
		return 0, fmt.Errorf("cannot publish %s records", valueType)
	}
	if !json.Valid(value) {
		return 0, ErrInvalidValue
	}

	meta, err := sub.NewEvent(valueType, intent, -1).MarshalBinary()
	if err != nil {
		return 0, err
	}
	positions, err := p.log.Append(ctx, logstream.Record{Key: key, Metadata: meta, Value: value})
	if err != nil {
		return 0, fmt.Errorf("failed to publish to partition %d: %w", p.cfg.ID, err)
	}
	return positions[0], nil
}

func (p *Partition) CloseSubscription(ctx context.Context, subscriberKey int64) error {
	return p.manager.CloseSubscription(ctx, subscriberKey)
}

func (p *Partition) OnChannelDisconnect(channelID int64) {
	p.manager.OnChannelDisconnect(channelID)
}

func (p *Partition) Subscriptions(ctx context.Context) ([]sub.SubscriptionInfo, error) {
	return p.manager.Subscriptions(ctx)
}

// Close stops the partition's push processors.
func (p *Partition) Close() {
	p.manager.Close()
}

func (p *Partition) submit(ctx context.Context, meta sub.Metadata, value any) (int64, error) {
	b, err := sub.EncodeValue(value)
	if err != nil {
		return 0, err
	}
	mb, err := meta.MarshalBinary()
	if err != nil {
		return 0, err
	}
	positions, err := p.log.Append(ctx, logstream.Record{Metadata: mb, Value: b})
	if err != nil {
		return 0, fmt.Errorf("failed to submit %s %s to partition %d: %w", meta.ValueType, meta.Intent, p.cfg.ID, err)
	}
	return positions[0], nil
}
