// Package manager implements a partition's management processor: the single
// goroutine that applies subscribe, acknowledge and close commands, owns the
// subscription registry and the durable ack store, and installs push processors.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"logsub/internal/logstream"
	"logsub/internal/sub"
	"logsub/internal/sub/push"
	"logsub/internal/validator"
)

// Config identifies the partition a Processor manages.
type Config struct {
	PartitionID int32
	Topic       string
	// PushRetryInterval is handed to every push processor.
	PushRetryInterval time.Duration
}

// Recorder receives management processor observations.
type Recorder interface {
	RecordCommand(partition int32, valueType, intent, status string)
	RecordSubscribe(partition int32, status string)
	SetActiveSubscriptions(partition int32, count int)
	RecordAck(partition int32, status string)
	RecordPusherFailure(partition int32)
}

type nopRecorder struct{}

func (nopRecorder) RecordCommand(int32, string, string, string) {}
func (nopRecorder) RecordSubscribe(int32, string)               {}
func (nopRecorder) SetActiveSubscriptions(int32, int)           {}
func (nopRecorder) RecordAck(int32, string)                     {}
func (nopRecorder) RecordPusherFailure(int32)                   {}

type Option func(*Processor)

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(p *Processor) { p.recorder = r }
}

// Processor is the management processor of one partition.
type Processor struct {
	cfg       Config
	log       *logstream.Log
	reader    *logstream.Reader
	store     sub.AckStore
	transport sub.Transport
	logger    *zap.Logger
	recorder  Recorder

	// control loop state
	registry    *Registry
	pending     *awaitingService
	recovered   bool
	recoveryEnd int64
	// channels reported gone; ids are never reused
	disconnected map[int64]struct{}

	tasks    *taskQueue
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}

	// guards pushers.Add against Close
	installMu sync.Mutex
	closing   bool
	pushers   sync.WaitGroup
}

// NewProcessor creates the management processor for cfg.PartitionID.
func NewProcessor(
	cfg Config,
	log *logstream.Log,
	store sub.AckStore,
	transport sub.Transport,
	logger *zap.Logger,
	opts ...Option,
) (*Processor, error) {
	if err := validator.Validate("management processor", log, store, transport, logger, cfg.Topic); err != nil {
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:       cfg,
		log:       log,
		reader:    log.NewReader(),
		store:     store,
		transport: transport,
		logger: logger.Named("manager").With(
			zap.String("topic", cfg.Topic),
			zap.Int32("partition", cfg.PartitionID),
		),
		recorder:     nopRecorder{},
		registry:     NewRegistry(),
		disconnected: make(map[int64]struct{}),
		tasks:        newTaskQueue(),
		baseCtx:      baseCtx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Recover rebuilds the ack store from the log after the store's processed
// position and positions the reader at the first command whose effects are
// not in the log yet. Entries up to the log end seen here belong to an
// earlier process: their requesters are gone and get no responses.
func (p *Processor) Recover(ctx context.Context) error {
	if p.recovered {
		return nil
	}

	processed, err := p.store.ProcessedPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to read processed position: %w", err)
	}
	end := p.log.LastPosition()
	if processed > end {
		// the store outlived the log, e.g. a checkpoint restore with a remote store
		p.logger.Warn("processed position is past the log end, resuming at the log end",
			zap.Int64("processed_position", processed),
			zap.Int64("log_end", end),
		)
		processed = end
		if err := p.store.SetProcessedPosition(ctx, end); err != nil {
			return fmt.Errorf("failed to reset processed position: %w", err)
		}
	}

	resumeAfter := processed
	replayed := 0
	p.reader.Seek(processed + 1)
	for {
		e, ok, err := p.reader.Next()
		if err != nil {
			return fmt.Errorf("failed to replay log: %w", err)
		}
		if !ok || e.Position > end {
			break
		}
		meta, err := sub.DecodeMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to decode metadata at %d: %w", e.Position, err)
		}
		if meta.RecordType != sub.RecordTypeEvent || !meta.ValueType.IsSubscriptionControl() {
			continue
		}
		resumeAfter = max(resumeAfter, meta.SourcePosition)

		if meta.Intent == sub.IntentAcknowledged {
			rec, err := sub.DecodeValue[sub.SubscriptionRecord](e.Value)
			if err != nil {
				return fmt.Errorf("failed to decode ack at %d: %w", e.Position, err)
			}
			if err := p.store.Put(ctx, rec.Name, rec.AckPosition); err != nil {
				return fmt.Errorf("failed to replay ack at %d: %w", e.Position, err)
			}
			replayed++
		}
	}

	if resumeAfter > processed {
		if err := p.store.SetProcessedPosition(ctx, resumeAfter); err != nil {
			return fmt.Errorf("failed to set processed position: %w", err)
		}
	}
	p.reader.Seek(resumeAfter + 1)
	p.recoveryEnd = end
	p.recovered = true

	p.logger.Info("recovered subscription state",
		zap.Int64("processed_position", processed),
		zap.Int64("resume_after", resumeAfter),
		zap.Int64("log_end", end),
		zap.Int("replayed_acks", replayed),
	)
	return nil
}

// Run recovers, then processes tasks and log commands until ctx is done or a
// command fails in a way that leaves durable state inconsistent.
func (p *Processor) Run(ctx context.Context) error {
	defer p.Close()

	if err := p.Recover(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		notify := p.log.Notify()
		progressed, err := p.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("management processor failed", zap.Error(err))
			return err
		}
		if progressed {
			continue
		}

		// the next command waits while a subscribe is in flight
		var appended <-chan struct{}
		if p.pending == nil {
			appended = notify
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.tasks.Wait():
		case <-appended:
		}
	}
}

// Step runs one queued task or processes one log entry.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	if !p.recovered {
		if err := p.Recover(ctx); err != nil {
			return false, err
		}
	}

	if t, ok := p.tasks.TryDequeue(); ok {
		return true, t(ctx)
	}
	if p.pending != nil {
		return false, nil
	}

	e, ok, err := p.reader.Next()
	if err != nil {
		return false, fmt.Errorf("failed to read log: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, p.process(ctx, e)
}

// Close stops all push processors and waits for them. Pending callers of
// CloseSubscription and Subscriptions are released with sub.ErrClosed.
func (p *Processor) Close() {
	p.stopOnce.Do(func() {
		p.tasks.Close()
		close(p.stopped)

		p.installMu.Lock()
		p.closing = true
		p.installMu.Unlock()

		p.cancel()
		p.pushers.Wait()
		p.logger.Debug("management processor closed")
	})
}

func (p *Processor) process(ctx context.Context, e logstream.Entry) error {
	meta, err := sub.DecodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to decode metadata at %d: %w", e.Position, err)
	}
	if meta.RecordType != sub.RecordTypeCommand {
		return nil
	}

	switch {
	case meta.Is(sub.RecordTypeCommand, sub.ValueTypeSubscriber, sub.IntentSubscribe):
		return p.subscribe(ctx, e, meta)
	case meta.Is(sub.RecordTypeCommand, sub.ValueTypeSubscription, sub.IntentAcknowledge):
		return p.acknowledge(ctx, e, meta)
	default:
		return nil
	}
}

func (p *Processor) subscribe(ctx context.Context, e logstream.Entry, meta sub.Metadata) error {
	if e.Position <= p.recoveryEnd {
		p.logger.Debug("skipping subscribe from previous process", zap.Int64("position", e.Position))
		p.recorder.RecordCommand(p.cfg.PartitionID, meta.ValueType.String(), meta.Intent.String(), "skipped")
		return p.markProcessed(ctx, e.Position)
	}

	req := subscribeRequest{position: e.Position, meta: meta}
	rec, err := sub.DecodeValue[sub.SubscriberRecord](e.Value)
	if err != nil {
		return p.subscribeFailed(ctx, subscribeFailed{req: req, cause: err})
	}
	req.record = rec
	if p.channelGone(meta) {
		return p.subscribeFailed(ctx, subscribeFailed{req: req, cause: sub.ErrChannelClosed})
	}

	_, taken := p.registry.GetByName(rec.Name)
	switch state := (validating{req: req}).validate(taken).(type) {
	case subscribeFailed:
		return p.subscribeFailed(ctx, state)
	case awaitingService:
		p.pending = &state
		p.createService(state.req)
		return nil
	default:
		return fmt.Errorf("unexpected subscribe phase %s", state.phase())
	}
}

// createService builds and starts the push processor off the control loop
// and re-enters the loop with the outcome.
func (p *Processor) createService(req subscribeRequest) {
	go func() {
		res := p.installPusher(req)
		ok := p.tasks.Enqueue(func(ctx context.Context) error {
			return p.serviceCreated(ctx, res)
		})
		if !ok && res.subscription != nil {
			res.subscription.uninstall()
		}
	}()
}

func (p *Processor) installPusher(req subscribeRequest) serviceResult {
	start, err := p.resolveStart(p.baseCtx, req.record)
	if err != nil {
		return serviceResult{err: err}
	}

	pusher, err := push.New(push.Config{
		SubscriberKey:    req.position,
		Name:             req.record.Name,
		PartitionID:      p.cfg.PartitionID,
		ChannelID:        req.meta.RequestStreamID,
		StartPosition:    start,
		PrefetchCapacity: req.record.PrefetchCapacity,
		RetryInterval:    p.cfg.PushRetryInterval,
	}, p.log, p.transport, p.logger)
	if err != nil {
		return serviceResult{err: fmt.Errorf("failed to create push processor: %w", err)}
	}
	pusher.Open()

	ctx, cancel := context.WithCancel(p.baseCtx)
	s := &Subscription{
		Key:       req.position,
		Name:      req.record.Name,
		ChannelID: req.meta.RequestStreamID,
		Pusher:    pusher,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.installMu.Lock()
	defer p.installMu.Unlock()
	if p.closing {
		cancel()
		return serviceResult{err: sub.ErrClosed}
	}
	p.pushers.Add(1)
	go func() {
		defer p.pushers.Done()
		defer close(s.done)
		if err := pusher.Run(ctx); err != nil {
			p.tasks.Enqueue(func(context.Context) error {
				p.pusherFailed(s, err)
				return nil
			})
		}
	}()
	return serviceResult{subscription: s}
}

// resolveStart applies the resume rule: a forced start wins, otherwise the
// position after the stored ack, otherwise the requested start.
func (p *Processor) resolveStart(ctx context.Context, rec sub.SubscriberRecord) (int64, error) {
	if rec.ForceStart {
		return rec.StartPosition, nil
	}
	acked, found, err := p.store.Get(ctx, rec.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to read ack position: %w", err)
	}
	if found {
		return acked + 1, nil
	}
	return rec.StartPosition, nil
}

func (p *Processor) serviceCreated(ctx context.Context, res serviceResult) error {
	if p.pending == nil {
		if res.subscription != nil {
			res.subscription.uninstall()
		}
		return nil
	}
	awaiting := *p.pending
	p.pending = nil

	switch state := awaiting.complete(res).(type) {
	case subscribed:
		return p.subscribed(ctx, state)
	case subscribeFailed:
		return p.subscribeFailed(ctx, state)
	default:
		return fmt.Errorf("unexpected subscribe phase %s", state.phase())
	}
}

func (p *Processor) subscribed(ctx context.Context, state subscribed) error {
	s := state.subscription
	// the channel may have dropped while the push processor was being created
	if p.channelGone(state.req.meta) {
		return p.subscribeFailed(ctx, subscribeFailed{req: state.req, cause: sub.ErrChannelClosed, orphan: s})
	}
	records, err := state.records()
	if err != nil {
		s.uninstall()
		return p.subscribeFailed(ctx, subscribeFailed{req: state.req, cause: err})
	}

	p.registry.Add(s)
	positions, err := p.log.Append(ctx, records...)
	if err != nil {
		p.registry.RemoveByKey(s.Key)
		s.uninstall()
		p.respond(state.req.position, state.req.meta, sub.ErrorFrame(p.cfg.PartitionID, state.req.meta.RequestID,
			fmt.Errorf("cannot open subscription '%s': %w", s.Name, err)))
		p.recorder.RecordSubscribe(p.cfg.PartitionID, "failed")
		return fmt.Errorf("failed to append SUBSCRIBED for %s: %w", s.Name, err)
	}

	p.respond(state.req.position, state.req.meta, sub.Frame{
		Kind:          sub.FrameResponse,
		SubscriberKey: s.Key,
		Position:      positions[0],
		Key:           s.Key,
		RecordType:    sub.RecordTypeEvent.String(),
		ValueType:     sub.ValueTypeSubscriber.String(),
		Intent:        sub.IntentSubscribed.String(),
		Value:         records[0].Value,
	})

	p.logger.Info("subscription opened",
		zap.String("subscription", s.Name),
		zap.Int64("subscriber_key", s.Key),
		zap.Int64("channel", s.ChannelID),
		zap.Int64("resume_position", s.Pusher.ResumePosition()),
	)
	p.recorder.RecordSubscribe(p.cfg.PartitionID, "success")
	p.recorder.RecordCommand(p.cfg.PartitionID, sub.ValueTypeSubscriber.String(), sub.IntentSubscribe.String(), "success")
	p.recorder.SetActiveSubscriptions(p.cfg.PartitionID, p.registry.Len())
	return p.markProcessed(ctx, state.req.position)
}

func (p *Processor) subscribeFailed(ctx context.Context, state subscribeFailed) error {
	if state.orphan != nil {
		state.orphan.uninstall()
	}
	err := state.err()
	p.respond(state.req.position, state.req.meta, sub.ErrorFrame(p.cfg.PartitionID, state.req.meta.RequestID, err))

	status := "failed"
	switch {
	case errors.Is(state.cause, sub.ErrNameTooLong), errors.Is(state.cause, sub.ErrNameEmpty),
		errors.Is(state.cause, sub.ErrNameInvalid), errors.Is(state.cause, sub.ErrNameTaken):
		status = "rejected"
	case errors.Is(state.cause, sub.ErrChannelClosed):
		status = "abandoned"
	}
	p.logger.Info("subscribe rejected", zap.Int64("position", state.req.position), zap.Error(err))
	p.recorder.RecordSubscribe(p.cfg.PartitionID, status)
	p.recorder.RecordCommand(p.cfg.PartitionID, sub.ValueTypeSubscriber.String(), sub.IntentSubscribe.String(), status)
	return p.markProcessed(ctx, state.req.position)
}

func (p *Processor) pusherFailed(s *Subscription, err error) {
	current, ok := p.registry.GetByKey(s.Key)
	if !ok || current != s {
		return
	}
	p.registry.RemoveByKey(s.Key)
	p.logger.Error("push processor stopped",
		zap.String("subscription", s.Name),
		zap.Int64("subscriber_key", s.Key),
		zap.Error(err),
	)
	p.recorder.RecordPusherFailure(p.cfg.PartitionID)
	p.recorder.SetActiveSubscriptions(p.cfg.PartitionID, p.registry.Len())
}

func (p *Processor) channelGone(meta sub.Metadata) bool {
	if meta.RequestStreamID < 0 {
		return false
	}
	_, gone := p.disconnected[meta.RequestStreamID]
	return gone
}

func (p *Processor) markProcessed(ctx context.Context, position int64) error {
	if err := p.store.SetProcessedPosition(ctx, position); err != nil {
		return fmt.Errorf("failed to mark position %d processed: %w", position, err)
	}
	return nil
}

// respond writes a response to the requester of the command at position.
// Undeliverable responses are dropped; the client retries.
func (p *Processor) respond(position int64, meta sub.Metadata, f sub.Frame) {
	if !meta.HasRequester() || position <= p.recoveryEnd {
		return
	}
	f.RequestID = meta.RequestID
	f.PartitionID = p.cfg.PartitionID
	if !p.transport.TrySend(meta.RequestStreamID, f) {
		p.logger.Warn("response dropped",
			zap.Int64("channel", meta.RequestStreamID),
			zap.Int64("request_id", meta.RequestID),
			zap.String("kind", string(f.Kind)),
		)
	}
}
