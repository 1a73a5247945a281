// Package push streams one subscription's log entries to its client channel
// under credit-based flow control.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"logsub/internal/logstream"
	"logsub/internal/sub"
	"logsub/internal/validator"
)

const defaultRetryInterval = 10 * time.Millisecond

// Config describes the subscription a Processor serves.
type Config struct {
	SubscriberKey int64
	Name          string
	PartitionID   int32
	ChannelID     int64
	// StartPosition is where reading begins; negative means after the last
	// entry present when the processor is opened.
	StartPosition int64
	// PrefetchCapacity bounds unacknowledged pushes; zero or negative
	// disables flow control.
	PrefetchCapacity int32
	// RetryInterval is the pause after the transport rejects a frame.
	RetryInterval time.Duration
}

// Processor is the push side of one subscription. Step and Run execute on the
// processor's own goroutine; Enable and OnAck may be called from any goroutine.
type Processor struct {
	cfg       Config
	log       *logstream.Log
	reader    *logstream.Reader
	transport sub.Transport
	logger    *zap.Logger

	flowControl   bool
	pendingEvents *Window
	pendingAcks   *Window

	enabled atomic.Bool
	opened  atomic.Bool
	resume  atomic.Int64
	wake    chan struct{}

	mu  sync.Mutex
	err error

	// frame read but not yet accepted by the transport
	current *sub.Frame
}

// New creates a Processor. It does not read the log until Open is called.
func New(cfg Config, log *logstream.Log, transport sub.Transport, logger *zap.Logger) (*Processor, error) {
	if err := validator.Validate("push processor", log, transport, logger, cfg.Name); err != nil {
		return nil, err
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	p := &Processor{
		cfg:       cfg,
		log:       log,
		reader:    log.NewReader(),
		transport: transport,
		logger: logger.With(
			zap.Int32("partition", cfg.PartitionID),
			zap.String("subscription", cfg.Name),
			zap.Int64("subscriber_key", cfg.SubscriberKey),
		),
		flowControl: cfg.PrefetchCapacity > 0,
		wake:        make(chan struct{}, 1),
	}
	if p.flowControl {
		p.pendingEvents = NewWindow(int(cfg.PrefetchCapacity))
		p.pendingAcks = NewWindow(int(cfg.PrefetchCapacity))
	}
	return p, nil
}

// Open positions the reader and returns the effective resume position. For
// a negative start the reader is placed right after the current last entry:
// that entry is not delivered, every later append is.
func (p *Processor) Open() int64 {
	resume := p.cfg.StartPosition
	if resume < 0 {
		resume = p.reader.SeekToEnd()
	} else {
		p.reader.Seek(resume)
	}
	p.resume.Store(resume)
	p.opened.Store(true)
	p.logger.Debug("push processor opened", zap.Int64("resume_position", resume))
	return resume
}

func (p *Processor) Key() int64 { return p.cfg.SubscriberKey }
func (p *Processor) Name() string { return p.cfg.Name }
func (p *Processor) ChannelID() int64 { return p.cfg.ChannelID }
func (p *Processor) ResumePosition() int64 { return p.resume.Load() }
func (p *Processor) Enabled() bool { return p.enabled.Load() }

// Info describes the subscription served by this processor.
func (p *Processor) Info() sub.SubscriptionInfo {
	return sub.SubscriptionInfo{
		SubscriberKey:    p.cfg.SubscriberKey,
		Name:             p.cfg.Name,
		ChannelID:        p.cfg.ChannelID,
		ResumePosition:   p.ResumePosition(),
		PrefetchCapacity: p.cfg.PrefetchCapacity,
		Enabled:          p.Enabled(),
	}
}

// Enable lets the processor start reading. Call only once the subscription's
// SUBSCRIBED record is durable.
func (p *Processor) Enable() {
	p.enabled.Store(true)
	p.signal()
}

// OnAck hands an acknowledged position to the processor. Exceeding the
// negotiated credit is a protocol violation and stops the processor.
func (p *Processor) OnAck(position int64) error {
	if !p.flowControl {
		return nil
	}
	if err := p.pendingAcks.Add(position); err != nil {
		return p.fail(fmt.Errorf("%w: ack of %d exceeds prefetch capacity %d of subscription %s",
			sub.ErrProtocolViolation, position, p.cfg.PrefetchCapacity, p.cfg.Name))
	}
	p.signal()
	return nil
}

// IsSuspended reports whether the processor must not read. Pending acks are
// applied first, each dropping every pushed position at or below it.
func (p *Processor) IsSuspended() bool {
	if !p.enabled.Load() {
		return true
	}
	if !p.flowControl {
		return false
	}
	p.pendingAcks.Drain(func(position int64) {
		p.pendingEvents.ConsumeUpTo(position)
	})
	return p.pendingEvents.IsFull()
}

// InFlight returns the number of pushed, unacknowledged positions.
func (p *Processor) InFlight() int {
	if !p.flowControl {
		return 0
	}
	return p.pendingEvents.Len()
}

// Err returns the fatal error that stopped the processor, if any.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Step performs one read-and-push cycle and reports whether it advanced.
// A transport rejection keeps the entry for the next cycle.
func (p *Processor) Step() (bool, error) {
	if err := p.Err(); err != nil {
		return false, err
	}
	if !p.opened.Load() {
		return false, errors.New("push processor used before Open")
	}
	if p.IsSuspended() {
		return false, nil
	}

	if p.current == nil {
		e, ok, err := p.reader.Next()
		if err != nil {
			return false, p.fail(fmt.Errorf("failed to read log: %w", err))
		}
		if !ok {
			return false, nil
		}
		meta, err := sub.DecodeMetadata(e.Metadata)
		if err != nil {
			return false, p.fail(fmt.Errorf("failed to decode metadata at %d: %w", e.Position, err))
		}
		if meta.ValueType.IsSubscriptionControl() {
			return true, nil
		}
		frame := p.frame(e, meta)
		p.current = &frame
	}

	if !p.transport.TrySend(p.cfg.ChannelID, *p.current) {
		return false, nil
	}
	position := p.current.Position
	p.current = nil

	if p.flowControl {
		if err := p.pendingEvents.Add(position); err != nil {
			return false, p.fail(fmt.Errorf("%w: pushed %d beyond prefetch capacity %d",
				sub.ErrProtocolViolation, position, p.cfg.PrefetchCapacity))
		}
	}
	p.logger.Debug("pushed entry", zap.Int64("position", position))
	return true, nil
}

// Run pushes entries until ctx is done or a fatal error occurs. It waits for
// appends, acks or Enable whenever it cannot make progress.
func (p *Processor) Run(ctx context.Context) error {
	for {
		notify := p.log.Notify()
		progressed, err := p.Step()
		if err != nil {
			return err
		}
		if progressed {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}

		var retry <-chan time.Time
		if p.current != nil {
			retry = time.After(p.cfg.RetryInterval)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-notify:
		case <-retry:
		}
	}
}

func (p *Processor) frame(e logstream.Entry, meta sub.Metadata) sub.Frame {
	return sub.Frame{
		Kind:          sub.FrameRecord,
		PartitionID:   p.cfg.PartitionID,
		SubscriberKey: p.cfg.SubscriberKey,
		Position:      e.Position,
		Key:           e.Key,
		RecordType:    meta.RecordType.String(),
		ValueType:     meta.ValueType.String(),
		Intent:        meta.Intent.String(),
		Value:         e.Value,
	}
}

func (p *Processor) fail(err error) error {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	err = p.err
	p.mu.Unlock()
	p.signal()
	return err
}

func (p *Processor) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
