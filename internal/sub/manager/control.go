package manager

import (
	"context"

	"go.uber.org/zap"

	"logsub/internal/sub"
)

// CloseSubscription removes the subscription created by the subscribe
// command at key and stops its push processor. An unknown key is already
// closed and is not an error.
func (p *Processor) CloseSubscription(ctx context.Context, key int64) error {
	_, err := call(ctx, p, func(context.Context) (bool, error) {
		return p.remove(key), nil
	})
	return err
}

// OnChannelDisconnect schedules removal of every subscription owned by
// channelID. Subscribes from the channel that are still in the log or
// awaiting their push processor are refused later. It does not wait.
func (p *Processor) OnChannelDisconnect(channelID int64) {
	p.tasks.Enqueue(func(context.Context) error {
		p.disconnected[channelID] = struct{}{}
		removed := 0
		it := p.registry.Iterate()
		for it.Next() {
			if it.Value().ChannelID != channelID {
				continue
			}
			s := it.Remove()
			s.uninstall()
			removed++
		}
		if removed > 0 {
			p.logger.Info("removed subscriptions of disconnected channel",
				zap.Int64("channel", channelID),
				zap.Int("count", removed),
			)
			p.recorder.SetActiveSubscriptions(p.cfg.PartitionID, p.registry.Len())
		}
		return nil
	})
}

// Subscriptions lists the live subscriptions in subscriber key order.
func (p *Processor) Subscriptions(ctx context.Context) ([]sub.SubscriptionInfo, error) {
	return call(ctx, p, func(context.Context) ([]sub.SubscriptionInfo, error) {
		infos := make([]sub.SubscriptionInfo, 0, p.registry.Len())
		it := p.registry.Iterate()
		for it.Next() {
			infos = append(infos, it.Value().Pusher.Info())
		}
		return infos, nil
	})
}

func (p *Processor) remove(key int64) bool {
	s, ok := p.registry.RemoveByKey(key)
	if !ok {
		return false
	}
	s.uninstall()
	p.logger.Info("subscription closed",
		zap.String("subscription", s.Name),
		zap.Int64("subscriber_key", s.Key),
	)
	p.recorder.SetActiveSubscriptions(p.cfg.PartitionID, p.registry.Len())
	return true
}

type result[T any] struct {
	value T
	err   error
}

// call runs fn on the control loop and waits for its result.
func call[T any](ctx context.Context, p *Processor, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)
	ok := p.tasks.Enqueue(func(ctx context.Context) error {
		v, err := fn(ctx)
		done <- result[T]{value: v, err: err}
		return nil
	})
	if !ok {
		return zero, sub.ErrClosed
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.stopped:
		return zero, sub.ErrClosed
	}
}
