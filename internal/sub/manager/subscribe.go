package manager

import (
	"fmt"

	"logsub/internal/logstream"
	"logsub/internal/sub"
)

// subscribeRequest is a SUBSCRIBE command read from the log. Its position
// becomes the subscriber key.
type subscribeRequest struct {
	position int64
	meta     sub.Metadata
	record   sub.SubscriberRecord
}

// subscribeState is one phase of opening a subscription. Transitions are
// pure; the processor performs the writes and side effects of each phase.
//
//	validating -> awaitingService -> subscribed
//	     |               |
//	     +---------------+---------> subscribeFailed
type subscribeState interface {
	phase() string
}

type validating struct {
	req subscribeRequest
}

type awaitingService struct {
	req subscribeRequest
}

type subscribed struct {
	req          subscribeRequest
	subscription *Subscription
}

type subscribeFailed struct {
	req   subscribeRequest
	cause error
	// created but never registered; torn down by the failure side effect
	orphan *Subscription
}

func (validating) phase() string      { return "validating" }
func (awaitingService) phase() string { return "awaiting_service_creation" }
func (subscribed) phase() string      { return "subscribed" }
func (subscribeFailed) phase() string { return "failed" }

// validate checks the request without touching any durable state.
func (v validating) validate(nameTaken bool) subscribeState {
	if err := sub.ValidateName(v.req.record.Name); err != nil {
		return subscribeFailed{req: v.req, cause: err}
	}
	if nameTaken {
		return subscribeFailed{req: v.req, cause: sub.ErrNameTaken}
	}
	return awaitingService{req: v.req}
}

// serviceResult is the outcome of asynchronous push processor creation.
type serviceResult struct {
	subscription *Subscription
	err          error
}

func (a awaitingService) complete(res serviceResult) subscribeState {
	if res.err != nil {
		return subscribeFailed{req: a.req, cause: res.err, orphan: res.subscription}
	}
	return subscribed{req: a.req, subscription: res.subscription}
}

// records is the write phase of a successful subscribe: the SUBSCRIBED event
// with the effective start position, then the seed acknowledgement of the
// position just before it.
func (s subscribed) records() ([]logstream.Record, error) {
	resume := s.subscription.Pusher.ResumePosition()

	rec := s.req.record
	rec.StartPosition = resume
	subscribedValue, err := sub.EncodeValue(rec)
	if err != nil {
		return nil, err
	}
	seedValue, err := sub.EncodeValue(sub.SubscriptionRecord{Name: rec.Name, AckPosition: resume - 1})
	if err != nil {
		return nil, err
	}

	return []logstream.Record{
		{
			Key:      s.req.position,
			Metadata: sub.MustMetadata(sub.NewEvent(sub.ValueTypeSubscriber, sub.IntentSubscribed, s.req.position)),
			Value:    subscribedValue,
		},
		{
			Key:      s.req.position,
			Metadata: sub.MustMetadata(sub.NewCommand(sub.ValueTypeSubscription, sub.IntentAcknowledge, sub.NoChannel, sub.NoChannel)),
			Value:    seedValue,
		},
	}, nil
}

func (f subscribeFailed) err() error {
	return fmt.Errorf("cannot open subscription '%s': %w", f.req.record.Name, f.cause)
}
