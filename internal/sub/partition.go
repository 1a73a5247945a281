package sub

import "context"

// Partition is the client-facing surface of one partition of a topic.
// Commands are appended to the partition log; their results reach the
// requesting channel through the Transport.
type Partition interface {
	ID() int32
	Topic() string

	// SubmitSubscribe appends a SUBSCRIBE command and returns its position,
	// which becomes the subscriber key once the subscription opens.
	SubmitSubscribe(ctx context.Context, channelID, requestID int64, rec SubscriberRecord) (int64, error)

	// SubmitAck appends an ACKNOWLEDGE command and returns its position.
	SubmitAck(ctx context.Context, channelID, requestID int64, rec SubscriptionRecord) (int64, error)

	// Publish appends a business event and returns its position.
	Publish(ctx context.Context, key int64, valueType ValueType, intent Intent, value []byte) (int64, error)

	// CloseSubscription closes the subscription with subscriberKey. Closing
	// an unknown subscription succeeds.
	CloseSubscription(ctx context.Context, subscriberKey int64) error

	// OnChannelDisconnect removes the subscriptions owned by channelID.
	OnChannelDisconnect(channelID int64)

	// Subscriptions lists the live subscriptions.
	Subscriptions(ctx context.Context) ([]SubscriptionInfo, error)
}
