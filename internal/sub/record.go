package sub

import (
	"encoding/json"
	"fmt"
)

// SubscriberRecord is the value of SUBSCRIBE commands and SUBSCRIBED events.
// On SUBSCRIBED, StartPosition is the effective resume position.
type SubscriberRecord struct {
	TopicName        string `json:"topicName"`
	PartitionID      int32  `json:"partitionId"`
	Name             string `json:"name"`
	StartPosition    int64  `json:"startPosition"`
	PrefetchCapacity int32  `json:"prefetchCapacity"`
	ForceStart       bool   `json:"forceStart"`
}

// NewSubscriberRecord returns a subscribe request with default positioning:
// tail start, no flow control, stored acks honored.
func NewSubscriberRecord(topic string, partition int32, name string) SubscriberRecord {
	return SubscriberRecord{
		TopicName:        topic,
		PartitionID:      partition,
		Name:             name,
		StartPosition:    -1,
		PrefetchCapacity: -1,
	}
}

// SubscriptionRecord is the value of ACKNOWLEDGE commands and ACKNOWLEDGED events.
type SubscriptionRecord struct {
	Name        string `json:"name"`
	AckPosition int64  `json:"ackPosition"`
}

// CloseRequest asks a partition to close the subscription created by the
// subscribe command at SubscriberKey.
type CloseRequest struct {
	TopicName     string `json:"topicName"`
	PartitionID   int32  `json:"partitionId"`
	SubscriberKey int64  `json:"subscriberKey"`
}

// SubscriptionInfo describes a live subscription.
type SubscriptionInfo struct {
	SubscriberKey    int64  `json:"subscriberKey"`
	Name             string `json:"name"`
	ChannelID        int64  `json:"channelId"`
	ResumePosition   int64  `json:"resumePosition"`
	PrefetchCapacity int32  `json:"prefetchCapacity"`
	Enabled          bool   `json:"enabled"`
}

// EncodeValue serializes a record value for the log.
func EncodeValue(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return b, nil
}

// DecodeValue deserializes a record value read from the log.
func DecodeValue[T any](b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return v, nil
}
