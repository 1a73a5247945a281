// Package gateway exposes partitions to clients over websocket connections.
// Each connection is a channel: subscriptions opened on it push their
// records to it and are closed when it disconnects.
package gateway

import (
	"encoding/json"

	"logsub/internal/sub"
)

type Op string

const (
	OpSubscribe     Op = "subscribe"
	OpAck           Op = "ack"
	OpClose         Op = "close"
	OpPublish       Op = "publish"
	OpSubscriptions Op = "subscriptions"
)

// Request is a client message. Fields apply per Op.
type Request struct {
	Op        Op     `json:"op"`
	RequestID int64  `json:"requestId"`
	TopicName string `json:"topicName,omitempty"`
	// PartitionID may be omitted on publish to route by key.
	PartitionID *int32 `json:"partitionId,omitempty"`

	// subscribe
	Name             string `json:"name,omitempty"`
	StartPosition    *int64 `json:"startPosition,omitempty"`
	PrefetchCapacity *int32 `json:"prefetchCapacity,omitempty"`
	ForceStart       bool   `json:"forceStart,omitempty"`

	// ack
	AckPosition int64 `json:"ackPosition,omitempty"`

	// close
	SubscriberKey int64 `json:"subscriberKey,omitempty"`

	// publish
	Key       int64           `json:"key,omitempty"`
	ValueType string          `json:"valueType,omitempty"`
	Intent    string          `json:"intent,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func (r Request) partition() int32 {
	if r.PartitionID == nil {
		return -1
	}
	return *r.PartitionID
}

// subscriberRecord applies the request's overrides to the default subscribe
// positioning.
func (r Request) subscriberRecord() sub.SubscriberRecord {
	rec := sub.NewSubscriberRecord(r.TopicName, r.partition(), r.Name)
	if r.StartPosition != nil {
		rec.StartPosition = *r.StartPosition
	}
	if r.PrefetchCapacity != nil {
		rec.PrefetchCapacity = *r.PrefetchCapacity
	}
	rec.ForceStart = r.ForceStart
	return rec
}

func Ptr[T any](v T) *T {
	return &v
}
