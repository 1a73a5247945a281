package sub

import "encoding/json"

// FrameKind distinguishes what a frame carries to a client.
type FrameKind string

const (
	FrameRecord   FrameKind = "record"
	FrameResponse FrameKind = "response"
	FrameError    FrameKind = "error"
)

// Frame is a single message pushed to a client channel.
type Frame struct {
	Kind          FrameKind       `json:"kind"`
	RequestID     int64           `json:"requestId,omitempty"`
	PartitionID   int32           `json:"partitionId"`
	SubscriberKey int64           `json:"subscriberKey,omitempty"`
	Position      int64           `json:"position,omitempty"`
	Key           int64           `json:"key,omitempty"`
	RecordType    string          `json:"recordType,omitempty"`
	ValueType     string          `json:"valueType,omitempty"`
	Intent        string          `json:"intent,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Transport delivers frames to client channels.
type Transport interface {
	// TrySend enqueues the frame without blocking. False means the channel
	// could not accept it now (backpressure or gone); callers retry or drop,
	// it is never fatal.
	TrySend(channelID int64, frame Frame) bool
}

// ErrorFrame builds the error response for a request.
func ErrorFrame(partition int32, requestID int64, err error) Frame {
	return Frame{
		Kind:        FrameError,
		RequestID:   requestID,
		PartitionID: partition,
		Error:       err.Error(),
	}
}
