package sub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

type RecordType uint8

const (
	RecordTypeCommand RecordType = iota + 1
	RecordTypeEvent
	RecordTypeCommandRejection
)

var recordTypeNames = map[RecordType]string{
	RecordTypeCommand:          "COMMAND",
	RecordTypeEvent:            "EVENT",
	RecordTypeCommandRejection: "COMMAND_REJECTION",
}

func (t RecordType) String() string {
	if s, ok := recordTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RecordType(%d)", t)
}

type ValueType uint8

const (
	ValueTypeSubscriber ValueType = iota + 1
	ValueTypeSubscription
	ValueTypeJob
	ValueTypeWorkflowInstance
	ValueTypeIncident
	ValueTypeDeployment
	ValueTypeRaft
	ValueTypeNoop
)

var valueTypeNames = map[ValueType]string{
	ValueTypeSubscriber:       "SUBSCRIBER",
	ValueTypeSubscription:     "SUBSCRIPTION",
	ValueTypeJob:              "JOB",
	ValueTypeWorkflowInstance: "WORKFLOW_INSTANCE",
	ValueTypeIncident:         "INCIDENT",
	ValueTypeDeployment:       "DEPLOYMENT",
	ValueTypeRaft:             "RAFT",
	ValueTypeNoop:             "NOOP",
}

func (t ValueType) String() string {
	if s, ok := valueTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ValueType(%d)", t)
}

// IsSubscriptionControl reports whether records of this type carry
// subscription bookkeeping rather than business data.
func (t ValueType) IsSubscriptionControl() bool {
	return t == ValueTypeSubscriber || t == ValueTypeSubscription
}

// ParseValueType resolves a business value type by name. Subscription control
// types are not publishable and are rejected.
func ParseValueType(s string) (ValueType, error) {
	for t, name := range valueTypeNames {
		if strings.EqualFold(name, s) {
			if t.IsSubscriptionControl() {
				return 0, fmt.Errorf("value type %s is reserved", name)
			}
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}

type Intent uint8

const (
	IntentSubscribe Intent = iota + 1
	IntentSubscribed
	IntentAcknowledge
	IntentAcknowledged
	IntentCreate
	IntentCreated
	IntentUpdated
	IntentCompleted
	IntentDeleted
)

var intentNames = map[Intent]string{
	IntentSubscribe:    "SUBSCRIBE",
	IntentSubscribed:   "SUBSCRIBED",
	IntentAcknowledge:  "ACKNOWLEDGE",
	IntentAcknowledged: "ACKNOWLEDGED",
	IntentCreate:       "CREATE",
	IntentCreated:      "CREATED",
	IntentUpdated:      "UPDATED",
	IntentCompleted:    "COMPLETED",
	IntentDeleted:      "DELETED",
}

func (i Intent) String() string {
	if s, ok := intentNames[i]; ok {
		return s
	}
	return fmt.Sprintf("Intent(%d)", i)
}

// ParseIntent resolves a business intent by name.
func ParseIntent(s string) (Intent, error) {
	for i, name := range intentNames {
		if i <= IntentAcknowledged {
			continue
		}
		if strings.EqualFold(name, s) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown intent %q", s)
}

// Metadata describes a log entry. It travels alongside the value in the log.
type Metadata struct {
	RecordType      RecordType
	ValueType       ValueType
	Intent          Intent
	RequestStreamID int64
	RequestID       int64
	SourcePosition  int64
	RejectionReason string
}

// NewCommand returns command metadata for a request arriving on channel.
func NewCommand(valueType ValueType, intent Intent, channelID, requestID int64) Metadata {
	return Metadata{
		RecordType:      RecordTypeCommand,
		ValueType:       valueType,
		Intent:          intent,
		RequestStreamID: channelID,
		RequestID:       requestID,
		SourcePosition:  -1,
	}
}

// NewEvent returns event metadata for a record produced from the command at source.
func NewEvent(valueType ValueType, intent Intent, source int64) Metadata {
	return Metadata{
		RecordType:      RecordTypeEvent,
		ValueType:       valueType,
		Intent:          intent,
		RequestStreamID: NoChannel,
		RequestID:       NoChannel,
		SourcePosition:  source,
	}
}

// HasRequester reports whether a client is waiting for a response to this record.
func (m Metadata) HasRequester() bool {
	return m.RequestStreamID >= 0
}

// Is reports whether the metadata matches the record type, value type and intent.
func (m Metadata) Is(rt RecordType, vt ValueType, intent Intent) bool {
	return m.RecordType == rt && m.ValueType == vt && m.Intent == intent
}

const (
	metadataVersion   = 1
	metadataFixedSize = 1 + 3 + 3*8
)

var errShortMetadata = errors.New("metadata: short buffer")

// MarshalBinary encodes the metadata in its fixed log layout.
func (m Metadata) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, metadataFixedSize+binary.MaxVarintLen64+len(m.RejectionReason))
	b = append(b, metadataVersion, byte(m.RecordType), byte(m.ValueType), byte(m.Intent))
	b = binary.BigEndian.AppendUint64(b, uint64(m.RequestStreamID))
	b = binary.BigEndian.AppendUint64(b, uint64(m.RequestID))
	b = binary.BigEndian.AppendUint64(b, uint64(m.SourcePosition))
	b = binary.AppendUvarint(b, uint64(len(m.RejectionReason)))
	return append(b, m.RejectionReason...), nil
}

// UnmarshalBinary decodes metadata written by MarshalBinary.
func (m *Metadata) UnmarshalBinary(b []byte) error {
	if len(b) < metadataFixedSize+1 {
		return errShortMetadata
	}
	if b[0] != metadataVersion {
		return fmt.Errorf("metadata: unsupported version %d", b[0])
	}
	m.RecordType = RecordType(b[1])
	m.ValueType = ValueType(b[2])
	m.Intent = Intent(b[3])
	m.RequestStreamID = int64(binary.BigEndian.Uint64(b[4:12]))
	m.RequestID = int64(binary.BigEndian.Uint64(b[12:20]))
	m.SourcePosition = int64(binary.BigEndian.Uint64(b[20:28]))

	n, k := binary.Uvarint(b[metadataFixedSize:])
	if k <= 0 || int(n) > len(b)-metadataFixedSize-k {
		return errShortMetadata
	}
	start := metadataFixedSize + k
	m.RejectionReason = string(b[start : start+int(n)])
	return nil
}

// DecodeMetadata is a convenience wrapper around UnmarshalBinary.
func DecodeMetadata(b []byte) (Metadata, error) {
	var m Metadata
	err := m.UnmarshalBinary(b)
	return m, err
}

// MustMetadata encodes metadata that is known to be well formed.
func MustMetadata(m Metadata) []byte {
	b, _ := m.MarshalBinary()
	return b
}
