package sub

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataBinaryLayout(t *testing.T) {
	m := NewCommand(ValueTypeSubscription, IntentAcknowledge, 7, 42)
	m.RejectionReason = "not today"

	b, err := m.MarshalBinary()
	require.NoError(t, err)

	got, err := DecodeMetadata(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.True(t, got.HasRequester())
	assert.True(t, got.Is(RecordTypeCommand, ValueTypeSubscription, IntentAcknowledge))
}

func TestEventMetadataHasNoRequester(t *testing.T) {
	m := NewEvent(ValueTypeSubscriber, IntentSubscribed, 12)
	assert.False(t, m.HasRequester())
	assert.Equal(t, int64(12), m.SourcePosition)
}

func TestDecodeMetadataRejectsTruncatedInput(t *testing.T) {
	b := MustMetadata(Metadata{RecordType: RecordTypeEvent, RejectionReason: "reason"})

	_, err := DecodeMetadata(b[:10])
	assert.Error(t, err)

	_, err = DecodeMetadata(b[:len(b)-2])
	assert.Error(t, err)

	b[0] = 9
	_, err = DecodeMetadata(b)
	assert.ErrorContains(t, err, "unsupported version")
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName(strings.Repeat("a", MaxNameLength)))
	assert.ErrorIs(t, ValidateName(strings.Repeat("a", MaxNameLength+1)), ErrNameTooLong)
	assert.ErrorIs(t, ValidateName(""), ErrNameEmpty)
	assert.ErrorIs(t, ValidateName("a\x00"), ErrNameInvalid)
	assert.Contains(t, ErrNameTooLong.Error(), "32 characters")
}

func TestParseValueTypeRejectsControlTypes(t *testing.T) {
	vt, err := ParseValueType("job")
	require.NoError(t, err)
	assert.Equal(t, ValueTypeJob, vt)

	_, err = ParseValueType("SUBSCRIPTION")
	assert.ErrorContains(t, err, "reserved")

	_, err = ParseValueType("nope")
	assert.Error(t, err)
}

func TestParseIntentRejectsControlIntents(t *testing.T) {
	i, err := ParseIntent("created")
	require.NoError(t, err)
	assert.Equal(t, IntentCreated, i)

	_, err = ParseIntent("ACKNOWLEDGED")
	assert.Error(t, err)
}

func TestNewSubscriberRecordDefaults(t *testing.T) {
	rec := NewSubscriberRecord("orders", 1, "s1")
	assert.Equal(t, int64(-1), rec.StartPosition)
	assert.Equal(t, int32(-1), rec.PrefetchCapacity)
	assert.False(t, rec.ForceStart)
}
