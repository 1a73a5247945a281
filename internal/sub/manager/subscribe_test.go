package manager

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logsub/internal/sub"
)

func newRequest(name string) subscribeRequest {
	return subscribeRequest{
		position: 11,
		meta:     sub.NewCommand(sub.ValueTypeSubscriber, sub.IntentSubscribe, 7, 1),
		record:   sub.NewSubscriberRecord("orders", 1, name),
	}
}

func TestValidateRejectsLongName(t *testing.T) {
	state := validating{req: newRequest(strings.Repeat("x", 33))}.validate(false)

	failed, ok := state.(subscribeFailed)
	require.True(t, ok, "got %s", state.phase())
	assert.ErrorIs(t, failed.cause, sub.ErrNameTooLong)
	assert.Contains(t, failed.err().Error(), "32 characters")
}

func TestValidateAcceptsMaximumLength(t *testing.T) {
	state := validating{req: newRequest(strings.Repeat("x", 32))}.validate(false)
	assert.Equal(t, "awaiting_service_creation", state.phase())
}

func TestValidateRejectsTakenName(t *testing.T) {
	state := validating{req: newRequest("s1")}.validate(true)

	failed, ok := state.(subscribeFailed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.err(), sub.ErrNameTaken)
	assert.Contains(t, failed.err().Error(), "'s1'")
}

func TestCompleteWithError(t *testing.T) {
	orphan := &Subscription{Key: 11, Name: "s1"}
	state := awaitingService{req: newRequest("s1")}.complete(serviceResult{
		subscription: orphan,
		err:          errors.New("disk on fire"),
	})

	failed, ok := state.(subscribeFailed)
	require.True(t, ok)
	assert.Same(t, orphan, failed.orphan)
	assert.EqualError(t, failed.err(), "cannot open subscription 's1': disk on fire")
}

func TestCompleteWithSubscription(t *testing.T) {
	s := &Subscription{Key: 11, Name: "s1"}
	state := awaitingService{req: newRequest("s1")}.complete(serviceResult{subscription: s})

	done, ok := state.(subscribed)
	require.True(t, ok)
	assert.Same(t, s, done.subscription)
}
