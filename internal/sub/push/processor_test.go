package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"logsub/internal/logstream"
	pebblestore "logsub/internal/storage/pebble"
	"logsub/internal/sub"
)

type recordingTransport struct {
	mu     sync.Mutex
	reject bool
	frames []sub.Frame
}

func (t *recordingTransport) TrySend(_ int64, f sub.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reject {
		return false
	}
	t.frames = append(t.frames, f)
	return true
}

func (t *recordingTransport) setReject(reject bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reject = reject
}

func (t *recordingTransport) positions() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, len(t.frames))
	for i, f := range t.frames {
		out[i] = f.Position
	}
	return out
}

func newTestLog(t *testing.T) *logstream.Log {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l, err := logstream.Open(db, "ns", "orders", 1)
	require.NoError(t, err)
	return l
}

func appendJobs(t *testing.T, l *logstream.Log, n int) {
	t.Helper()
	meta := sub.MustMetadata(sub.NewEvent(sub.ValueTypeJob, sub.IntentCreated, -1))
	recs := make([]logstream.Record, n)
	for i := range recs {
		recs[i] = logstream.Record{Key: int64(i), Metadata: meta, Value: []byte(`{"type":"job"}`)}
	}
	_, err := l.Append(context.Background(), recs...)
	require.NoError(t, err)
}

func appendControl(t *testing.T, l *logstream.Log) {
	t.Helper()
	meta := sub.MustMetadata(sub.NewEvent(sub.ValueTypeSubscription, sub.IntentAcknowledged, 1))
	_, err := l.Append(context.Background(), logstream.Record{Metadata: meta, Value: []byte(`{"name":"s1","ackPosition":1}`)})
	require.NoError(t, err)
}

func newProcessor(t *testing.T, l *logstream.Log, tr sub.Transport, start int64, prefetch int32) *Processor {
	t.Helper()
	p, err := New(Config{
		SubscriberKey:    1,
		Name:             "s1",
		PartitionID:      1,
		ChannelID:        7,
		StartPosition:    start,
		PrefetchCapacity: prefetch,
	}, l, tr, zap.NewNop())
	require.NoError(t, err)
	return p
}

func stepUntilIdle(t *testing.T, p *Processor) int {
	t.Helper()
	steps := 0
	for {
		progressed, err := p.Step()
		require.NoError(t, err)
		if !progressed {
			return steps
		}
		steps++
	}
}

func TestDisabledProcessorDoesNotRead(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 3)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 0, 3)
	p.Open()

	assert.True(t, p.IsSuspended())
	assert.Zero(t, stepUntilIdle(t, p))
	assert.Empty(t, tr.positions())
}

func TestSuspendsWhenCreditExhausted(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 10)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 5, 3)

	assert.Equal(t, int64(5), p.Open())
	p.Enable()
	stepUntilIdle(t, p)

	assert.Equal(t, []int64{5, 6, 7}, tr.positions())
	assert.True(t, p.IsSuspended())
	assert.Equal(t, 3, p.InFlight())
}

func TestAckReleasesCredit(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 10)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 5, 3)
	p.Open()
	p.Enable()
	stepUntilIdle(t, p)

	require.NoError(t, p.OnAck(5))
	assert.False(t, p.IsSuspended())
	assert.Equal(t, 2, p.InFlight())

	stepUntilIdle(t, p)
	assert.Equal(t, []int64{5, 6, 7, 8}, tr.positions())
	assert.True(t, p.IsSuspended())
}

func TestAckCoalescesEarlierPositions(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 10)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 1, 3)
	p.Open()
	p.Enable()
	stepUntilIdle(t, p)

	require.NoError(t, p.OnAck(3))
	assert.False(t, p.IsSuspended())
	assert.Zero(t, p.InFlight())
}

func TestSuspensionMatchesWindowState(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 20)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 1, 4)
	p.Open()

	assert.True(t, p.IsSuspended(), "disabled")
	p.Enable()

	acked := int64(0)
	for round := 0; round < 4; round++ {
		stepUntilIdle(t, p)
		suspended := p.IsSuspended()
		require.Equal(t, p.InFlight() == 4, suspended)
		require.LessOrEqual(t, p.InFlight(), 4)

		acked += 2
		require.NoError(t, p.OnAck(acked))
		suspended = p.IsSuspended()
		require.Equal(t, p.InFlight() == 4, suspended)
	}
}

func TestNoFlowControlWithoutPrefetch(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 50)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 1, -1)
	p.Open()
	p.Enable()

	assert.Equal(t, 50, stepUntilIdle(t, p))
	assert.False(t, p.IsSuspended())
	assert.NoError(t, p.OnAck(10))
}

func TestAckOverflowIsFatal(t *testing.T) {
	l := newTestLog(t)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 1, 2)
	p.Open()

	// acks are not drained while disabled, so the third one overflows
	require.NoError(t, p.OnAck(1))
	require.NoError(t, p.OnAck(2))
	err := p.OnAck(3)
	require.ErrorIs(t, err, sub.ErrProtocolViolation)

	_, err = p.Step()
	assert.ErrorIs(t, err, sub.ErrProtocolViolation)
}

func TestTransportRejectionRetriesSameEntry(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 3)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 1, 3)
	p.Open()
	p.Enable()

	tr.setReject(true)
	progressed, err := p.Step()
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Zero(t, p.InFlight())

	tr.setReject(false)
	stepUntilIdle(t, p)
	assert.Equal(t, []int64{1, 2, 3}, tr.positions())
}

func TestSubscriptionRecordsAreFiltered(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 1)
	appendControl(t, l)
	appendJobs(t, l, 1)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 0, 3)
	p.Open()
	p.Enable()

	stepUntilIdle(t, p)
	assert.Equal(t, []int64{1, 3}, tr.positions())
	assert.Equal(t, 2, p.InFlight())
}

func TestFrameCarriesEntry(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 1)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 0, 0)
	p.Open()
	p.Enable()
	stepUntilIdle(t, p)

	require.Len(t, tr.frames, 1)
	f := tr.frames[0]
	assert.Equal(t, sub.FrameRecord, f.Kind)
	assert.Equal(t, int64(1), f.SubscriberKey)
	assert.Equal(t, int32(1), f.PartitionID)
	assert.Equal(t, "JOB", f.ValueType)
	assert.Equal(t, "CREATED", f.Intent)
	assert.Equal(t, "EVENT", f.RecordType)
	assert.JSONEq(t, `{"type":"job"}`, string(f.Value))
}

func TestTailStartExcludesExistingEntries(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 3)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, -1, 10)

	assert.Equal(t, int64(4), p.Open())
	p.Enable()
	assert.Zero(t, stepUntilIdle(t, p))

	appendJobs(t, l, 2)
	stepUntilIdle(t, p)
	assert.Equal(t, []int64{4, 5}, tr.positions())
}

func TestTailStartOnEmptyLog(t *testing.T) {
	l := newTestLog(t)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, -1, 10)

	assert.Equal(t, int64(1), p.Open())
	p.Enable()
	appendJobs(t, l, 1)
	stepUntilIdle(t, p)
	assert.Equal(t, []int64{1}, tr.positions())
}

func TestRunDeliversAppendsAndStopsOnCancel(t *testing.T) {
	l := newTestLog(t)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 0, 0)
	p.Open()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Enable()
	appendJobs(t, l, 3)

	require.Eventually(t, func() bool { return len(tr.positions()) == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunResumesAfterAck(t *testing.T) {
	l := newTestLog(t)
	appendJobs(t, l, 4)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 1, 2)
	p.Open()
	p.Enable()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(tr.positions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.OnAck(2))
	require.Eventually(t, func() bool { return len(tr.positions()) == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunReturnsFatalError(t *testing.T) {
	l := newTestLog(t)
	tr := &recordingTransport{}
	p := newProcessor(t, l, tr, 1, 1)
	p.Open()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.NoError(t, p.OnAck(1))
	assert.Error(t, p.OnAck(2))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, sub.ErrProtocolViolation)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on violation")
	}
}
