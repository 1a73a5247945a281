package gateway

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"logsub/internal/sub"
	"logsub/internal/sub/metrics"
)

func TestHubTrySend(t *testing.T) {
	h := NewHub(2, zap.NewNop())
	c := h.register()

	assert.False(t, h.TrySend(c.id+1, sub.Frame{}), "unknown channel")
	assert.True(t, h.TrySend(c.id, sub.Frame{Position: 1}))
	assert.True(t, h.TrySend(c.id, sub.Frame{Position: 2}))
	assert.False(t, h.TrySend(c.id, sub.Frame{Position: 3}), "buffer full")

	f := <-c.send
	assert.Equal(t, int64(1), f.Position)
	assert.True(t, h.TrySend(c.id, sub.Frame{Position: 3}))
}

func TestHubUnregisterNotifiesListeners(t *testing.T) {
	var active []int
	h := NewHub(4, zap.NewNop(), WithConnectionObserver(func(n int) { active = append(active, n) }))
	var closed []int64
	h.OnDisconnect(func(id int64) { closed = append(closed, id) })

	a := h.register()
	b := h.register()
	assert.NotEqual(t, a.id, b.id)
	assert.Equal(t, 2, h.Len())

	h.unregister(a)
	h.unregister(a)
	assert.Equal(t, []int64{a.id}, closed)
	assert.Equal(t, []int{1, 2, 1}, active)
	assert.False(t, h.TrySend(a.id, sub.Frame{}))

	_, ok := <-a.send
	assert.False(t, ok, "send side closed")
}

func TestHubCloseAllRejectsSends(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	c := h.register()
	h.CloseAll()

	assert.False(t, h.TrySend(c.id, sub.Frame{}))
	assert.Equal(t, 1, h.Len(), "channels unregister from their read side")
}

func TestMetricsTransportCountsFrames(t *testing.T) {
	registry := metrics.NewRegistry()
	h := NewHub(1, zap.NewNop())
	c := h.register()
	tr := NewMetricsTransport(h, registry)

	require.True(t, tr.TrySend(c.id, sub.Frame{Kind: sub.FrameRecord}))
	require.False(t, tr.TrySend(c.id, sub.Frame{Kind: sub.FrameRecord}))

	count, err := testutil.GatherAndCount(registry.Gatherer(), "logsub_transport_frames_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per outcome")
}
