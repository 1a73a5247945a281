package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pebblestore "logsub/internal/storage/pebble"
	"logsub/internal/sub"
	"logsub/internal/sub/ackstore"
	"logsub/internal/sub/partition"
)

type testGateway struct {
	url        string
	server     *httptest.Server
	partitions []*partition.Partition
}

func newTestGateway(t *testing.T, partitions int) *testGateway {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := NewHub(64, zap.NewNop())
	gw := &testGateway{}
	var served []sub.Partition
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := range partitions {
		store, err := ackstore.NewPebbleStore(db, "ns", "orders", uint32(i))
		require.NoError(t, err)
		p, err := partition.New(partition.Config{Namespace: "ns", Topic: "orders", ID: int32(i), PushRetryInterval: time.Millisecond},
			db, store, hub, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, p.Recover(ctx))

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Run(ctx))
		}()
		gw.partitions = append(gw.partitions, p)
		served = append(served, p)
	}

	s, err := NewServer(ServerConfig{PingInterval: time.Second}, hub, served, zap.NewNop())
	require.NoError(t, err)
	gw.server = httptest.NewServer(s.Handler())
	gw.url = "ws" + strings.TrimPrefix(gw.server.URL, "http") + "/ws"

	t.Cleanup(func() {
		hub.CloseAll()
		gw.server.Close()
		cancel()
		wg.Wait()
	})
	return gw
}

// collector keeps every frame a client receives.
type collector struct {
	mu     sync.Mutex
	frames []sub.Frame
}

func dial(t *testing.T, gw *testGateway) (*Client, *collector) {
	t.Helper()
	c, err := Dial(context.Background(), gw.url)
	require.NoError(t, err)
	col := &collector{}
	go func() {
		for f := range c.Frames() {
			col.mu.Lock()
			col.frames = append(col.frames, f)
			col.mu.Unlock()
		}
	}()
	t.Cleanup(func() { _ = c.Close() })
	return c, col
}

func (col *collector) await(t *testing.T, match func(sub.Frame) bool) sub.Frame {
	t.Helper()
	var found sub.Frame
	require.Eventually(t, func() bool {
		col.mu.Lock()
		defer col.mu.Unlock()
		for _, f := range col.frames {
			if match(f) {
				found = f
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return found
}

func (col *collector) response(t *testing.T, requestID int64) sub.Frame {
	t.Helper()
	return col.await(t, func(f sub.Frame) bool { return f.Kind != sub.FrameRecord && f.RequestID == requestID })
}

func (col *collector) records() []int64 {
	col.mu.Lock()
	defer col.mu.Unlock()
	var out []int64
	for _, f := range col.frames {
		if f.Kind == sub.FrameRecord {
			out = append(out, f.Position)
		}
	}
	return out
}

func TestGatewaySubscribePublishAckClose(t *testing.T) {
	gw := newTestGateway(t, 1)
	c, col := dial(t, gw)

	rec := sub.NewSubscriberRecord("orders", 0, "s1")
	rec.PrefetchCapacity = 2
	id, err := c.Subscribe(0, rec)
	require.NoError(t, err)
	resp := col.response(t, id)
	require.Equal(t, sub.FrameResponse, resp.Kind, resp.Error)
	assert.Equal(t, "SUBSCRIBED", resp.Intent)
	key := resp.SubscriberKey

	for i := range 3 {
		id, err := c.Publish("orders", nil, int64(i), "JOB", "CREATED", []byte(`{"n":1}`))
		require.NoError(t, err)
		published := col.response(t, id)
		require.Equal(t, sub.FrameResponse, published.Kind, published.Error)
		assert.Positive(t, published.Position)
	}

	require.Eventually(t, func() bool { return len(col.records()) == 2 }, 5*time.Second, 5*time.Millisecond)
	record := col.await(t, func(f sub.Frame) bool { return f.Kind == sub.FrameRecord })
	assert.Equal(t, key, record.SubscriberKey)
	assert.Equal(t, "JOB", record.ValueType)
	assert.JSONEq(t, `{"n":1}`, string(record.Value))

	id, err = c.Ack("orders", 0, "s1", col.records()[1])
	require.NoError(t, err)
	assert.Equal(t, "ACKNOWLEDGED", col.response(t, id).Intent)
	require.Eventually(t, func() bool { return len(col.records()) == 3 }, 5*time.Second, 5*time.Millisecond)

	id, err = c.CloseSubscription("orders", 0, key)
	require.NoError(t, err)
	closed := col.response(t, id)
	assert.Equal(t, sub.FrameResponse, closed.Kind)
	assert.Equal(t, key, closed.SubscriberKey)

	infos, err := gw.partitions[0].Subscriptions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestGatewayRejectsInvalidRequests(t *testing.T) {
	gw := newTestGateway(t, 1)
	c, col := dial(t, gw)

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "unknown partition",
			req:  Request{Op: OpSubscribe, PartitionID: Ptr[int32](5), Name: "s1"},
			want: "unknown partition",
		},
		{
			name: "missing partition",
			req:  Request{Op: OpAck, Name: "s1"},
			want: "unknown partition",
		},
		{
			name: "unknown topic",
			req:  Request{Op: OpSubscribe, TopicName: "payments", PartitionID: Ptr[int32](0), Name: "s1"},
			want: "unknown topic",
		},
		{
			name: "long name",
			req:  Request{Op: OpSubscribe, PartitionID: Ptr[int32](0), Name: strings.Repeat("n", 33)},
			want: "32 characters",
		},
		{
			name: "reserved value type",
			req:  Request{Op: OpPublish, ValueType: "SUBSCRIPTION", Intent: "CREATED", Value: json.RawMessage(`{}`)},
			want: "reserved",
		},
		{
			name: "unknown op",
			req:  Request{Op: "drop"},
			want: "unknown operation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := c.Send(tt.req)
			require.NoError(t, err)
			resp := col.response(t, id)
			assert.Equal(t, sub.FrameError, resp.Kind)
			assert.Contains(t, resp.Error, tt.want)
		})
	}

	assert.Zero(t, gw.partitions[0].Log().LastPosition(), "nothing written")
}

func TestGatewayRoutesPublishByKey(t *testing.T) {
	gw := newTestGateway(t, 3)
	c, col := dial(t, gw)

	for key := int64(0); key < 10; key++ {
		id, err := c.Publish("", nil, key, "JOB", "CREATED", []byte(`{}`))
		require.NoError(t, err)
		resp := col.response(t, id)
		require.Equal(t, sub.FrameResponse, resp.Kind, resp.Error)

		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(key))
		assert.Equal(t, int32(xxhash.Sum64(b[:])%3), resp.PartitionID, "key %d", key)
	}

	id, err := c.Publish("orders", Ptr[int32](2), 99, "JOB", "CREATED", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), col.response(t, id).PartitionID)
}

func TestGatewayDisconnectClosesSubscriptions(t *testing.T) {
	gw := newTestGateway(t, 1)
	c, col := dial(t, gw)
	other, otherCol := dial(t, gw)

	id, err := c.Subscribe(0, sub.NewSubscriberRecord("orders", 0, "s1"))
	require.NoError(t, err)
	require.Equal(t, sub.FrameResponse, col.response(t, id).Kind)
	id, err = other.Subscribe(0, sub.NewSubscriberRecord("orders", 0, "s2"))
	require.NoError(t, err)
	require.Equal(t, sub.FrameResponse, otherCol.response(t, id).Kind)

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		infos, err := gw.partitions[0].Subscriptions(context.Background())
		return err == nil && len(infos) == 1 && infos[0].Name == "s2"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayListsSubscriptions(t *testing.T) {
	gw := newTestGateway(t, 2)
	c, col := dial(t, gw)

	id, err := c.Subscribe(1, sub.NewSubscriberRecord("orders", 1, "s1"))
	require.NoError(t, err)
	require.Equal(t, sub.FrameResponse, col.response(t, id).Kind)

	id, err = c.Send(Request{Op: OpSubscriptions, PartitionID: Ptr[int32](1)})
	require.NoError(t, err)
	var infos []sub.SubscriptionInfo
	require.NoError(t, json.Unmarshal(col.response(t, id).Value, &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "s1", infos[0].Name)

	res, err := http.Get(gw.server.URL + "/subscriptions")
	require.NoError(t, err)
	defer res.Body.Close()
	var all map[string][]sub.SubscriptionInfo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&all))
	assert.Empty(t, all["0"])
	assert.Len(t, all["1"], 1)
}
