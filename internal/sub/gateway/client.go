package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"logsub/internal/sub"
)

// Client is one channel to a gateway.
type Client struct {
	wc     *websocket.Conn
	frames chan sub.Frame
	nextID atomic.Int64

	writeMu sync.Mutex
	done    chan struct{}
	err     error
}

// Dial opens a channel to the gateway at url (ws://host:port/ws).
func Dial(ctx context.Context, url string) (*Client, error) {
	wc, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c := &Client{
		wc:     wc,
		frames: make(chan sub.Frame, 256),
		done:   make(chan struct{}),
	}
	go c.readAll()
	return c, nil
}

// Frames delivers every frame received. It is closed when the channel ends.
func (c *Client) Frames() <-chan sub.Frame {
	return c.frames
}

// Err returns why the channel ended, once Frames is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Send writes req, assigning a request id when it has none.
func (c *Client) Send(req Request) (int64, error) {
	if req.RequestID == 0 {
		req.RequestID = c.nextID.Add(1)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.wc.WriteJSON(req); err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", req.Op, err)
	}
	return req.RequestID, nil
}

func (c *Client) Subscribe(partition int32, rec sub.SubscriberRecord) (int64, error) {
	return c.Send(Request{
		Op:               OpSubscribe,
		TopicName:        rec.TopicName,
		PartitionID:      Ptr(partition),
		Name:             rec.Name,
		StartPosition:    Ptr(rec.StartPosition),
		PrefetchCapacity: Ptr(rec.PrefetchCapacity),
		ForceStart:       rec.ForceStart,
	})
}

func (c *Client) Ack(topic string, partition int32, name string, position int64) (int64, error) {
	return c.Send(Request{Op: OpAck, TopicName: topic, PartitionID: Ptr(partition), Name: name, AckPosition: position})
}

func (c *Client) CloseSubscription(topic string, partition int32, subscriberKey int64) (int64, error) {
	return c.Send(Request{Op: OpClose, TopicName: topic, PartitionID: Ptr(partition), SubscriberKey: subscriberKey})
}

// Publish routes by key when partition is nil.
func (c *Client) Publish(topic string, partition *int32, key int64, valueType, intent string, value []byte) (int64, error) {
	return c.Send(Request{
		Op:          OpPublish,
		TopicName:   topic,
		PartitionID: partition,
		Key:         key,
		ValueType:   valueType,
		Intent:      intent,
		Value:       value,
	})
}

// Close ends the channel. The gateway closes the channel's subscriptions.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if err != nil {
		_ = c.wc.Close()
		return err
	}
	<-c.done
	return c.wc.Close()
}

func (c *Client) readAll() {
	defer close(c.done)
	defer close(c.frames)
	for {
		var f sub.Frame
		if err := c.wc.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			return
		}
		c.frames <- f
	}
}
