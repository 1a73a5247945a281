package gateway

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"logsub/internal/sub"
)

const defaultSendBuffer = 256

// conn is the send side of one client channel.
type conn struct {
	id   int64
	mu   sync.Mutex
	send chan sub.Frame
	shut bool
}

func (c *conn) enqueue(f sub.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shut {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shut {
		c.shut = true
		close(c.send)
	}
}

type HubOption func(*Hub)

// WithConnectionObserver reports the number of open channels on every change.
func WithConnectionObserver(fn func(active int)) HubOption {
	return func(h *Hub) { h.observe = fn }
}

// Hub tracks open channels and implements sub.Transport over them.
type Hub struct {
	sendBuffer int
	logger     *zap.Logger
	nextID     atomic.Int64

	mu        sync.RWMutex
	conns     map[int64]*conn
	listeners []func(channelID int64)
	observe   func(active int)
}

func NewHub(sendBuffer int, logger *zap.Logger, opts ...HubOption) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	h := &Hub{
		sendBuffer: sendBuffer,
		logger:     logger.Named("hub"),
		conns:      make(map[int64]*conn),
		observe:    func(int) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// TrySend enqueues f on the channel without blocking. It fails when the
// channel's buffer is full or the channel is gone.
func (h *Hub) TrySend(channelID int64, f sub.Frame) bool {
	h.mu.RLock()
	c, ok := h.conns[channelID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(f)
}

// OnDisconnect registers fn to run after a channel closes.
func (h *Hub) OnDisconnect(fn func(channelID int64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register() *conn {
	c := &conn{id: h.nextID.Add(1), send: make(chan sub.Frame, h.sendBuffer)}

	h.mu.Lock()
	h.conns[c.id] = c
	active := len(h.conns)
	h.mu.Unlock()

	h.observe(active)
	h.logger.Debug("channel opened", zap.Int64("channel", c.id))
	return c
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	active := len(h.conns)
	listeners := append([]func(int64){}, h.listeners...)
	h.mu.Unlock()

	c.close()
	h.observe(active)
	for _, fn := range listeners {
		fn(c.id)
	}
	h.logger.Debug("channel closed", zap.Int64("channel", c.id))
}

// CloseAll closes every channel's send side. Writers send a close message
// and the read side then unregisters the channel.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
