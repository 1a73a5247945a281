package push

import (
	"errors"
	"sync"
)

// ErrWindowFull is returned when adding to a window at capacity.
var ErrWindowFull = errors.New("credit window is full")

// Window is a fixed-capacity FIFO of ascending log positions. It is shared by
// a push processor and the management processor, so every operation holds a
// short mutex section and never blocks otherwise.
type Window struct {
	mu   sync.Mutex
	buf  []int64
	head int
	size int
}

// NewWindow returns an empty window holding at most capacity positions.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]int64, capacity)}
}

// Add appends position at the tail.
func (w *Window) Add(position int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size == len(w.buf) {
		return ErrWindowFull
	}
	w.buf[(w.head+w.size)%len(w.buf)] = position
	w.size++
	return nil
}

// ConsumeUpTo drops every leading position ≤ position and returns how many
// were dropped.
func (w *Window) ConsumeUpTo(position int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for w.size > 0 && w.buf[w.head] <= position {
		w.head = (w.head + 1) % len(w.buf)
		w.size--
		n++
	}
	return n
}

// Drain removes all positions in FIFO order, calling fn for each outside the lock.
func (w *Window) Drain(fn func(position int64)) {
	w.mu.Lock()
	if w.size == 0 {
		w.mu.Unlock()
		return
	}
	drained := make([]int64, 0, w.size)
	for w.size > 0 {
		drained = append(drained, w.buf[w.head])
		w.head = (w.head + 1) % len(w.buf)
		w.size--
	}
	w.mu.Unlock()

	for _, p := range drained {
		fn(p)
	}
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Window) Cap() int {
	return len(w.buf)
}

func (w *Window) IsFull() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size == len(w.buf)
}
