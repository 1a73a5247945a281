package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFO(t *testing.T) {
	q := newTaskQueue()
	var order []int
	for i := range 3 {
		require.True(t, q.Enqueue(func(context.Context) error {
			order = append(order, i)
			return nil
		}))
	}
	assert.Equal(t, 3, q.Len())

	for {
		task, ok := q.TryDequeue()
		if !ok {
			break
		}
		require.NoError(t, task(context.Background()))
	}
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Zero(t, q.Len())
}

func TestTaskQueueSignalsCoalesce(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(func(context.Context) error { return nil })
	q.Enqueue(func(context.Context) error { return nil })

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestTaskQueueConcurrentEnqueue(t *testing.T) {
	q := newTaskQueue()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				q.Enqueue(func(context.Context) error { return nil })
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Len())
}

func TestTaskQueueClose(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(func(context.Context) error { return nil })

	rest := q.Close()
	assert.Len(t, rest, 1)
	assert.False(t, q.Enqueue(func(context.Context) error { return nil }))
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}
