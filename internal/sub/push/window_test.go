package push

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowAddUntilFull(t *testing.T) {
	w := NewWindow(3)

	require.NoError(t, w.Add(1))
	require.NoError(t, w.Add(2))
	assert.False(t, w.IsFull())
	require.NoError(t, w.Add(3))
	assert.True(t, w.IsFull())

	assert.ErrorIs(t, w.Add(4), ErrWindowFull)
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Cap())
}

func TestWindowConsumeUpToCoalesces(t *testing.T) {
	w := NewWindow(5)
	for _, p := range []int64{10, 11, 12, 13} {
		require.NoError(t, w.Add(p))
	}

	// ack of 12 covers 10 and 11 even though they were never acked
	assert.Equal(t, 3, w.ConsumeUpTo(12))
	assert.Equal(t, 1, w.Len())

	assert.Equal(t, 0, w.ConsumeUpTo(5))
	assert.Equal(t, 1, w.ConsumeUpTo(100))
	assert.Equal(t, 0, w.Len())
}

func TestWindowWrapsAround(t *testing.T) {
	w := NewWindow(2)
	var pos int64
	for i := 0; i < 10; i++ {
		pos++
		require.NoError(t, w.Add(pos))
		assert.Equal(t, 1, w.ConsumeUpTo(pos))
	}
	assert.Equal(t, 0, w.Len())
}

func TestWindowDrainFIFO(t *testing.T) {
	w := NewWindow(4)
	for _, p := range []int64{7, 3, 9} {
		require.NoError(t, w.Add(p))
	}

	var got []int64
	w.Drain(func(p int64) { got = append(got, p) })

	assert.Equal(t, []int64{7, 3, 9}, got)
	assert.Equal(t, 0, w.Len())

	w.Drain(func(int64) { t.Fatal("drained empty window") })
}

func TestWindowNeverExceedsCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const capacity = 4
	w := NewWindow(capacity)

	var next int64
	for i := 0; i < 1000; i++ {
		if rng.Intn(3) > 0 {
			next++
			if err := w.Add(next); err != nil {
				assert.ErrorIs(t, err, ErrWindowFull)
			}
		} else {
			w.ConsumeUpTo(next - int64(rng.Intn(3)))
		}
		require.LessOrEqual(t, w.Len(), capacity)
	}
}
