package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIndexesByKeyAndName(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscription{Key: 11, Name: "s1", ChannelID: 7})
	r.Add(&Subscription{Key: 4, Name: "s2", ChannelID: 9})

	s, ok := r.GetByName("s1")
	require.True(t, ok)
	assert.Equal(t, int64(11), s.Key)

	s, ok = r.GetByKey(4)
	require.True(t, ok)
	assert.Equal(t, "s2", s.Name)

	_, ok = r.GetByName("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryRemoveByKeyDropsName(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscription{Key: 1, Name: "s1"})

	removed, ok := r.RemoveByKey(1)
	require.True(t, ok)
	assert.Equal(t, "s1", removed.Name)

	_, ok = r.GetByName("s1")
	assert.False(t, ok)
	_, ok = r.RemoveByKey(1)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistryAddReplacesSameKey(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscription{Key: 1, Name: "old"})
	r.Add(&Subscription{Key: 1, Name: "new"})

	_, ok := r.GetByName("old")
	assert.False(t, ok)
	_, ok = r.GetByName("new")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestIteratorRemoveDuringWalk(t *testing.T) {
	r := NewRegistry()
	for i, ch := range []int64{7, 9, 7, 9, 7} {
		r.Add(&Subscription{Key: int64(i + 1), Name: string(rune('a' + i)), ChannelID: ch})
	}

	var visited []int64
	it := r.Iterate()
	for it.Next() {
		visited = append(visited, it.Value().Key)
		if it.Value().ChannelID == 7 {
			require.NotNil(t, it.Remove())
			assert.Nil(t, it.Value())
		}
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, visited)
	assert.Equal(t, 2, r.Len())
	_, ok := r.GetByKey(2)
	assert.True(t, ok)
	_, ok = r.GetByKey(4)
	assert.True(t, ok)
}

func TestIteratorSkipsEntriesRemovedElsewhere(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscription{Key: 1, Name: "a"})
	r.Add(&Subscription{Key: 2, Name: "b"})
	r.Add(&Subscription{Key: 3, Name: "c"})

	it := r.Iterate()
	require.True(t, it.Next())
	r.RemoveByKey(2)

	require.True(t, it.Next())
	assert.Equal(t, int64(3), it.Value().Key)
	assert.False(t, it.Next())

	// a fresh iterator starts over
	it = r.Iterate()
	require.True(t, it.Next())
	assert.Equal(t, int64(1), it.Value().Key)
}
