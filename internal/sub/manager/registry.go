package manager

import (
	"context"
	"slices"

	"logsub/internal/sub/push"
)

// Subscription is a live, registered subscription and its push processor.
type Subscription struct {
	Key       int64
	Name      string
	ChannelID int64
	Pusher    *push.Processor

	cancel context.CancelFunc
	done   chan struct{}
}

// uninstall stops the push processor without waiting for it.
func (s *Subscription) uninstall() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Registry indexes live subscriptions by subscriber key and by name. It is
// owned by the management processor's goroutine and is not synchronized.
type Registry struct {
	byKey  map[int64]*Subscription
	byName map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[int64]*Subscription),
		byName: make(map[string]int64),
	}
}

// Add registers s, replacing any subscription with the same key.
func (r *Registry) Add(s *Subscription) {
	if old, ok := r.byKey[s.Key]; ok {
		delete(r.byName, old.Name)
	}
	r.byKey[s.Key] = s
	r.byName[s.Name] = s.Key
}

func (r *Registry) GetByKey(key int64) (*Subscription, bool) {
	s, ok := r.byKey[key]
	return s, ok
}

func (r *Registry) GetByName(name string) (*Subscription, bool) {
	key, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.GetByKey(key)
}

// RemoveByKey unregisters the subscription with key from both indices.
func (r *Registry) RemoveByKey(key int64) (*Subscription, bool) {
	s, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	delete(r.byKey, key)
	if r.byName[s.Name] == key {
		delete(r.byName, s.Name)
	}
	return s, true
}

func (r *Registry) Len() int {
	return len(r.byKey)
}

// Iterate returns an iterator over a snapshot of the registered keys in
// ascending order. Subscriptions removed after the snapshot are skipped.
func (r *Registry) Iterate() *Iterator {
	keys := make([]int64, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return &Iterator{registry: r, keys: keys}
}

// Iterator walks a Registry and tolerates removal of any entry mid-walk.
type Iterator struct {
	registry *Registry
	keys     []int64
	next     int
	current  *Subscription
}

// Next advances to the next live subscription.
func (it *Iterator) Next() bool {
	for it.next < len(it.keys) {
		k := it.keys[it.next]
		it.next++
		if s, ok := it.registry.byKey[k]; ok {
			it.current = s
			return true
		}
	}
	it.current = nil
	return false
}

// Value returns the subscription at the iterator position.
func (it *Iterator) Value() *Subscription {
	return it.current
}

// Remove unregisters the current subscription and returns it.
func (it *Iterator) Remove() *Subscription {
	if it.current == nil {
		return nil
	}
	s, _ := it.registry.RemoveByKey(it.current.Key)
	it.current = nil
	return s
}
