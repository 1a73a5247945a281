package ackstore

import (
	"context"
	"time"

	"logsub/internal/sub"
	"logsub/internal/sub/metrics"
)

// MetricsStore wraps a sub.AckStore with metrics collection
type MetricsStore struct {
	store    sub.AckStore
	registry *metrics.Registry
}

// NewMetricsStore creates a new instrumented ack store
func NewMetricsStore(store sub.AckStore, registry *metrics.Registry) sub.AckStore {
	return &MetricsStore{
		store:    store,
		registry: registry,
	}
}

// Get implements sub.AckStore.Get with metrics collection
func (s *MetricsStore) Get(ctx context.Context, name string) (int64, bool, error) {
	start := time.Now()

	pos, found, err := s.store.Get(ctx, name)
	s.registry.RecordStoreOperation("get", time.Since(start), err)

	return pos, found, err
}

// Put implements sub.AckStore.Put with metrics collection
func (s *MetricsStore) Put(ctx context.Context, name string, position int64) error {
	start := time.Now()

	err := s.store.Put(ctx, name, position)
	s.registry.RecordStoreOperation("put", time.Since(start), err)

	return err
}

// ProcessedPosition implements sub.AckStore.ProcessedPosition with metrics collection
func (s *MetricsStore) ProcessedPosition(ctx context.Context) (int64, error) {
	start := time.Now()

	pos, err := s.store.ProcessedPosition(ctx)
	s.registry.RecordStoreOperation("get_processed", time.Since(start), err)

	return pos, err
}

// SetProcessedPosition implements sub.AckStore.SetProcessedPosition with metrics collection
func (s *MetricsStore) SetProcessedPosition(ctx context.Context, position int64) error {
	start := time.Now()

	err := s.store.SetProcessedPosition(ctx, position)
	s.registry.RecordStoreOperation("set_processed", time.Since(start), err)

	return err
}
