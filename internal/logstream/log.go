// Package logstream implements a partition's append-only, position-addressed
// log on top of Pebble. Positions start at 1 and are contiguous.
package logstream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "logsub/internal/storage/pebble"
)

// Record is a single appendable entry.
type Record struct {
	Key      int64
	Metadata []byte
	Value    []byte
}

// Entry is a committed log record.
type Entry struct {
	Position int64
	Key      int64
	Metadata []byte
	Value    []byte
}

// Log provides append-only operations for a namespace/topic/partition.
type Log struct {
	db        *pebblestore.DB
	namespace string
	topic     string
	partition uint32

	mu       sync.RWMutex
	last     int64
	notifyCh chan struct{}
}

// Open initializes a Log and loads the last position from metadata (if any).
func Open(db *pebblestore.DB, namespace, topic string, partition uint32) (*Log, error) {
	if db == nil {
		return nil, errors.New("logstream: nil db")
	}
	l := &Log{
		db:        db,
		namespace: namespace,
		topic:     topic,
		partition: partition,
		notifyCh:  make(chan struct{}),
	}

	meta, err := db.Get(keyMeta(namespace, topic, partition))
	switch {
	case err == nil:
		if len(meta) < 8 {
			return nil, fmt.Errorf("logstream: short metadata for partition %d", partition)
		}
		l.last = int64(binary.BigEndian.Uint64(meta[:8]))
	case errors.Is(err, pebblestore.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load log metadata: %w", err)
	}

	return l, nil
}

// Partition returns the partition id this log belongs to.
func (l *Log) Partition() uint32 { return l.partition }

// Append writes the records as one atomic batch and returns their positions.
// Waiters on Notify are released only after the batch is durable.
func (l *Log) Append(ctx context.Context, recs ...Record) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	positions := make([]int64, len(recs))
	next := l.last
	for i, r := range recs {
		next++
		if err := b.Set(keyEntry(l.namespace, l.topic, l.partition, next), encodeRecord(r), nil); err != nil {
			return nil, fmt.Errorf("failed to stage log entry: %w", err)
		}
		positions[i] = next
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], uint64(next))
	if err := b.Set(keyMeta(l.namespace, l.topic, l.partition), meta[:], nil); err != nil {
		return nil, fmt.Errorf("failed to stage log metadata: %w", err)
	}

	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to commit log batch: %w", err)
	}

	l.last = next
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return positions, nil
}

// LastPosition returns the position of the newest committed entry, or 0 when
// the log is empty.
func (l *Log) LastPosition() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Notify returns a channel that is closed on the next successful append.
func (l *Log) Notify() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notifyCh
}

// Read returns up to limit committed entries starting at from (inclusive).
// A limit of zero reads to the end of the log.
func (l *Log) Read(from int64, limit int) ([]Entry, error) {
	if from < 1 {
		from = 1
	}
	last := l.LastPosition()
	if from > last {
		return nil, nil
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(l.namespace, l.topic, l.partition, from),
		UpperBound: keyEntry(l.namespace, l.topic, l.partition, last+1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log iterator: %w", err)
	}
	defer iter.Close()

	var entries []Entry
	for ok := iter.First(); ok && (limit == 0 || len(entries) < limit); ok = iter.Next() {
		pos := positionFromKey(iter.Key())
		e, err := decodeRecord(pos, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry %d: %w", pos, err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate log: %w", err)
	}
	return entries, nil
}

// NewReader returns a Reader positioned at the first entry.
func (l *Log) NewReader() *Reader {
	return &Reader{log: l, next: 1, batch: defaultReadBatch}
}
