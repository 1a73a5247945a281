// Package ackstore provides durable sub.AckStore implementations and their
// metrics and tracing decorators.
package ackstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	pebblestore "logsub/internal/storage/pebble"
	"logsub/internal/sub"
	"logsub/internal/validator"
)

// Keyspace layout:
//   - ns/{ns}/acks/{topic}/{part_be4}/n/{name zero-padded to 32 bytes}
//   - ns/{ns}/acks/{topic}/{part_be4}/p

// PebbleStore keeps one partition's ack map in the same Pebble database as
// the partition log, so a database checkpoint snapshots both together.
type PebbleStore struct {
	db     *pebblestore.DB
	prefix []byte
}

// NewPebbleStore returns the ack store of topic/partition within namespace.
func NewPebbleStore(db *pebblestore.DB, namespace, topic string, partition uint32) (*PebbleStore, error) {
	if err := validator.Validate("pebble ack store", db, namespace, topic); err != nil {
		return nil, err
	}

	prefix := make([]byte, 0, len(namespace)+len(topic)+16)
	prefix = append(prefix, "ns/"...)
	prefix = append(prefix, namespace...)
	prefix = append(prefix, "/acks/"...)
	prefix = append(prefix, topic...)
	prefix = append(prefix, '/')
	prefix = binary.BigEndian.AppendUint32(prefix, partition)

	return &PebbleStore{db: db, prefix: prefix}, nil
}

func (s *PebbleStore) nameKey(name string) ([]byte, error) {
	if err := sub.ValidateName(name); err != nil {
		return nil, err
	}
	k := make([]byte, 0, len(s.prefix)+3+sub.MaxNameLength)
	k = append(k, s.prefix...)
	k = append(k, "/n/"...)
	k = append(k, name...)
	var pad [sub.MaxNameLength]byte
	return append(k, pad[:sub.MaxNameLength-len(name)]...), nil
}

func (s *PebbleStore) processedKey() []byte {
	k := make([]byte, 0, len(s.prefix)+2)
	k = append(k, s.prefix...)
	return append(k, "/p"...)
}

// Get implements sub.AckStore.Get.
func (s *PebbleStore) Get(_ context.Context, name string) (int64, bool, error) {
	key, err := s.nameKey(name)
	if err != nil {
		return 0, false, err
	}
	return s.readPosition(key)
}

// Put implements sub.AckStore.Put.
func (s *PebbleStore) Put(ctx context.Context, name string, position int64) error {
	key, err := s.nameKey(name)
	if err != nil {
		return err
	}
	if err := s.db.Set(ctx, key, encodePosition(position)); err != nil {
		return fmt.Errorf("failed to put ack position for %s: %w", name, err)
	}
	return nil
}

// ProcessedPosition implements sub.AckStore.ProcessedPosition.
func (s *PebbleStore) ProcessedPosition(context.Context) (int64, error) {
	pos, _, err := s.readPosition(s.processedKey())
	return pos, err
}

// SetProcessedPosition implements sub.AckStore.SetProcessedPosition.
func (s *PebbleStore) SetProcessedPosition(ctx context.Context, position int64) error {
	if err := s.db.Set(ctx, s.processedKey(), encodePosition(position)); err != nil {
		return fmt.Errorf("failed to set processed position: %w", err)
	}
	return nil
}

func (s *PebbleStore) readPosition(key []byte) (int64, bool, error) {
	val, err := s.db.Get(key)
	switch {
	case err == nil:
	case errors.Is(err, pebblestore.ErrNotFound):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("failed to read ack store: %w", err)
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("ack store: malformed value of %d bytes", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), true, nil
}

func encodePosition(position int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(position))
}
