package ackstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"

	"logsub/internal/couchbase"
	"logsub/internal/sub"
	"logsub/internal/validator"
)

// AckDocument is the couchbase representation of one durable ack entry.
type AckDocument struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Name      string `json:"name"`
	Position  int64  `json:"position"`

	couchbase.Cas `json:"-"`
}

// ProcessedDocument holds a partition's processed log position.
type ProcessedDocument struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Position  int64  `json:"position"`

	couchbase.Cas `json:"-"`
}

func NewAckDocumentsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[AckDocument], error) {
	collection := bucket.Scope(scope).Collection("acks")
	return couchbase.NewCouchbase[AckDocument](cluster, bucket, collection)
}

func NewProcessedDocumentsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[ProcessedDocument], error) {
	collection := bucket.Scope(scope).Collection("processed")
	return couchbase.NewCouchbase[ProcessedDocument](cluster, bucket, collection)
}

func AckKey(topic string, partition int32, name string) string {
	return fmt.Sprintf("ack::%s::%d::%s", topic, partition, name)
}

func ProcessedKey(topic string, partition int32) string {
	return fmt.Sprintf("processed::%s::%d", topic, partition)
}

// Documents is the document access the store needs. *couchbase.Couchbase[T]
// implements it.
type Documents[T any] interface {
	couchbase.TransactionCollection
	Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error)
	Upsert(ctx context.Context, key string, v *T, opts *gocb.UpsertOptions) error
}

// Transactor runs transaction attempts. *couchbase.Transactions implements it.
type Transactor interface {
	Transaction(fn couchbase.TransactionAttempt) (string, error)
}

// CouchbaseStore keeps a partition's ack map in Couchbase. Unlike the pebble
// store it is not captured by partition checkpoints.
type CouchbaseStore struct {
	acks         Documents[AckDocument]
	processed    Documents[ProcessedDocument]
	transactions Transactor
	topic        string
	partition    int32
}

// NewCouchbaseStore creates the ack store for topic/partition.
func NewCouchbaseStore(
	acks Documents[AckDocument],
	processed Documents[ProcessedDocument],
	transactions Transactor,
	topic string,
	partition int32,
) (*CouchbaseStore, error) {
	if err := validator.Validate("couchbase ack store", acks, processed, transactions, topic); err != nil {
		return nil, fmt.Errorf("failed to validate ack store dependencies: %w", err)
	}

	return &CouchbaseStore{
		acks:         acks,
		processed:    processed,
		transactions: transactions,
		topic:        topic,
		partition:    partition,
	}, nil
}

// Get implements sub.AckStore.Get.
func (s *CouchbaseStore) Get(ctx context.Context, name string) (int64, bool, error) {
	if err := sub.ValidateName(name); err != nil {
		return 0, false, err
	}

	doc, err := s.acks.Get(ctx, AckKey(s.topic, s.partition, name), nil)
	switch {
	case err == nil:
		return doc.Position, true, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("failed to get ack position: %w", err)
	}
}

// Put implements sub.AckStore.Put as an insert-or-replace transaction.
func (s *CouchbaseStore) Put(_ context.Context, name string, position int64) error {
	if err := sub.ValidateName(name); err != nil {
		return err
	}

	key := AckKey(s.topic, s.partition, name)
	doc := AckDocument{
		ID:        key,
		Topic:     s.topic,
		Partition: s.partition,
		Name:      name,
		Position:  position,
	}
	_, err := s.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		return couchbase.Write(r, s.acks, key, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to put ack position: %w", err)
	}

	return nil
}

// ProcessedPosition implements sub.AckStore.ProcessedPosition.
func (s *CouchbaseStore) ProcessedPosition(ctx context.Context) (int64, error) {
	doc, err := s.processed.Get(ctx, ProcessedKey(s.topic, s.partition), nil)
	switch {
	case err == nil:
		return doc.Position, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get processed position: %w", err)
	}
}

// SetProcessedPosition implements sub.AckStore.SetProcessedPosition.
func (s *CouchbaseStore) SetProcessedPosition(ctx context.Context, position int64) error {
	key := ProcessedKey(s.topic, s.partition)
	doc := &ProcessedDocument{
		ID:        key,
		Topic:     s.topic,
		Partition: s.partition,
		Position:  position,
	}
	if err := s.processed.Upsert(ctx, key, doc, nil); err != nil {
		return fmt.Errorf("failed to set processed position: %w", err)
	}
	return nil
}
