// Package couchbase provides a generic abstraction layer over the Couchbase Go SDK
// with type-safe CRUD operations, CAS tracking and context support.
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// Config holds the cluster connection settings.
type Config struct {
	ConnectionString string `env:"COUCHBASE_CONNECTION_STRING" envDefault:"couchbase://localhost"`
	Username         string `env:"COUCHBASE_USERNAME" envDefault:"Administrator"`
	Password         string `env:"COUCHBASE_PASSWORD" envDefault:"password"`
	BucketName       string `env:"COUCHBASE_BUCKET_NAME" envDefault:"logsub"`
	ScopeName        string `env:"COUCHBASE_SCOPE_NAME" envDefault:"_default"`
}

// Connect opens the cluster and waits for the configured bucket.
func Connect(config Config) (*gocb.Cluster, *gocb.Bucket, error) {
	cluster, err := gocb.Connect(config.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: config.Username,
			Password: config.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout: 10 * time.Second,
			KVTimeout:      5 * time.Second,
			QueryTimeout:   30 * time.Second,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}

	bucket := cluster.Bucket(config.BucketName)
	if err := bucket.WaitUntilReady(5*time.Second, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return cluster, bucket, nil
}

// Couchbase is a generic wrapper around Couchbase SDK operations for documents of type T.
type Couchbase[T any] struct {
	cluster    *gocb.Cluster
	bucket     *gocb.Bucket
	collection *gocb.Collection
}

// NewCouchbase creates a new generic Couchbase wrapper instance.
func NewCouchbase[T any](cluster *gocb.Cluster, bucket *gocb.Bucket, collection *gocb.Collection) (*Couchbase[T], error) {
	if cluster == nil || bucket == nil || collection == nil {
		return nil, errors.New("invalid Couchbase parameters: cluster, bucket, and collection must not be nil")
	}

	return &Couchbase[T]{
		cluster:    cluster,
		bucket:     bucket,
		collection: collection,
	}, nil
}

// Get retrieves a document by key. The CAS value is stored on documents
// implementing CasSetter.
func (c *Couchbase[T]) Get(ctx context.Context, key string, opts *gocb.GetOptions) (*T, error) {
	if opts == nil {
		opts = new(gocb.GetOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Get(key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get document with key %s: %w", key, err)
	}

	var v T
	if err := res.Content(&v); err != nil {
		return nil, fmt.Errorf("failed to parse document content for key %s: %w", key, err)
	}

	if s, ok := any(&v).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return &v, nil
}

// Upsert writes the document whether or not it exists.
func (c *Couchbase[T]) Upsert(ctx context.Context, key string, v *T, opts *gocb.UpsertOptions) error {
	if opts == nil {
		opts = new(gocb.UpsertOptions)
	}
	opts.Context = ctx

	res, err := c.collection.Upsert(key, v, opts)
	if err != nil {
		return fmt.Errorf("failed to upsert document with key %s: %w", key, err)
	}

	if s, ok := any(v).(CasSetter); ok {
		s.SetCas(uint64(res.Cas()))
	}

	return nil
}

// Collection returns the underlying Couchbase collection.
func (c *Couchbase[T]) Collection() *gocb.Collection {
	return c.collection
}

// Close closes the Couchbase cluster connection.
func (c *Couchbase[T]) Close() error {
	return c.cluster.Close(nil)
}
