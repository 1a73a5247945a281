package couchbase

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

const defaultTransactionTimeout = 10 * time.Second

// Transactions runs Couchbase distributed transactions with consistent settings.
type Transactions struct {
	cluster    *gocb.Cluster
	timeout    time.Duration
	durability gocb.DurabilityLevel
}

// NewTransactions creates a new transaction manager for the given cluster.
func NewTransactions(cluster *gocb.Cluster) (*Transactions, error) {
	if cluster == nil {
		return nil, fmt.Errorf("couchbase cluster cannot be nil")
	}

	return &Transactions{
		cluster:    cluster,
		timeout:    defaultTransactionTimeout,
		durability: gocb.DurabilityLevelMajority,
	}, nil
}

// Transaction executes fn within a distributed transaction and returns the
// transaction ID.
func (t *Transactions) Transaction(fn TransactionAttempt) (string, error) {
	opts := gocb.TransactionOptions{
		DurabilityLevel: t.durability,
		Timeout:         t.timeout,
	}
	run := func(actx *gocb.TransactionAttemptContext) error {
		return fn(&transactionRunner{ctx: actx})
	}

	res, err := t.cluster.Transactions().Run(run, &opts)
	if err != nil {
		return "", fmt.Errorf("failed to run transaction: %w", err)
	}

	return res.TransactionID, nil
}

type transactionRunner struct {
	ctx *gocb.TransactionAttemptContext
}

func (t *transactionRunner) Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error) {
	return t.ctx.Get(tc.Collection(), key)
}

func (t *transactionRunner) Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Insert(tc.Collection(), key, value)
}

func (t *transactionRunner) Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error) {
	return t.ctx.Replace(doc, value)
}

// Write inserts the document at key or replaces it when it already exists.
func Write(r TransactionRunner, tc TransactionCollection, key string, value any) error {
	for {
		doc, err := r.Get(tc, key)
		switch {
		case err == nil:
			if _, err := r.Replace(doc, value); err != nil {
				return fmt.Errorf("failed to replace %s: %w", key, err)
			}
			return nil
		case errors.Is(err, gocb.ErrDocumentNotFound):
			_, err := r.Insert(tc, key, value)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, gocb.ErrDocumentExists):
				// raced with another writer, read it back and replace
				continue
			default:
				return fmt.Errorf("failed to insert %s: %w", key, err)
			}
		default:
			return fmt.Errorf("failed to get %s: %w", key, err)
		}
	}
}

// TransactionRunner performs document operations inside a transaction attempt.
type TransactionRunner interface {
	Get(tc TransactionCollection, key string) (*gocb.TransactionGetResult, error)
	Insert(tc TransactionCollection, key string, value any) (*gocb.TransactionGetResult, error)
	Replace(doc *gocb.TransactionGetResult, value any) (*gocb.TransactionGetResult, error)
}

// TransactionCollection is a collection that can participate in transactions.
type TransactionCollection interface {
	Collection() *gocb.Collection
}

// TransactionAttempt is the body of a transaction.
type TransactionAttempt func(t TransactionRunner) error
