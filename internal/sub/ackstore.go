package sub

import "context"

// AckStore is the durable map from subscription name to the last acknowledged
// log position of a single partition. Only the partition's management
// processor writes to it.
type AckStore interface {
	// Get returns the last acknowledged position for name, if any.
	Get(ctx context.Context, name string) (position int64, found bool, err error)

	// Put records position as the last acknowledged position for name. It
	// overwrites; a forced restart may seed a lower position than stored.
	Put(ctx context.Context, name string, position int64) error

	// ProcessedPosition returns the position of the last log entry whose
	// effects are reflected in the store, or 0.
	ProcessedPosition(ctx context.Context) (int64, error)

	// SetProcessedPosition advances the processed position.
	SetProcessedPosition(ctx context.Context, position int64) error
}
