package store

import (
	"context"
)

// Table names used by the settlement core.
const (
	TableStreams        = "streams"
	TableBridgeTxs      = "bridge_txs"
	TableErrorRecords   = "errors"
	TableYieldPositions = "yield_positions"
	TablePlans          = "subscription_plans"
	TableSubscriptions  = "subscriptions"
)

// Store persists JSON documents in tables keyed by id. Implementations must
// be safe for concurrent use. Missing documents are reported with an error
// kind of StorageError wrapping ErrNotFound so callers can distinguish
// absence from infrastructure failure.
type Store interface {
	// Put creates or replaces the document id in table.
	Put(ctx context.Context, table, id string, doc []byte) error

	// Get returns the document id from table.
	Get(ctx context.Context, table, id string) ([]byte, error)

	// Delete removes the document id from table. Deleting a missing
	// document is not an error.
	Delete(ctx context.Context, table, id string) error

	// List returns all documents in a table keyed by id.
	List(ctx context.Context, table string) (map[string][]byte, error)
}
