package store

import "context"

// Store is the persistence used for workflow definitions and execution
// snapshots. Keys are unique within a prefix.
type Store interface {
	// Get returns nil without error for a missing key
	Get(ctx context.Context, prefix, key string) ([]byte, error)
	Set(ctx context.Context, prefix, key string, value []byte) error
	/**
	 * Remove a prefix and key
	 * remove an unexists prefix + key would NOT return error
	 */
	Remove(ctx context.Context, prefix, key string) error

	// List stops as soon as iterator returns false
	List(ctx context.Context, prefix string, iterator func(key string) bool) error
}
