// Package cache provides a small key-value cache used to skip redundant
// location upserts during collection runs.
package cache

import "context"

// Cache stores string values under string keys. A cold or lossy cache is
// always safe: callers fall back to the write path when a key is missing.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Close releases any resources held by the cache.
	Close() error
}
