package cache

import "errors"

// Sentinel errors for cache operations.
var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")

	// ErrUnknownCategory is returned by strict registries for categories
	// that have no registered policy.
	ErrUnknownCategory = errors.New("cache: unknown category")

	ErrInvalidPolicy = errors.New("cache: invalid policy")
	ErrInvalidConfig = errors.New("cache: invalid config")

	// ErrNotFound reports a durable miss: no entry, a category mismatch,
	// or an expired entry.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrCorruptEntry reports an entry whose metadata or payload could not
	// be decoded or failed its checksum. The entry is discarded.
	ErrCorruptEntry = errors.New("cache: corrupt entry")

	// ErrOrphanedEntry reports metadata whose payload is missing. The
	// metadata is discarded.
	ErrOrphanedEntry = errors.New("cache: orphaned entry")

	ErrClosed = errors.New("cache: manager is closed")

	ErrMaintenancePanic = errors.New("cache: maintenance pass panicked")
)
