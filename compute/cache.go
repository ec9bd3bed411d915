package compute

import "time"

// ValueCache is the result cache: the engine-owned map of
// (recordId, fieldId) -> ComputedValue. Implementations must be safe for
// concurrent use. Staleness is lazy: a write to a dependency marks the
// dependent entry stale, and the next policy-driven recompute clears it.
type ValueCache interface {
	// Get returns the cached value for a key, ok=false on a miss.
	Get(recordID, fieldID string) (ComputedValue, bool)

	// Put stores a freshly computed value.
	Put(v ComputedValue) error

	// PutBatch stores a cascade's values as one unit.
	PutBatch(vs []ComputedValue) error

	// MarkStale flags an entry as out of date. Unknown keys are a no-op.
	MarkStale(recordID, fieldID string) error

	// PurgeRecord drops every entry belonging to a deleted record.
	PurgeRecord(recordID string) error

	// PurgeField drops every record's entry for a deleted definition.
	PurgeField(fieldID string) error
}

// CacheConfig controls cache behavior.
type CacheConfig struct {
	// TTL expires entries by age. 0 disables expiry; entries then live
	// until invalidated or purged.
	TTL time.Duration
}

// DefaultCacheConfig returns the default: no TTL, invalidation-only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
