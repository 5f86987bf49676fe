// Package store persists location records, their resolutions, and the
// shared lookup cache, on SQLite or Postgres.
package store

import (
	"context"
	"time"

	"github.com/storyatlas/resolve-cli/internal/model"
)

// DefaultCacheTTL is how long cache entries stay valid. Entries older
// than this are treated as absent on read.
const DefaultCacheTTL = 7 * 24 * time.Hour

// Filter specifies criteria for listing records to resolve.
type Filter struct {
	BookID string `json:"book_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`

	// Incremental includes already-resolved records so the caller can
	// re-check them against the current resolution hash and confidence
	// threshold. Without it only unresolved records are returned.
	Incremental bool `json:"incremental,omitempty"`
}

// Stats summarizes persisted resolution state.
type Stats struct {
	Total      int `json:"total"`
	Resolved   int `json:"resolved"`
	Unresolved int `json:"unresolved"`

	TierCounts        map[string]int `json:"tier_counts"`
	ConfidenceBuckets map[string]int `json:"confidence_buckets"`

	CacheEntries int     `json:"cache_entries"`
	CacheHits    int     `json:"cache_hits"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// Store defines the persistence interface for the resolution pipeline.
type Store interface {
	// Records
	ListUnresolved(ctx context.Context, filter Filter) ([]model.LocationRecord, error)
	SaveResolution(ctx context.Context, id string, res *model.Resolution) error
	ImportLocations(ctx context.Context, records []model.LocationRecord) (int64, error)
	Stats(ctx context.Context) (*Stats, error)

	// Lookup cache (geocode results, fetched pages)
	GetCache(ctx context.Context, key string) ([]byte, bool, error)
	SetCache(ctx context.Context, key string, payload []byte) error
	PurgeCache(ctx context.Context, olderThan time.Duration) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// confidenceBucket maps a confidence score to a stats bucket label.
func confidenceBucket(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "high"
	case confidence >= 0.5:
		return "medium"
	default:
		return "low"
	}
}
