package models

import "time"

// CacheEntry stores a cached answer keyed by question fingerprint.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Answer      string    `json:"answer"`
	CreatedAt   time.Time `json:"created_at"`
	HitCount    int64     `json:"hit_count"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	// Pending counts entries changed in memory but not yet persisted.
	Pending int64 `json:"pending"`
}
