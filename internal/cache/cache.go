// Package cache stores finished analyses keyed by normalized article URL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is a TTL key/value store for JSON-encodable values.
type Cache interface {
	// Get decodes the value under key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// AnalysisKey returns the cache key for a normalized article URL.
func AnalysisKey(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return "biaslab:analysis:" + hex.EncodeToString(sum[:])
}
