package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Bucket defines rate limit parameters.
type Bucket struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultBuckets are the per-route limits of the public API.
var DefaultBuckets = map[string]Bucket{
	"analyze":   {MaxRequests: 30, Window: time.Minute},
	"batch":     {MaxRequests: 5, Window: time.Minute},
	"feedback":  {MaxRequests: 60, Window: time.Minute},
	"calibrate": {MaxRequests: 3, Window: 5 * time.Minute},
	"api":       {MaxRequests: 120, Window: time.Minute},
}

var fallbackBucket = Bucket{MaxRequests: 60, Window: time.Minute}

// MaxWindow is the longest window in DefaultBuckets; sweep with it.
const MaxWindow = 5 * time.Minute

// Limiter is an in-memory sliding-window rate limiter per key.
type Limiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	buckets map[string]Bucket
	now     func() time.Time
}

// New creates a new rate limiter using DefaultBuckets.
func New() *Limiter {
	return &Limiter{
		hits:    make(map[string][]time.Time),
		buckets: DefaultBuckets,
		now:     time.Now,
	}
}

// Allow checks if a request identified by key is within the rate limit for
// bucket. When it is not, the returned duration is how long until the oldest
// hit leaves the window.
func (l *Limiter) Allow(key string, bucket Bucket) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-bucket.Window)

	times := l.hits[key]
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= bucket.MaxRequests {
		l.hits[key] = pruned
		return false, pruned[0].Sub(cutoff)
	}

	l.hits[key] = append(pruned, now)
	return true, 0
}

// Sweep drops keys with no hits inside maxWindow. It keeps the map from
// growing with one entry per client ever seen.
func (l *Limiter) Sweep(maxWindow time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxWindow)
	for key, times := range l.hits {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// Middleware rejects requests over bucketName's limit with 429 and Retry-After.
// Clients are keyed by remote IP; run it after middleware.RealIP.
func (l *Limiter) Middleware(bucketName string) func(http.Handler) http.Handler {
	bucket, ok := l.buckets[bucketName]
	if !ok {
		bucket = fallbackBucket
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, wait := l.Allow(bucketName+":"+clientIP(r), bucket)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}
			retry := int(math.Ceil(wait.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":               "Rate limited",
				"retry_after_seconds": retry,
			})
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
