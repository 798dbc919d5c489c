package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bias-lab/biaslab-go/internal/tasks"
)

const (
	latencyWindow  = 100
	accuracyWindow = 200
	uptimeDays     = 30
	perfBucket     = 30 * time.Minute
	perfBuckets    = 12
	hourlyBuckets  = 24

	// TargetResponseTimeMs is the advertised response time objective.
	TargetResponseTimeMs = 500.0
)

// QueueSource reports background task occupancy.
type QueueSource interface {
	Stats() tasks.Stats
}

// QueueSnapshot is the task runner's share of an OpsSnapshot.
type QueueSnapshot struct {
	Pending int64  `json:"pending"`
	Active  int64  `json:"active"`
	Status  string `json:"status"`
}

// OpsSnapshot is the operations dashboard headline view.
type OpsSnapshot struct {
	ArticlesProcessed    int64         `json:"articles_processed"`
	Failures             int64         `json:"failures"`
	CacheHits            int64         `json:"cache_hits"`
	AvgResponseTimeMs    float64       `json:"avg_response_time_ms"`
	P95ResponseTimeMs    float64       `json:"p95_response_time_ms"`
	TargetResponseTimeMs float64       `json:"target_response_time_ms"`
	WithinTarget         bool          `json:"within_target"`
	Accuracy             *float64      `json:"accuracy"`
	Uptime               *float64      `json:"uptime"`
	Queue                QueueSnapshot `json:"queue"`
	StartedAt            time.Time     `json:"started_at"`
}

// PerformancePoint is one 30-minute bucket.
type PerformancePoint struct {
	Time              time.Time `json:"time"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	Accuracy          *float64  `json:"accuracy"`
	Analyses          int64     `json:"analyses"`
}

// ThroughputPoint is one hourly bucket.
type ThroughputPoint struct {
	Hour     time.Time `json:"hour"`
	Articles int64     `json:"articles"`
}

type perfAgg struct {
	latencySum float64
	latencyN   int64
	errorSum   float64
	errorN     int64
}

type checkDay struct {
	ok, total int64
}

// Tracker aggregates in-process operations statistics. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	queue   QueueSource

	processed int64
	failures  int64
	cacheHits int64

	latencies []float64
	latPos    int
	errors    []float64
	errPos    int

	perf   map[int64]*perfAgg
	hourly map[int64]int64
	checks map[int64]*checkDay
}

// NewTracker creates a Tracker. queue may be nil.
func NewTracker(queue QueueSource) *Tracker {
	return newTracker(queue, time.Now)
}

func newTracker(queue QueueSource, now func() time.Time) *Tracker {
	return &Tracker{
		now:     now,
		started: now().UTC(),
		queue:   queue,
		perf:    make(map[int64]*perfAgg),
		hourly:  make(map[int64]int64),
		checks:  make(map[int64]*checkDay),
	}
}

// SetQueue attaches the task runner after construction.
func (t *Tracker) SetQueue(q QueueSource) {
	t.mu.Lock()
	t.queue = q
	t.mu.Unlock()
}

// RecordAnalysis records one successful analysis.
func (t *Tracker) RecordAnalysis(latency time.Duration, cacheHit bool) {
	AnalysesTotal.WithLabelValues("ok").Inc()
	AnalysisDuration.Observe(latency.Seconds())

	ms := float64(latency.Microseconds()) / 1000

	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed++
	if cacheHit {
		t.cacheHits++
	}
	t.latencies, t.latPos = pushRing(t.latencies, t.latPos, latencyWindow, ms)

	now := t.now()
	p := t.perfBucket(now)
	p.latencySum += ms
	p.latencyN++
	t.hourly[now.Truncate(time.Hour).Unix()]++
	t.prune(now)
}

// RecordFailure records one failed analysis.
func (t *Tracker) RecordFailure() {
	AnalysesTotal.WithLabelValues("error").Inc()
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

// RecordAccuracy records absolute score errors (0..100) against human raters.
func (t *Tracker) RecordAccuracy(absErrors []float64) {
	if len(absErrors) == 0 {
		return
	}
	t.mu.Lock()
	now := t.now()
	p := t.perfBucket(now)
	for _, e := range absErrors {
		e = math.Max(0, math.Min(100, math.Abs(e)))
		t.errors, t.errPos = pushRing(t.errors, t.errPos, accuracyWindow, e)
		p.errorSum += e
		p.errorN++
	}
	acc := t.accuracyLocked()
	t.mu.Unlock()

	if acc != nil {
		AccuracyPercent.Set(*acc)
	}
}

// RecordHealthCheck records one health check.
func (t *Tracker) RecordHealthCheck(ok bool) {
	t.mu.Lock()
	now := t.now()
	day := now.UTC().Truncate(24 * time.Hour).Unix()
	d := t.checks[day]
	if d == nil {
		d = &checkDay{}
		t.checks[day] = d
	}
	d.total++
	if ok {
		d.ok++
	}
	t.prune(now)
	up := t.uptimeLocked()
	t.mu.Unlock()

	if up != nil {
		UptimePercent.Set(*up)
	}
}

// Accuracy returns agreement with human raters, or nil before any feedback.
func (t *Tracker) Accuracy() *float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accuracyLocked()
}

// Snapshot returns the current headline view.
func (t *Tracker) Snapshot() OpsSnapshot {
	t.mu.Lock()
	avg := mean(t.latencies)
	snap := OpsSnapshot{
		ArticlesProcessed:    t.processed,
		Failures:             t.failures,
		CacheHits:            t.cacheHits,
		AvgResponseTimeMs:    round1(avg),
		P95ResponseTimeMs:    round1(percentile(t.latencies, 0.95)),
		TargetResponseTimeMs: TargetResponseTimeMs,
		WithinTarget:         avg <= TargetResponseTimeMs,
		Accuracy:             t.accuracyLocked(),
		Uptime:               t.uptimeLocked(),
		StartedAt:            t.started,
	}
	queue := t.queue
	t.mu.Unlock()

	snap.Queue = QueueSnapshot{Status: tasks.StatusHealthy}
	if queue != nil {
		st := queue.Stats()
		snap.Queue = QueueSnapshot{Pending: st.Pending, Active: st.Active, Status: st.Status}
		BackgroundTasks.WithLabelValues("pending").Set(float64(st.Pending))
		BackgroundTasks.WithLabelValues("active").Set(float64(st.Active))
	}
	return snap
}

// Performance returns the last 12 half-hour buckets, oldest first.
func (t *Tracker) Performance() []PerformancePoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.now().Truncate(perfBucket)
	out := make([]PerformancePoint, 0, perfBuckets)
	for i := perfBuckets - 1; i >= 0; i-- {
		start := cur.Add(-time.Duration(i) * perfBucket)
		pt := PerformancePoint{Time: start.UTC()}
		if p := t.perf[start.Unix()]; p != nil {
			pt.Analyses = p.latencyN
			if p.latencyN > 0 {
				pt.AvgResponseTimeMs = round1(p.latencySum / float64(p.latencyN))
			}
			if p.errorN > 0 {
				acc := round1(100 - p.errorSum/float64(p.errorN))
				pt.Accuracy = &acc
			}
		}
		out = append(out, pt)
	}
	return out
}

// Throughput returns the last 24 hourly article counts, oldest first.
func (t *Tracker) Throughput() []ThroughputPoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.now().Truncate(time.Hour)
	out := make([]ThroughputPoint, 0, hourlyBuckets)
	for i := hourlyBuckets - 1; i >= 0; i-- {
		start := cur.Add(-time.Duration(i) * time.Hour)
		out = append(out, ThroughputPoint{Hour: start.UTC(), Articles: t.hourly[start.Unix()]})
	}
	return out
}

func (t *Tracker) perfBucket(now time.Time) *perfAgg {
	key := now.Truncate(perfBucket).Unix()
	p := t.perf[key]
	if p == nil {
		p = &perfAgg{}
		t.perf[key] = p
	}
	return p
}

// prune drops buckets that fell out of every window.
func (t *Tracker) prune(now time.Time) {
	perfCutoff := now.Truncate(perfBucket).Add(-perfBuckets * perfBucket).Unix()
	for k := range t.perf {
		if k <= perfCutoff {
			delete(t.perf, k)
		}
	}
	hourCutoff := now.Truncate(time.Hour).Add(-hourlyBuckets * time.Hour).Unix()
	for k := range t.hourly {
		if k <= hourCutoff {
			delete(t.hourly, k)
		}
	}
	dayCutoff := now.UTC().Truncate(24*time.Hour).Add(-uptimeDays * 24 * time.Hour).Unix()
	for k := range t.checks {
		if k <= dayCutoff {
			delete(t.checks, k)
		}
	}
}

func (t *Tracker) accuracyLocked() *float64 {
	if len(t.errors) == 0 {
		return nil
	}
	acc := round1(100 - mean(t.errors))
	return &acc
}

func (t *Tracker) uptimeLocked() *float64 {
	var ok, total int64
	for _, d := range t.checks {
		ok += d.ok
		total += d.total
	}
	if total == 0 {
		return nil
	}
	up := math.Round(float64(ok)/float64(total)*10000) / 100
	return &up
}

func pushRing(ring []float64, pos, size int, v float64) ([]float64, int) {
	if len(ring) < size {
		return append(ring, v), pos
	}
	ring[pos] = v
	return ring, (pos + 1) % size
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func percentile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
