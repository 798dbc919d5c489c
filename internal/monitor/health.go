package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Check is one dependency health check.
type Check struct {
	Name string
	// Required checks fail the overall status; optional ones only degrade it.
	Required bool
	Fn       func(ctx context.Context) error
}

// CheckResult is the outcome of one Check.
type CheckResult struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// HealthReport aggregates every check.
type HealthReport struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Healthy reports whether every required check passed.
func (h HealthReport) Healthy() bool { return h.Status != HealthDown }

// Checker runs health checks on demand and on an interval, feeding uptime.
type Checker struct {
	checks   []Check
	tracker  *Tracker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChecker creates a Checker. interval defaults to 30s.
func NewChecker(checks []Check, tracker *Tracker, interval time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checker{checks: checks, tracker: tracker, interval: interval, timeout: 5 * time.Second, logger: logger}
}

// Check runs every check concurrently.
func (h *Checker) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rep := HealthReport{Status: HealthOK, Checks: make(map[string]CheckResult, len(h.checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			sw := Start()
			err := c.Fn(ctx)
			res := CheckResult{Status: HealthOK, LatencyMs: sw.Milliseconds()}
			if err != nil {
				res.Status = HealthDown
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if err != nil {
				if c.Required {
					rep.Status = HealthDown
				} else if rep.Status == HealthOK {
					rep.Status = HealthDegraded
				}
			}
		}(c)
	}
	wg.Wait()
	return rep
}

// Run checks every interval until ctx ends.
func (h *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runChecks(ctx)
		}
	}
}

func (h *Checker) runChecks(ctx context.Context) {
	rep := h.Check(ctx)
	if ctx.Err() != nil {
		return
	}
	h.tracker.RecordHealthCheck(rep.Healthy())
	if rep.Status != HealthOK {
		h.logger.Warn("health check failed", "status", rep.Status, "checks", rep.Checks)
	}
}
