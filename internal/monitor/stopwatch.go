package monitor

import (
	"log/slog"
	"time"
)

// Stopwatch measures elapsed wall time from Start.
type Stopwatch struct {
	start time.Time
}

// Start returns a running Stopwatch.
func Start() Stopwatch { return Stopwatch{start: time.Now()} }

// Elapsed returns the time since Start.
func (s Stopwatch) Elapsed() time.Duration { return time.Since(s.start) }

// Milliseconds returns the elapsed time in milliseconds with microsecond precision.
func (s Stopwatch) Milliseconds() float64 {
	return float64(s.Elapsed().Microseconds()) / 1000
}

// Timed runs fn and logs its duration under name.
func Timed(logger *slog.Logger, name string, fn func() error) (time.Duration, error) {
	sw := Start()
	err := fn()
	elapsed := sw.Elapsed()
	if err != nil {
		logger.Debug("timed operation failed", "op", name, "elapsed_ms", elapsed.Milliseconds(), "err", err)
	} else {
		logger.Debug("timed operation", "op", name, "elapsed_ms", elapsed.Milliseconds())
	}
	return elapsed, err
}
