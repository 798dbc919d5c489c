package server

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const maxBackoff = 5 * time.Minute

// Backoff returns the delay before restart attempt n (1-based): 1s, 2s, 4s,
// doubling up to five minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// RunWithRecovery runs fn in a loop, recovering from panics and restarting it
// with exponential backoff whenever it returns. It stops when ctx is cancelled.
func RunWithRecovery(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context)) {
	runWithRecovery(ctx, logger, name, fn, Backoff)
}

func runWithRecovery(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context), backoff func(int) time.Duration) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			logger.Info("goroutine stopped", "name", name, "reason", "context cancelled")
			return
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("goroutine panicked",
						"name", name,
						"panic", r,
						"stack", string(debug.Stack()),
						"attempt", attempt,
					)
				}
			}()
			fn(ctx)
		}()

		if ctx.Err() != nil {
			return
		}

		attempt++
		wait := backoff(attempt)
		logger.Warn("goroutine restarting", "name", name, "attempt", attempt, "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Loops supervises named background loops so shutdown can wait for them.
type Loops struct {
	ctx    context.Context
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewLoops creates a supervisor whose loops stop when ctx is cancelled.
func NewLoops(ctx context.Context, logger *slog.Logger) *Loops {
	return &Loops{ctx: ctx, logger: logger}
}

// Go starts fn under RunWithRecovery.
func (l *Loops) Go(name string, fn func(ctx context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		RunWithRecovery(l.ctx, l.logger, name, fn)
	}()
}

// Wait blocks until every loop has returned or ctx expires.
func (l *Loops) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetupLogger creates a structured slog.Logger with JSON output to stdout.
func SetupLogger(level string) *slog.Logger {
	return NewLogger(os.Stdout, level)
}

// NewLogger creates a JSON logger writing to w at level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps debug, warn and error to their slog levels; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
