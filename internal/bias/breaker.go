package bias

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bias-lab/biaslab-go/internal/article"
)

// BreakerSettings tunes the per-stage circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker stays open before a trial request.
	OpenFor time.Duration
}

// DefaultBreakerSettings trips after 5 straight failures and reopens after 30s.
var DefaultBreakerSettings = BreakerSettings{ConsecutiveFailures: 5, OpenFor: 30 * time.Second}

// breakerScorer guards an external Scorer with a circuit breaker.
type breakerScorer struct {
	next Scorer
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps s so that repeated failures short-circuit to
// gobreaker.ErrOpenState instead of reaching the provider.
func WithBreaker(s Scorer, st BreakerSettings) Scorer {
	if st.ConsecutiveFailures == 0 {
		st.ConsecutiveFailures = DefaultBreakerSettings.ConsecutiveFailures
	}
	if st.OpenFor <= 0 {
		st.OpenFor = DefaultBreakerSettings.OpenFor
	}
	return &breakerScorer{
		next: s,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name(),
			MaxRequests: 1,
			Timeout:     st.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= st.ConsecutiveFailures
			},
			// Caller cancellation says nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (b *breakerScorer) Name() string { return b.next.Name() }

func (b *breakerScorer) Score(ctx context.Context, a *article.Article, prior *Assessment) (*Assessment, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Score(ctx, a, prior)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Assessment), nil
}

// stageStatus maps a stage error to its report status.
func stageStatus(err error) string {
	switch {
	case err == nil:
		return StageOK
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return StageOpenCircuit
	case errors.Is(err, ErrNotConfigured):
		return StageSkipped
	default:
		return StageError
	}
}
