package analysis

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/bias-lab/biaslab-go/internal/db"
)

// MaxBatch is the largest accepted batch.
const MaxBatch = 10

// batchConcurrency bounds in-flight analyses per batch.
const batchConcurrency = 4

// BatchItem is the outcome for one URL of a batch.
type BatchItem struct {
	URL      string       `json:"url"`
	Analysis *db.Analysis `json:"analysis,omitempty"`
	Error    string       `json:"error,omitempty"`
	// Err is the underlying failure, for callers that classify errors.
	Err error `json:"-"`
}

// AnalyzeBatch analyzes urls concurrently. Items keep the order of urls and a
// failing item does not fail the batch.
func (s *Service) AnalyzeBatch(ctx context.Context, urls []string) ([]BatchItem, error) {
	if len(urls) == 0 || len(urls) > MaxBatch {
		return nil, ErrBatchSize
	}

	items := make([]BatchItem, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			items[i].URL = u
			an, err := s.Analyze(gctx, Input{URL: u}, nil)
			if err != nil {
				items[i].Err = err
				items[i].Error = err.Error()
				return nil
			}
			items[i].Analysis = an
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}
