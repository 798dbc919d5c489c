// Package calibration periodically re-scores a human-rated reference set to
// estimate how closely the pipeline agrees with human raters.
package calibration

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bias-lab/biaslab-go/internal/article"
	"github.com/bias-lab/biaslab-go/internal/bias"
	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/events"
	"github.com/bias-lab/biaslab-go/internal/ws"
)

//go:embed reference.yaml
var referenceYAML []byte

// Reference is a human-rated article.
type Reference struct {
	Article article.Article
	Scores  bias.Scores
}

type referenceDoc struct {
	Source      string         `yaml:"source"`
	Title       string         `yaml:"title"`
	URL         string         `yaml:"url"`
	PublishedAt string         `yaml:"published_at"`
	Scores      map[string]int `yaml:"scores"`
	Text        string         `yaml:"text"`
}

// ParseReferences decodes a YAML reference set. Every article needs text and
// a 0..100 score for each dimension.
func ParseReferences(data []byte) ([]Reference, error) {
	var docs []referenceDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse reference set: %w", err)
	}
	if len(docs) == 0 {
		return nil, errors.New("reference set is empty")
	}
	refs := make([]Reference, 0, len(docs))
	for i, d := range docs {
		if d.Text == "" {
			return nil, fmt.Errorf("reference %d (%s): missing text", i, d.Title)
		}
		var s bias.Scores
		for _, dim := range bias.Dimensions() {
			v, ok := d.Scores[string(dim)]
			if !ok {
				return nil, fmt.Errorf("reference %d (%s): missing %s score", i, d.Title, dim)
			}
			if v < 0 || v > 100 {
				return nil, fmt.Errorf("reference %d (%s): %s must be within 0..100", i, d.Title, dim)
			}
			s.Set(dim, v)
		}
		refs = append(refs, Reference{
			Article: article.Article{
				URL:         d.URL,
				Source:      d.Source,
				Title:       d.Title,
				PublishedAt: d.PublishedAt,
				Text:        d.Text,
				WordCount:   article.CountWords(d.Text),
			},
			Scores: s,
		})
	}
	return refs, nil
}

// DefaultReferences returns the embedded reference set.
func DefaultReferences() []Reference {
	refs, err := ParseReferences(referenceYAML)
	if err != nil {
		panic(err)
	}
	return refs
}

// Scorer scores an article. *bias.Pipeline implements it.
type Scorer interface {
	Score(ctx context.Context, a *article.Article, progress bias.ProgressFunc) *bias.Result
}

// AccuracyRecorder receives per-dimension absolute errors.
// *monitor.Tracker implements it.
type AccuracyRecorder interface {
	RecordAccuracy(absErrors []float64)
	Accuracy() *float64
}

// OpsLog stores operations log entries. *db.DB implements it.
type OpsLog interface {
	InsertOpsLog(ctx context.Context, e *db.OpsLogEntry) error
}

// Broadcaster pushes dashboard messages. *ws.Manager implements it.
type Broadcaster interface {
	Broadcast(msg ws.Message)
}

// Options configures a Loop.
type Options struct {
	// Interval between cycles. Defaults to 15 minutes.
	Interval time.Duration
	// InitialDelay before the first cycle. Defaults to 5 seconds.
	InitialDelay time.Duration
	// References overrides the embedded reference set.
	References []Reference
}

// ArticleResult compares one reference article with its predicted scores.
type ArticleResult struct {
	Source       string      `json:"source"`
	Title        string      `json:"title"`
	Expected     bias.Scores `json:"expected"`
	Predicted    bias.Scores `json:"predicted"`
	Classifier   string      `json:"classifier"`
	MeanAbsError float64     `json:"mean_abs_error"`
}

// Result summarises one calibration cycle.
type Result struct {
	Cycle        int64           `json:"cycle"`
	Articles     []ArticleResult `json:"articles"`
	MeanAbsError float64         `json:"mean_abs_error"`
	// CycleAccuracy is 100 minus the cycle's mean absolute error.
	CycleAccuracy float64 `json:"cycle_accuracy"`
	// Accuracy is the rolling accuracy after this cycle was recorded.
	Accuracy   *float64  `json:"accuracy"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
}

// Loop runs calibration cycles in the background.
type Loop struct {
	scorer    Scorer
	tracker   AccuracyRecorder
	opsLog    OpsLog
	ws        Broadcaster
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger

	cycleMu sync.Mutex // one cycle at a time
	running atomic.Bool
	cycle   atomic.Int64
	last    atomic.Pointer[Result]
}

// NewLoop creates a calibration loop. opsLog, broadcaster and publisher may be nil.
func NewLoop(scorer Scorer, tracker AccuracyRecorder, opsLog OpsLog, broadcaster Broadcaster, publisher events.Publisher, opts Options, logger *slog.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 5 * time.Second
	}
	if len(opts.References) == 0 {
		opts.References = DefaultReferences()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Loop{
		scorer:    scorer,
		tracker:   tracker,
		opsLog:    opsLog,
		ws:        broadcaster,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

// Run starts the background calibration loop. It blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	timer := time.NewTimer(l.opts.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("calibration cycle failed", "err", err)
		}
		timer.Reset(l.opts.Interval)
	}
}

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.running.Load() }

// Last returns the most recent cycle result, or nil before the first cycle.
func (l *Loop) Last() *Result { return l.last.Load() }

// RunOnce executes a single calibration cycle. Concurrent calls are serialized.
func (l *Loop) RunOnce(ctx context.Context) (*Result, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	res := &Result{Cycle: l.cycle.Add(1), StartedAt: time.Now()}
	l.logger.Info("calibration cycle starting", "cycle", res.Cycle, "articles", len(l.opts.References))

	var (
		allErrors []float64
		total     float64
	)
	for i := range l.opts.References {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ref := l.opts.References[i]
		doc := ref.Article
		scored := l.scorer.Score(ctx, &doc, nil)

		errs := absErrors(ref.Scores, scored.Scores)
		allErrors = append(allErrors, errs...)
		mae := meanOf(errs)
		total += mae
		res.Articles = append(res.Articles, ArticleResult{
			Source:       ref.Article.Source,
			Title:        ref.Article.Title,
			Expected:     ref.Scores,
			Predicted:    scored.Scores,
			Classifier:   scored.Classifier,
			MeanAbsError: round1(mae),
		})
	}

	res.MeanAbsError = round1(total / float64(len(l.opts.References)))
	res.CycleAccuracy = round1(100 - res.MeanAbsError)
	if l.tracker != nil {
		l.tracker.RecordAccuracy(allErrors)
		res.Accuracy = l.tracker.Accuracy()
	}
	res.DurationMs = float64(time.Since(res.StartedAt).Microseconds()) / 1000
	l.last.Store(res)

	l.logger.Info("calibration cycle complete",
		"cycle", res.Cycle,
		"mean_abs_error", res.MeanAbsError,
		"duration_ms", res.DurationMs,
	)
	l.report(ctx, res)
	return res, nil
}

func (l *Loop) report(ctx context.Context, res *Result) {
	detail := fmt.Sprintf("Cycle #%d: %d articles, mean abs error %.1f, accuracy %.1f%%",
		res.Cycle, len(res.Articles), res.MeanAbsError, res.CycleAccuracy)

	if l.opsLog != nil {
		entry := &db.OpsLogEntry{Component: "calibration", Action: "cycle", Detail: detail, Success: true}
		if err := l.opsLog.InsertOpsLog(ctx, entry); err != nil {
			l.logger.Warn("calibration ops log failed", "err", err)
		}
	}
	if l.ws != nil {
		l.ws.Broadcast(ws.Message{Type: ws.TypeCalibration, Data: res})
	}
	report := events.OpsReport{Kind: "calibration", Detail: res, Timestamp: time.Now().UTC()}
	if err := l.publisher.Publish(ctx, events.SubjectOpsReport, report); err != nil {
		l.logger.Warn("calibration publish failed", "err", err)
	}
}

func absErrors(want, got bias.Scores) []float64 {
	out := make([]float64, 0, len(bias.Dimensions()))
	for _, d := range bias.Dimensions() {
		out = append(out, math.Abs(float64(want.Get(d)-got.Get(d))))
	}
	return out
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
