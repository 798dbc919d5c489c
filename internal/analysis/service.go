// Package analysis turns an article URL or raw text into a stored, cached and
// broadcast bias analysis.
package analysis

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bias-lab/biaslab-go/internal/article"
	"github.com/bias-lab/biaslab-go/internal/bias"
	"github.com/bias-lab/biaslab-go/internal/cache"
	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/events"
	"github.com/bias-lab/biaslab-go/internal/monitor"
	"github.com/bias-lab/biaslab-go/internal/sse"
	"github.com/bias-lab/biaslab-go/internal/tasks"
	"github.com/bias-lab/biaslab-go/internal/ws"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = article.ErrInvalidURL
	// ErrEmptyInput is returned when neither a URL nor text was supplied.
	ErrEmptyInput = errors.New("either url or text is required")
	// ErrBatchSize is returned for batches outside 1..MaxBatch URLs.
	ErrBatchSize = fmt.Errorf("batch must contain between 1 and %d urls", MaxBatch)
	// ErrNotFound is returned for unknown analyses and jobs.
	ErrNotFound = db.ErrNotFound
	// ErrInvalidFeedback is returned for feedback with missing or out of range scores.
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// Store persists analyses. *db.DB implements it.
type Store interface {
	InsertAnalysis(ctx context.Context, a *db.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*db.Analysis, error)
	ListAnalyses(ctx context.Context, limit int) ([]db.Analysis, error)
	InsertFeedback(ctx context.Context, f *db.Feedback) error
	InsertOpsLog(ctx context.Context, e *db.OpsLogEntry) error
	RecentOpsLog(ctx context.Context, limit int) ([]db.OpsLogEntry, error)
	SourcePortfolio(ctx context.Context, limit int) ([]db.SourceStat, error)
}

// Fetcher downloads and extracts articles. *article.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*article.Article, error)
}

// Scorer runs the bias cascade. *bias.Pipeline implements it.
type Scorer interface {
	Score(ctx context.Context, a *article.Article, progress bias.ProgressFunc) *bias.Result
}

// Tasks schedules background work. *tasks.Runner implements it.
type Tasks interface {
	Submit(name string, fn tasks.Func) error
}

// Tracker records service performance. *monitor.Tracker implements it.
type Tracker interface {
	RecordAnalysis(latency time.Duration, cacheHit bool)
	RecordFailure()
	RecordAccuracy(absErrors []float64)
}

// Broadcaster pushes dashboard messages. *ws.Manager implements it.
type Broadcaster interface {
	Broadcast(msg ws.Message)
}

// Deps are the collaborators of a Service. Events and WS may be nil.
type Deps struct {
	Store    Store
	Cache    cache.Cache
	Fetcher  Fetcher
	Pipeline Scorer
	Tasks    Tasks
	// Jobs runs asynchronous analyses; defaults to Tasks. Give it its own
	// runner whose task timeout covers a full cascade.
	Jobs    Tasks
	Tracker Tracker
	Hub     *sse.Hub
	WS      Broadcaster
	Events  events.Publisher
}

// Options tunes a Service.
type Options struct {
	CacheTTL time.Duration // default 6h
	JobTTL   time.Duration // default 1h
}

// Input is one analysis request: a URL to fetch, or text supplied directly.
type Input struct {
	URL    string `json:"url,omitempty"`
	Text   string `json:"text,omitempty"`
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// Service coordinates fetching, scoring, caching and background work.
type Service struct {
	store    Store
	cache    cache.Cache
	fetcher  Fetcher
	pipeline Scorer
	tasks    Tasks
	jobTasks Tasks
	tracker  Tracker
	hub      *sse.Hub
	ws       Broadcaster
	events   events.Publisher
	opts     Options
	logger   *slog.Logger

	jobsMu sync.Mutex
	jobs   map[string]*Job

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
	now       func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps, opts Options, logger *slog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 6 * time.Hour
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = time.Hour
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Hub == nil {
		deps.Hub = sse.NewHub(logger)
	}
	if deps.Jobs == nil {
		deps.Jobs = deps.Tasks
	}
	return &Service{
		store:    deps.Store,
		cache:    deps.Cache,
		fetcher:  deps.Fetcher,
		pipeline: deps.Pipeline,
		tasks:    deps.Tasks,
		jobTasks: deps.Jobs,
		tracker:  deps.Tracker,
		hub:      deps.Hub,
		ws:       deps.WS,
		events:   deps.Events,
		opts:     opts,
		logger:   logger,
		jobs:     make(map[string]*Job),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		now:      time.Now,
	}
}

func (s *Service) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// request is a validated Input.
type request struct {
	in  Input
	url *url.URL
	key string // normalized URL, empty without a URL
}

func (r request) fetch() bool { return r.in.Text == "" }

func validate(in Input) (request, error) {
	in.URL = strings.TrimSpace(in.URL)
	in.Text = strings.TrimSpace(in.Text)
	if in.URL == "" && in.Text == "" {
		return request{}, ErrEmptyInput
	}
	req := request{in: in}
	if in.URL != "" {
		u, err := article.ValidateURL(in.URL)
		if err != nil {
			return request{}, err
		}
		req.url = u
		req.key = article.NormalizeURL(u)
	}
	return req, nil
}

// Analyze validates in, then returns a cached analysis or fetches and scores
// the article. progress may be nil. Persisting, publishing and broadcasting
// are scheduled on the task runner; Analyze never waits for them.
func (s *Service) Analyze(ctx context.Context, in Input, progress bias.ProgressFunc) (*db.Analysis, error) {
	req, err := validate(in)
	if err != nil {
		return nil, err
	}
	return s.analyze(ctx, req, progress)
}

func (s *Service) analyze(ctx context.Context, req request, progress bias.ProgressFunc) (*db.Analysis, error) {
	sw := monitor.Start()
	if progress == nil {
		progress = func(int, string) {}
	}

	if req.fetch() {
		if cached := s.lookup(ctx, req.key); cached != nil {
			cached.CacheHit = true
			cached.ResponseTimeMs = sw.Milliseconds()
			s.tracker.RecordAnalysis(sw.Elapsed(), true)
			progress(100, bias.StepProfile)
			s.logger.Info("analysis served from cache", "analysis_id", cached.ID, "url", req.key)
			return cached, nil
		}
	}

	progress(20, bias.StepExtracting)
	if req.fetch() {
		doc, err := s.fetcher.Fetch(ctx, req.url.String())
		if err != nil {
			s.tracker.RecordFailure()
			return nil, err
		}
		return s.finish(ctx, req, doc, sw, progress)
	}
	doc, err := article.FromText(req.in.Text, req.in.Title, req.in.Source, req.in.URL)
	if err != nil {
		s.tracker.RecordFailure()
		return nil, err
	}
	return s.finish(ctx, req, doc, sw, progress)
}

func (s *Service) finish(ctx context.Context, req request, doc *article.Article, sw monitor.Stopwatch, progress bias.ProgressFunc) (*db.Analysis, error) {
	result := s.pipeline.Score(ctx, doc, progress)
	if err := ctx.Err(); err != nil {
		s.tracker.RecordFailure()
		return nil, err
	}
	progress(100, bias.StepProfile)

	an := &db.Analysis{
		ID:                 s.newID(),
		URL:                doc.URL,
		URLKey:             req.key,
		Source:             doc.Source,
		Title:              doc.Title,
		Author:             doc.Author,
		PublishedAt:        doc.PublishedAt,
		WordCount:          doc.WordCount,
		Scores:             result.Scores,
		HighlightedPhrases: result.Highlights,
		Confidence:         result.Confidence,
		BiasIndex:          result.BiasIndex,
		Band:               result.Band,
		Insights:           result.Insights,
		Classifier:         result.Classifier,
		Stages:             result.Stages,
		AnalyzedAt:         s.now().UTC(),
	}
	if an.URL == "" {
		an.URL = req.in.URL
	}
	an.ResponseTimeMs = sw.Milliseconds()

	if req.fetch() {
		if err := s.cache.Set(ctx, cache.AnalysisKey(req.key), an, s.opts.CacheTTL); err != nil {
			s.logger.Warn("analysis cache write failed", "analysis_id", an.ID, "err", err)
		}
	}
	s.schedule(an)
	s.tracker.RecordAnalysis(sw.Elapsed(), false)

	s.logger.Info("analysis complete",
		"analysis_id", an.ID,
		"source", an.Source,
		"bias_index", an.BiasIndex,
		"classifier", an.Classifier,
		"response_time_ms", an.ResponseTimeMs,
	)
	return an, nil
}

func (s *Service) lookup(ctx context.Context, key string) *db.Analysis {
	var cached db.Analysis
	hit, err := s.cache.Get(ctx, cache.AnalysisKey(key), &cached)
	if err != nil {
		s.logger.Warn("analysis cache read failed", "url", key, "err", err)
		hit = false
	}
	monitor.RecordCacheLookup(hit)
	if !hit {
		return nil
	}
	return &cached
}

// schedule queues the post-response work for an.
func (s *Service) schedule(an *db.Analysis) {
	submit := func(name string, fn tasks.Func) {
		if err := s.tasks.Submit(name, fn); err != nil {
			s.logger.Warn("background task not scheduled", "task", name, "analysis_id", an.ID, "err", err)
		}
	}

	submit("persist", func(ctx context.Context) error {
		if err := s.store.InsertAnalysis(ctx, an); err != nil {
			return fmt.Errorf("persist analysis %s: %w", an.ID, err)
		}
		return nil
	})
	submit("publish", func(ctx context.Context) error {
		return s.events.Publish(ctx, events.SubjectAnalysisCompleted, events.AnalysisCompleted{
			ID:         an.ID,
			URL:        an.URL,
			Source:     an.Source,
			Title:      an.Title,
			BiasIndex:  an.BiasIndex,
			Band:       an.Band,
			Confidence: an.Confidence,
			Classifier: an.Classifier,
			AnalyzedAt: an.AnalyzedAt,
		})
	})
	if s.ws != nil {
		submit("broadcast", func(context.Context) error {
			s.ws.Broadcast(ws.Message{Type: ws.TypeAnalysis, Data: an})
			return nil
		})
	}
}

// Get returns a stored analysis.
func (s *Service) Get(ctx context.Context, id string) (*db.Analysis, error) {
	return s.store.GetAnalysis(ctx, id)
}

// Recent limits.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ClampLimit maps a requested page size onto 1..MaxLimit, with 0 meaning DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Recent returns the newest stored analyses.
func (s *Service) Recent(ctx context.Context, limit int) ([]db.Analysis, error) {
	return s.store.ListAnalyses(ctx, ClampLimit(limit))
}

// Portfolio returns per-source averages.
func (s *Service) Portfolio(ctx context.Context, limit int) ([]db.SourceStat, error) {
	return s.store.SourcePortfolio(ctx, ClampLimit(limit))
}

// OpsLog returns the newest operations log entries.
func (s *Service) OpsLog(ctx context.Context, limit int) ([]db.OpsLogEntry, error) {
	return s.store.RecentOpsLog(ctx, ClampLimit(limit))
}

// FeedbackInput is a human rating of a stored analysis. Scores must hold
// every dimension.
type FeedbackInput struct {
	Rater   string         `json:"rater"`
	Comment string         `json:"comment"`
	Scores  map[string]int `json:"scores"`
}

func (f FeedbackInput) scores() (bias.Scores, error) {
	var out bias.Scores
	for key := range f.Scores {
		if !bias.Dimension(key).Valid() {
			return out, fmt.Errorf("%w: unknown dimension %q", ErrInvalidFeedback, key)
		}
	}
	for _, d := range bias.Dimensions() {
		v, ok := f.Scores[string(d)]
		if !ok {
			return out, fmt.Errorf("%w: missing %s", ErrInvalidFeedback, d)
		}
		if v < 0 || v > 100 {
			return out, fmt.Errorf("%w: %s must be within 0..100", ErrInvalidFeedback, d)
		}
		out.Set(d, v)
	}
	return out, nil
}

// SubmitFeedback stores a human rating of analysis id and feeds its
// per-dimension error into the accuracy window.
func (s *Service) SubmitFeedback(ctx context.Context, id string, in FeedbackInput) (*db.Feedback, error) {
	scores, err := in.scores()
	if err != nil {
		return nil, err
	}
	an, err := s.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}

	fb := &db.Feedback{
		AnalysisID: an.ID,
		Rater:      strings.TrimSpace(in.Rater),
		Scores:     scores,
		Comment:    strings.TrimSpace(in.Comment),
	}
	if err := s.store.InsertFeedback(ctx, fb); err != nil {
		return nil, err
	}

	errs := make([]float64, 0, len(bias.Dimensions()))
	for _, d := range bias.Dimensions() {
		errs = append(errs, math.Abs(float64(scores.Get(d)-an.Scores.Get(d))))
	}
	s.tracker.RecordAccuracy(errs)
	s.logger.Info("feedback recorded", "analysis_id", an.ID, "feedback_id", fb.ID)
	return fb, nil
}
