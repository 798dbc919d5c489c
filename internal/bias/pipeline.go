package bias

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/bias-lab/biaslab-go/internal/article"
)

// ProgressFunc receives cascade progress as a percentage and a step label.
type ProgressFunc func(percent int, step string)

// StageObserver receives per-stage latency.
type StageObserver interface {
	ObserveStage(stage, status string, elapsed time.Duration)
}

// Analysis steps surfaced to clients while a cascade runs.
const (
	StepExtracting  = "Extracting article content..."
	StepIdeological = "Analyzing ideological stance..."
	StepFactual     = "Evaluating factual grounding..."
	StepFraming     = "Detecting framing patterns..."
	StepProfile     = "Generating bias profile..."
)

// Pipeline orchestrates the scoring cascade:
// lexicon → chat LLM → Claude deep review.
type Pipeline struct {
	lexicon       Scorer
	fast          Scorer
	deep          Scorer
	deepThreshold int
	observer      StageObserver
	logger        *slog.Logger
}

// PipelineOptions configures a Pipeline. Fast and Deep may be nil.
type PipelineOptions struct {
	Lexicon Scorer
	Fast    Scorer
	Deep    Scorer
	// DeepThreshold is the emotional_tone or framing_choices score at or
	// above which the deep stage runs.
	DeepThreshold int
	Observer      StageObserver
}

// deepConfidenceFloor sends low-confidence provisional results to the deep stage.
const deepConfidenceFloor = 0.7

// NewPipeline creates a Pipeline. A nil Lexicon uses the embedded lexicon.
func NewPipeline(opts PipelineOptions, logger *slog.Logger) *Pipeline {
	if opts.Lexicon == nil {
		opts.Lexicon = MustLexiconScorer()
	}
	if opts.DeepThreshold <= 0 {
		opts.DeepThreshold = 60
	}
	return &Pipeline{
		lexicon:       opts.Lexicon,
		fast:          opts.Fast,
		deep:          opts.Deep,
		deepThreshold: opts.DeepThreshold,
		observer:      opts.Observer,
		logger:        logger,
	}
}

// Score runs the cascade on a. The lexicon stage always succeeds, so Score
// always returns a result; external stage failures only show up in Stages.
func (p *Pipeline) Score(ctx context.Context, a *article.Article, progress ProgressFunc) *Result {
	if progress == nil {
		progress = func(int, string) {}
	}

	var (
		done    []*Assessment
		reports []StageReport
	)

	progress(40, StepIdeological)
	as, rep := p.run(ctx, p.lexicon, a, nil)
	reports = append(reports, rep)
	if as != nil {
		done = append(done, as)
	}

	if p.fast != nil {
		as, rep := p.run(ctx, p.fast, a, merge(done))
		reports = append(reports, rep)
		if as != nil {
			done = append(done, as)
		}
	}

	progress(60, StepFactual)
	provisional := merge(done)

	if p.deep != nil {
		if p.contentious(provisional) {
			as, rep := p.run(ctx, p.deep, a, provisional)
			reports = append(reports, rep)
			if as != nil {
				done = append(done, as)
			}
		} else {
			reports = append(reports, StageReport{Name: p.deep.Name(), Status: StageSkipped})
		}
	}

	progress(80, StepFraming)
	final := merge(done)
	if final == nil {
		// Only reachable with a failing custom lexicon stage.
		final = &Assessment{Scores: neutralScores(), Highlights: Highlights{}}
	}

	return &Result{
		Scores:     final.Scores,
		Highlights: final.Highlights,
		Confidence: final.Confidence,
		Classifier: final.Classifier,
		BiasIndex:  BiasIndex(final.Scores),
		Band:       Band(BiasIndex(final.Scores)),
		Insights:   Insights(final.Scores),
		Stages:     reports,
	}
}

func (p *Pipeline) contentious(a *Assessment) bool {
	if a == nil {
		return true
	}
	return a.Scores.EmotionalTone >= p.deepThreshold ||
		a.Scores.FramingChoices >= p.deepThreshold ||
		a.Confidence < deepConfidenceFloor
}

func (p *Pipeline) run(ctx context.Context, s Scorer, a *article.Article, prior *Assessment) (*Assessment, StageReport) {
	start := time.Now()
	as, err := s.Score(ctx, a, prior)
	elapsed := time.Since(start)

	rep := StageReport{
		Name:           s.Name(),
		Status:         stageStatus(err),
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
	}
	if p.observer != nil {
		p.observer.ObserveStage(rep.Name, rep.Status, elapsed)
	}
	if err != nil {
		if rep.Status == StageError {
			rep.Error = err.Error()
			p.logger.Warn("bias stage failed", "stage", rep.Name, "err", err)
		} else {
			p.logger.Debug("bias stage unavailable", "stage", rep.Name, "status", rep.Status)
		}
		return nil, rep
	}
	if as.Classifier == "" {
		as.Classifier = s.Name()
	}
	rep.Confidence = as.Confidence
	return as, rep
}

// merge combines stage assessments: scores are confidence-weighted means,
// highlights favor later stages, confidence is the maximum.
func merge(stages []*Assessment) *Assessment {
	if len(stages) == 0 {
		return nil
	}

	out := &Assessment{Highlights: Highlights{}}
	best := -1.0
	for _, s := range stages {
		if s.Confidence >= best {
			best = s.Confidence
			out.Classifier = s.Classifier
		}
	}
	out.Confidence = round2(best)

	for _, d := range dimensions {
		var sum, weight float64
		for _, s := range stages {
			w := s.Confidence
			if w <= 0 {
				w = 0.01
			}
			sum += w * float64(s.Scores.Get(d))
			weight += w
		}
		out.Scores.Set(d, int(math.Round(sum/weight)))

		seen := map[string]bool{}
		var phrases []string
		for i := len(stages) - 1; i >= 0 && len(phrases) < MaxHighlights; i-- {
			for _, ph := range stages[i].Highlights[d] {
				key := strings.ToLower(ph)
				if seen[key] {
					continue
				}
				seen[key] = true
				phrases = append(phrases, ph)
				if len(phrases) == MaxHighlights {
					break
				}
			}
		}
		if len(phrases) > 0 {
			out.Highlights[d] = phrases
		}
	}
	return out
}

func neutralScores() Scores {
	var s Scores
	for _, d := range dimensions {
		s.Set(d, 50)
	}
	return s
}
