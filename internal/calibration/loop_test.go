package calibration

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bias-lab/biaslab-go/internal/article"
	"github.com/bias-lab/biaslab-go/internal/bias"
	"github.com/bias-lab/biaslab-go/internal/db"
	"github.com/bias-lab/biaslab-go/internal/ws"
)

type fixedScorer struct{ scores bias.Scores }

func (f fixedScorer) Score(context.Context, *article.Article, bias.ProgressFunc) *bias.Result {
	return &bias.Result{Scores: f.scores, Classifier: "lexicon"}
}

type recorder struct {
	mu     sync.Mutex
	errors []float64
	logs   []*db.OpsLogEntry
	msgs   []ws.Message
}

func (r *recorder) RecordAccuracy(e []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e...)
}

func (r *recorder) Accuracy() *float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := 100 - meanOf(r.errors)
	return &v
}

func (r *recorder) InsertOpsLog(_ context.Context, e *db.OpsLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, e)
	return nil
}

func (r *recorder) Broadcast(msg ws.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) cycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDefaultReferences(t *testing.T) {
	refs := DefaultReferences()
	require.Len(t, refs, 3)
	assert.Equal(t, "New York Post", refs[0].Article.Source)
	assert.Equal(t, 90, refs[0].Scores.EmotionalTone)
	assert.Equal(t, 85, refs[1].Scores.SourceTransparency)
	assert.Equal(t, 30, refs[2].Scores.IdeologicalStance)
	for _, r := range refs {
		assert.GreaterOrEqual(t, r.Article.WordCount, article.MinWords, r.Article.Title)
	}
}

func TestParseReferencesErrors(t *testing.T) {
	_, err := ParseReferences([]byte(`[]`))
	assert.Error(t, err)

	_, err = ParseReferences([]byte(`
- title: x
  text: body
  scores: {ideological_stance: 50}
`))
	assert.ErrorContains(t, err, "missing factual_grounding")

	_, err = ParseReferences([]byte(`
- title: x
  text: body
  scores: {ideological_stance: 50, factual_grounding: 120, framing_choices: 1, emotional_tone: 1, source_transparency: 1}
`))
	assert.ErrorContains(t, err, "within 0..100")
}

func TestRunOnce(t *testing.T) {
	refs := []Reference{{
		Article: article.Article{Source: "Axios", Title: "t", Text: "body"},
		Scores:  bias.Scores{IdeologicalStance: 50, FactualGrounding: 80, FramingChoices: 40, EmotionalTone: 20, SourceTransparency: 90},
	}}
	predicted := bias.Scores{IdeologicalStance: 55, FactualGrounding: 70, FramingChoices: 40, EmotionalTone: 30, SourceTransparency: 90}
	rec := &recorder{}
	l := NewLoop(fixedScorer{predicted}, rec, rec, rec, nil, Options{References: refs}, discard())

	res, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Cycle)
	require.Len(t, res.Articles, 1)
	// |5| + |10| + 0 + |10| + 0 = 25 over five dimensions.
	assert.Equal(t, 5.0, res.MeanAbsError)
	assert.Equal(t, 95.0, res.CycleAccuracy)
	require.NotNil(t, res.Accuracy)
	assert.Equal(t, 95.0, *res.Accuracy)
	assert.Equal(t, []float64{5, 10, 0, 10, 0}, rec.errors)

	require.Len(t, rec.logs, 1)
	assert.Equal(t, "calibration", rec.logs[0].Component)
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, ws.TypeCalibration, rec.msgs[0].Type)
	assert.Same(t, res, l.Last())
}

func TestRunOnceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLoop(fixedScorer{}, nil, nil, nil, nil, Options{}, discard())
	_, err := l.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSchedulesCycles(t *testing.T) {
	rec := &recorder{}
	l := NewLoop(fixedScorer{}, rec, nil, rec, nil, Options{InitialDelay: time.Millisecond, Interval: 5 * time.Millisecond}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return rec.cycles() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, l.Running())
	cancel()
	<-done
	assert.False(t, l.Running())
}

func TestRunOnceWithLexiconPipeline(t *testing.T) {
	p := bias.NewPipeline(bias.PipelineOptions{}, discard())
	rec := &recorder{}
	l := NewLoop(p, rec, nil, nil, nil, Options{}, discard())

	res, err := l.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Articles, 3)
	for _, a := range res.Articles {
		assert.Equal(t, "lexicon", a.Classifier)
		assert.GreaterOrEqual(t, a.MeanAbsError, 0.0)
		assert.LessOrEqual(t, a.MeanAbsError, 100.0)
	}
	// The sensational piece should read as more emotional than the explainer.
	assert.Greater(t, res.Articles[0].Predicted.EmotionalTone, res.Articles[1].Predicted.EmotionalTone)
}
