package bias

import (
	"context"
	"errors"
	"math"

	"github.com/bias-lab/biaslab-go/internal/article"
)

// Dimension names one axis of the bias profile.
type Dimension string

const (
	IdeologicalStance  Dimension = "ideological_stance"
	FactualGrounding   Dimension = "factual_grounding"
	FramingChoices     Dimension = "framing_choices"
	EmotionalTone      Dimension = "emotional_tone"
	SourceTransparency Dimension = "source_transparency"
)

var dimensions = []Dimension{IdeologicalStance, FactualGrounding, FramingChoices, EmotionalTone, SourceTransparency}

// Dimensions returns every dimension in display order.
func Dimensions() []Dimension {
	out := make([]Dimension, len(dimensions))
	copy(out, dimensions)
	return out
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	for _, known := range dimensions {
		if d == known {
			return true
		}
	}
	return false
}

var (
	// ErrNotConfigured is returned by external scorers that lack credentials.
	ErrNotConfigured = errors.New("scorer not configured")
	// ErrMalformedResponse is returned when a provider reply holds no usable assessment.
	ErrMalformedResponse = errors.New("malformed scorer response")
)

// Scores holds one 0..100 value per dimension.
type Scores struct {
	IdeologicalStance  int `json:"ideological_stance"`
	FactualGrounding   int `json:"factual_grounding"`
	FramingChoices     int `json:"framing_choices"`
	EmotionalTone      int `json:"emotional_tone"`
	SourceTransparency int `json:"source_transparency"`
}

// Get returns the score for d.
func (s Scores) Get(d Dimension) int {
	switch d {
	case IdeologicalStance:
		return s.IdeologicalStance
	case FactualGrounding:
		return s.FactualGrounding
	case FramingChoices:
		return s.FramingChoices
	case EmotionalTone:
		return s.EmotionalTone
	case SourceTransparency:
		return s.SourceTransparency
	}
	return 0
}

// Set stores v, clamped to 0..100, for d.
func (s *Scores) Set(d Dimension, v int) {
	v = Clamp(v)
	switch d {
	case IdeologicalStance:
		s.IdeologicalStance = v
	case FactualGrounding:
		s.FactualGrounding = v
	case FramingChoices:
		s.FramingChoices = v
	case EmotionalTone:
		s.EmotionalTone = v
	case SourceTransparency:
		s.SourceTransparency = v
	}
}

// Validate returns an error if any score is outside 0..100.
func (s Scores) Validate() error {
	for _, d := range dimensions {
		if v := s.Get(d); v < 0 || v > 100 {
			return errors.New(string(d) + " must be within 0..100")
		}
	}
	return nil
}

// Highlights maps a dimension to the phrases that drove its score.
type Highlights map[Dimension][]string

// Assessment is one stage's view of an article.
type Assessment struct {
	Scores         Scores     `json:"scores"`
	Highlights     Highlights `json:"highlighted_phrases"`
	Confidence     float64    `json:"confidence"`
	Classifier     string     `json:"classifier"`
	Reason         string     `json:"reason,omitempty"`
	ResponseTimeMs float64    `json:"response_time_ms,omitempty"`
}

// Scorer is one stage of the bias cascade. prior carries the cascade's view
// so far and may be nil.
type Scorer interface {
	Name() string
	Score(ctx context.Context, a *article.Article, prior *Assessment) (*Assessment, error)
}

// Stage statuses reported in a Result.
const (
	StageOK          = "ok"
	StageSkipped     = "skipped"
	StageError       = "error"
	StageOpenCircuit = "open_circuit"
)

// StageReport records how a stage fared during one pipeline run.
type StageReport struct {
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	Confidence     float64 `json:"confidence,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
}

// Result is the merged pipeline output.
type Result struct {
	Scores     Scores        `json:"scores"`
	Highlights Highlights    `json:"highlighted_phrases"`
	Confidence float64       `json:"confidence"`
	Classifier string        `json:"classifier"`
	BiasIndex  int           `json:"bias_index"`
	Band       string        `json:"band"`
	Insights   []Insight     `json:"insights"`
	Stages     []StageReport `json:"stages"`
}

// Clamp limits v to 0..100.
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
