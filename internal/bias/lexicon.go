package bias

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bias-lab/biaslab-go/internal/article"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// MaxHighlights caps the phrases kept per dimension.
const MaxHighlights = 5

var (
	quotePattern = regexp.MustCompile(`"[^"\n]{3,300}"|“[^”\n]{3,300}”`)
	digitPattern = regexp.MustCompile(`\b\d[\d,.]*%?`)
)

// Cue is one weighted phrase.
type Cue struct {
	Phrase string  `yaml:"phrase"`
	Weight float64 `yaml:"weight"`
}

// Section holds the cues for one scored dimension.
type Section struct {
	Baseline    float64 `yaml:"baseline"`
	HalfPoint   float64 `yaml:"half_point"`
	Cues        []Cue   `yaml:"cues"`
	CounterCues []Cue   `yaml:"counter_cues"`
}

// IdeologySection holds left- and right-coded cues.
type IdeologySection struct {
	Left  []Cue `yaml:"left"`
	Right []Cue `yaml:"right"`
}

// Lexicon is the parsed cue file.
type Lexicon struct {
	EmotionalTone      Section         `yaml:"emotional_tone"`
	FactualGrounding   Section         `yaml:"factual_grounding"`
	FramingChoices     Section         `yaml:"framing_choices"`
	SourceTransparency Section         `yaml:"source_transparency"`
	IdeologicalStance  IdeologySection `yaml:"ideological_stance"`
}

// ParseLexicon decodes and checks a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lx Lexicon
	if err := yaml.Unmarshal(data, &lx); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	for name, s := range map[string]Section{
		string(EmotionalTone):      lx.EmotionalTone,
		string(FactualGrounding):   lx.FactualGrounding,
		string(FramingChoices):     lx.FramingChoices,
		string(SourceTransparency): lx.SourceTransparency,
	} {
		if s.HalfPoint <= 0 {
			return nil, fmt.Errorf("lexicon %s: half_point must be positive", name)
		}
		if s.Baseline < 0 || s.Baseline >= 100 {
			return nil, fmt.Errorf("lexicon %s: baseline must be within 0..100", name)
		}
	}
	return &lx, nil
}

type compiledCue struct {
	re     *regexp.Regexp
	weight float64
}

type compiledSection struct {
	baseline  float64
	halfPoint float64
	cues      []compiledCue
	counter   []compiledCue
}

// LexiconScorer scores articles from weighted cue phrases. It needs no
// network access and always produces an assessment.
type LexiconScorer struct {
	sections map[Dimension]compiledSection
	left     []compiledCue
	right    []compiledCue
}

// NewLexiconScorer compiles lx. A nil lexicon selects the embedded default.
func NewLexiconScorer(lx *Lexicon) (*LexiconScorer, error) {
	if lx == nil {
		var err error
		if lx, err = ParseLexicon(defaultLexicon); err != nil {
			return nil, err
		}
	}
	s := &LexiconScorer{
		sections: map[Dimension]compiledSection{
			EmotionalTone:      compileSection(lx.EmotionalTone),
			FactualGrounding:   compileSection(lx.FactualGrounding),
			FramingChoices:     compileSection(lx.FramingChoices),
			SourceTransparency: compileSection(lx.SourceTransparency),
		},
		left:  compileCues(lx.IdeologicalStance.Left),
		right: compileCues(lx.IdeologicalStance.Right),
	}
	return s, nil
}

// MustLexiconScorer is NewLexiconScorer(nil) for callers holding the embedded lexicon.
func MustLexiconScorer() *LexiconScorer {
	s, err := NewLexiconScorer(nil)
	if err != nil {
		panic(err)
	}
	return s
}

func compileSection(s Section) compiledSection {
	return compiledSection{
		baseline:  s.Baseline,
		halfPoint: s.HalfPoint,
		cues:      compileCues(s.Cues),
		counter:   compileCues(s.CounterCues),
	}
}

func compileCues(cues []Cue) []compiledCue {
	out := make([]compiledCue, 0, len(cues))
	for _, c := range cues {
		phrase := strings.TrimSpace(c.Phrase)
		if phrase == "" {
			continue
		}
		out = append(out, compiledCue{
			re:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(phrase) + `\b`),
			weight: c.Weight,
		})
	}
	return out
}

// Name implements Scorer.
func (s *LexiconScorer) Name() string { return "lexicon" }

// Score implements Scorer. prior is ignored.
func (s *LexiconScorer) Score(_ context.Context, a *article.Article, _ *Assessment) (*Assessment, error) {
	start := time.Now()

	text := a.Text
	if a.Title != "" {
		text = a.Title + "\n\n" + a.Text
	}
	words := a.WordCount
	if words <= 0 {
		words = article.CountWords(a.Text)
	}
	per100 := math.Max(float64(words)/100, 1)

	quotes := float64(len(quotePattern.FindAllStringIndex(text, -1)))
	digits := float64(len(digitPattern.FindAllStringIndex(text, -1)))

	out := &Assessment{Highlights: Highlights{}, Classifier: s.Name()}

	for _, d := range []Dimension{FactualGrounding, FramingChoices, EmotionalTone, SourceTransparency} {
		sec := s.sections[d]
		pos, posHits := matchCues(text, sec.cues)
		neg, _ := matchCues(text, sec.counter)
		switch d {
		case FactualGrounding:
			pos += 0.5*quotes + 0.25*digits
		case SourceTransparency:
			pos += 0.5 * quotes
		}
		net := math.Max(0, pos-neg)
		density := net / per100
		score := sec.baseline + (100-sec.baseline)*density/(density+sec.halfPoint)
		out.Scores.Set(d, int(math.Round(score)))
		if h := topPhrases(posHits); len(h) > 0 {
			out.Highlights[d] = h
		}
	}

	left, leftHits := matchCues(text, s.left)
	right, rightHits := matchCues(text, s.right)
	ideo := 50 + 50*(right-left)/(right+left+2)
	out.Scores.Set(IdeologicalStance, int(math.Round(ideo)))
	if h := topPhrases(append(leftHits, rightHits...)); len(h) > 0 {
		out.Highlights[IdeologicalStance] = h
	}

	out.Confidence = round2(0.45 + 0.35*math.Min(1, float64(words)/600))
	out.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	return out, nil
}

type hit struct {
	pos    int
	phrase string
}

func matchCues(text string, cues []compiledCue) (float64, []hit) {
	var (
		total float64
		hits  []hit
	)
	for _, c := range cues {
		for _, loc := range c.re.FindAllStringIndex(text, -1) {
			total += c.weight
			hits = append(hits, hit{pos: loc[0], phrase: text[loc[0]:loc[1]]})
		}
	}
	return total, hits
}

// topPhrases returns up to MaxHighlights distinct phrases by first occurrence.
func topPhrases(hits []hit) []string {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	seen := make(map[string]bool, len(hits))
	var out []string
	for _, h := range hits {
		key := strings.ToLower(h.phrase)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h.phrase)
		if len(out) == MaxHighlights {
			break
		}
	}
	return out
}
