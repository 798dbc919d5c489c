package bias

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/bias-lab/biaslab-go/internal/article"
)

// maxPromptChars bounds the article text sent to external scorers.
const maxPromptChars = 12000

const chatSystemPrompt = `You are a media bias analyst. Score the news article on five dimensions, each an integer from 0 to 100:
- ideological_stance: 0 = strongly left-coded language, 50 = balanced, 100 = strongly right-coded language
- factual_grounding: how well claims are supported by evidence and attribution (higher is better)
- framing_choices: how much editorial framing and selective emphasis is present (higher is more)
- emotional_tone: how emotionally charged the language is (higher is more)
- source_transparency: how clearly sources are identified (higher is better)

Respond with a JSON object only:
{"scores": {"ideological_stance": 0, "factual_grounding": 0, "framing_choices": 0, "emotional_tone": 0, "source_transparency": 0}, "highlighted_phrases": {"<dimension>": ["exact phrase from the text"]}, "confidence": 0.0-1.0, "reason": "one sentence"}

Quote at most 5 phrases per dimension, copied exactly from the article.`

const deepSystemPrompt = `You are a senior media bias analyst performing a second review. A first pass has flagged this article as emotionally charged, heavily framed, or uncertain. Its provisional scores are included below; correct them where the text warrants.

Dimensions, each an integer from 0 to 100:
- ideological_stance: 0 = strongly left-coded language, 50 = balanced, 100 = strongly right-coded language
- factual_grounding: support of claims by evidence, data and attribution (higher is better)
- framing_choices: editorial framing, loaded headlines, selective emphasis, omitted context (higher is more)
- emotional_tone: emotionally charged or inflammatory wording (higher is more)
- source_transparency: named, verifiable sources versus anonymous ones (higher is better)

Consider headline versus body, who is quoted and who is not, and whether adjectives carry the argument.
Respond with a JSON object only:
{"scores": {...}, "highlighted_phrases": {"<dimension>": ["exact phrase from the text"]}, "confidence": 0.0-1.0, "reason": "two or three sentences"}`

// userMessage renders an article for an external scorer.
func userMessage(a *article.Article, prior *Assessment) string {
	text := a.Text
	if len(text) > maxPromptChars {
		cut := maxPromptChars
		for cut > 0 && !isRuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\nSource: %s\n", a.Title, a.Source)
	if prior != nil {
		b, _ := json.Marshal(prior.Scores)
		fmt.Fprintf(&sb, "Provisional scores: %s\n", b)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String()
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

type rawAssessment struct {
	Scores     map[string]float64  `json:"scores"`
	Highlights map[string][]string `json:"highlighted_phrases"`
	Confidence *float64            `json:"confidence"`
	Reason     string              `json:"reason"`
}

// ParseAssessment extracts an Assessment from a model reply that may wrap
// the JSON object in prose or code fences. Scores are clamped to 0..100 and
// dimensions the reply omits keep prior's value (50 without a prior).
func ParseAssessment(content string, prior *Assessment) (*Assessment, error) {
	content = strings.TrimSpace(content)

	var raw rawAssessment
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object", ErrMalformedResponse)
		}
		raw = rawAssessment{}
		if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	if len(raw.Scores) == 0 {
		return nil, fmt.Errorf("%w: no scores", ErrMalformedResponse)
	}

	out := &Assessment{Highlights: Highlights{}, Reason: raw.Reason, Confidence: 0.5}
	for _, d := range dimensions {
		v, ok := raw.Scores[string(d)]
		switch {
		case ok && !math.IsNaN(v):
			out.Scores.Set(d, int(math.Round(math.Max(0, math.Min(100, v)))))
		case prior != nil:
			out.Scores.Set(d, prior.Scores.Get(d))
		default:
			out.Scores.Set(d, 50)
		}
		if phrases := dedupe(raw.Highlights[string(d)]); len(phrases) > 0 {
			out.Highlights[d] = phrases
		}
	}
	if raw.Confidence != nil {
		out.Confidence = clampConfidence(*raw.Confidence)
	}
	return out, nil
}

func dedupe(phrases []string) []string {
	seen := make(map[string]bool, len(phrases))
	var out []string
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		key := strings.ToLower(p)
		if p == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
		if len(out) == MaxHighlights {
			break
		}
	}
	return out
}
