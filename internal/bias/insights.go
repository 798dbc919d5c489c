package bias

import "math"

// Score bands.
const (
	BandLow    = "low"
	BandMedium = "medium"
	BandHigh   = "high"
)

// Band buckets a 0..100 score.
func Band(score int) string {
	switch {
	case score < 30:
		return BandLow
	case score < 60:
		return BandMedium
	default:
		return BandHigh
	}
}

// BiasIndex folds the profile into one 0..100 number where higher means more
// biased. Quality dimensions are inverted and the ideological axis counts its
// distance from center.
func BiasIndex(s Scores) int {
	distance := math.Abs(float64(s.IdeologicalStance - 50))
	sum := float64(s.EmotionalTone) +
		float64(s.FramingChoices) +
		2*distance +
		float64(100-s.FactualGrounding) +
		float64(100-s.SourceTransparency)
	return Clamp(int(math.Round(sum / 5)))
}

// Insight is a human-readable reading of one dimension.
type Insight struct {
	Dimension Dimension `json:"dimension"`
	Score     int       `json:"score"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Insights explains every dimension of s.
func Insights(s Scores) []Insight {
	out := make([]Insight, 0, len(dimensions))
	for _, d := range dimensions {
		v := s.Get(d)
		out = append(out, Insight{Dimension: d, Score: v, Level: Band(v), Message: message(d, v)})
	}
	return out
}

func message(d Dimension, v int) string {
	switch d {
	case EmotionalTone:
		switch {
		case v > 70:
			return "Highly inflammatory language detected"
		case v > 40:
			return "Moderate emotional bias present"
		}
		return "Neutral, factual tone maintained"
	case FactualGrounding:
		switch {
		case v > 80:
			return "Well-sourced with clear attribution"
		case v > 50:
			return "Moderate sourcing quality"
		}
		return "Poor sourcing, claims need verification"
	case FramingChoices:
		switch {
		case v > 70:
			return "Heavy editorial framing detected"
		case v > 40:
			return "Some selective emphasis present"
		}
		return "Neutral presentation of facts"
	case IdeologicalStance:
		distance := v - 50
		if distance < 0 {
			distance = -distance
		}
		switch {
		case distance > 30:
			return "Strong ideological slant"
		case distance > 15:
			return "Noticeable ideological lean"
		}
		return "Balanced ideological framing"
	case SourceTransparency:
		switch {
		case v > 80:
			return "Sources clearly identified"
		case v > 50:
			return "Partially transparent sourcing"
		}
		return "Opaque or anonymous sourcing"
	}
	return ""
}
