package db

import (
	"time"

	"github.com/bias-lab/biaslab-go/internal/bias"
)

// Analysis is a finished bias analysis of one article.
type Analysis struct {
	ID                 string             `json:"id"`
	URL                string             `json:"url"`
	URLKey             string             `json:"-"`
	Source             string             `json:"source"`
	Title              string             `json:"title"`
	Author             string             `json:"author,omitempty"`
	PublishedAt        string             `json:"publishedAt,omitempty"`
	WordCount          int                `json:"word_count"`
	Scores             bias.Scores        `json:"scores"`
	HighlightedPhrases bias.Highlights    `json:"highlighted_phrases"`
	Confidence         float64            `json:"confidence"`
	BiasIndex          int                `json:"bias_index"`
	Band               string             `json:"band"`
	Insights           []bias.Insight     `json:"insights"`
	Classifier         string             `json:"classifier"`
	Stages             []bias.StageReport `json:"stages"`
	CacheHit           bool               `json:"cache_hit"`
	ResponseTimeMs     float64            `json:"response_time_ms"`
	AnalyzedAt         time.Time          `json:"analyzed_at"`
}

// Feedback is one human rating of an analysis.
type Feedback struct {
	ID         int64       `json:"id"`
	AnalysisID string      `json:"analysis_id"`
	Rater      string      `json:"rater,omitempty"`
	Scores     bias.Scores `json:"scores"`
	Comment    string      `json:"comment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// OpsLogEntry is one operations log line shown on the dashboard.
type OpsLogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Success   bool      `json:"success"`
}

// SourceStat aggregates analyses per publisher.
type SourceStat struct {
	Source            string  `json:"source"`
	Articles          int64   `json:"articles"`
	AvgEmotionalTone  float64 `json:"avg_emotional_tone"`
	AvgFramingChoices float64 `json:"avg_framing_choices"`
	AvgBiasIndex      float64 `json:"avg_bias_index"`
}
