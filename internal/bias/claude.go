package bias

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/bias-lab/biaslab-go/internal/article"
)

// ClaudeConfig configures a ClaudeScorer. Bedrock takes precedence over APIKey.
type ClaudeConfig struct {
	APIKey     string
	Model      string
	UseBedrock bool
	// Region is the Bedrock AWS region; empty defers to the default chain.
	Region    string
	MaxTokens int64
	// Timeout bounds each request. The call is attempted once.
	Timeout time.Duration
	// Options are appended to the client options; used by tests to point at a fake server.
	Options []option.RequestOption
}

// ClaudeScorer runs the deep review stage on Anthropic's Messages API,
// directly or through AWS Bedrock.
type ClaudeScorer struct {
	client     anthropic.Client
	model      string
	maxTokens  int64
	configured bool
}

// NewClaudeScorer creates a ClaudeScorer. The Bedrock path loads AWS
// credentials from the default chain (AWS_REGION, AWS_PROFILE, ...).
func NewClaudeScorer(ctx context.Context, cfg ClaudeConfig) *ClaudeScorer {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	s := &ClaudeScorer{model: cfg.Model, maxTokens: cfg.MaxTokens}

	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	switch {
	case cfg.UseBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
		s.configured = true
	case cfg.APIKey != "" && cfg.APIKey != "placeholder":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		s.configured = true
	}
	opts = append(opts, cfg.Options...)
	s.client = anthropic.NewClient(opts...)
	return s
}

// Configured reports whether the scorer has credentials.
func (s *ClaudeScorer) Configured() bool { return s.configured }

// Name implements Scorer.
func (s *ClaudeScorer) Name() string { return "claude" }

// Score implements Scorer. prior's scores are shown to the model as the
// provisional profile to review.
func (s *ClaudeScorer) Score(ctx context.Context, a *article.Article, prior *Assessment) (*Assessment, error) {
	if !s.configured {
		return nil, ErrNotConfigured
	}

	start := time.Now()

	message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: deepSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage(a, prior))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: API error: %w", err)
	}
	if len(message.Content) == 0 {
		return nil, fmt.Errorf("%w: empty Claude response", ErrMalformedResponse)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		sb.WriteString(block.Text)
	}

	result, err := ParseAssessment(sb.String(), prior)
	if err != nil {
		return nil, err
	}
	result.Classifier = s.Name()
	result.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	return result, nil
}
