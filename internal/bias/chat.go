package bias

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bias-lab/biaslab-go/internal/article"
)

// ChatConfig configures a ChatScorer.
type ChatConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// HTTPClient overrides the default client; used by tests.
	HTTPClient *http.Client
}

// ChatScorer calls an OpenAI-compatible chat completions API.
type ChatScorer struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewChatScorer creates a ChatScorer.
func NewChatScorer(cfg ChatConfig) *ChatScorer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &ChatScorer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  client,
	}
}

// Configured reports whether the scorer has credentials.
func (c *ChatScorer) Configured() bool {
	return c.apiKey != "" && c.apiKey != "placeholder"
}

// Name implements Scorer.
func (c *ChatScorer) Name() string { return "chat" }

// Score implements Scorer.
func (c *ChatScorer) Score(ctx context.Context, a *article.Article, prior *Assessment) (*Assessment, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	start := time.Now()

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": chatSystemPrompt},
			{"role": "user", "content": userMessage(a, nil)},
		},
		"temperature": 0.0,
		"max_tokens":  600,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat: connection error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat: API error: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("chat: read response: %w", err)
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chatResp); err != nil || len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: chat completion without choices", ErrMalformedResponse)
	}

	result, err := ParseAssessment(chatResp.Choices[0].Message.Content, prior)
	if err != nil {
		return nil, err
	}
	result.Classifier = c.Name()
	result.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	return result, nil
}
