package article

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bias-lab/biaslab-go/internal/netguard"
)

const userAgent = "Mozilla/5.0 (compatible; BiasLab/1.0; +https://biaslab.example/bot)"

// Fetcher downloads article pages over HTTP.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Timeout      time.Duration
	MaxBytes     int64
	AllowPrivate bool
	// Transport overrides the guarded transport; used by tests.
	Transport http.RoundTripper
}

// NewFetcher creates a Fetcher whose connections go through netguard.
func NewFetcher(opts FetcherOptions, logger *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 2 << 20
	}
	transport := opts.Transport
	if transport == nil {
		// No Proxy: netguard must see the article host, not a proxy address.
		transport = &http.Transport{
			DialContext:           netguard.DialContext(opts.Timeout, opts.AllowPrivate),
			MaxIdleConns:          64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.Timeout,
			ResponseHeaderTimeout: opts.Timeout,
		}
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("stopped after 5 redirects")
				}
				return nil
			},
		},
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		logger:   logger,
	}
}

// Fetch downloads rawURL and extracts its article.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Article, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, netguard.ErrBlocked) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedHost, u.Hostname())
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrUpstream, resp.StatusCode, u.Hostname())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	f.logger.Debug("article fetched",
		"url", u.String(),
		"status", resp.StatusCode,
		"bytes", len(body),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	finalURL := u.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "text/markdown") {
		return FromText(string(body), "", "", finalURL)
	}
	return Extract(string(body), finalURL)
}
