package article

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport serves canned responses keyed by URL prefix.
type mockTransport struct {
	handlers map[string]func(*http.Request) (*http.Response, error)
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for prefix, h := range m.handlers {
		if strings.HasPrefix(req.URL.String(), prefix) {
			return h(req)
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(bytes.NewBufferString("Not Found")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func respond(body, contentType string, status int) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		h := make(http.Header)
		h.Set("Content-Type", contentType)
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(bytes.NewBufferString(body)),
			Header:     h,
			Request:    req,
		}, nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var longParagraph = strings.Repeat("Lawmakers said the feature raised privacy questions for parents and teenagers. ", 8)

var samplePage = `<!doctype html>
<html><head>
<title>Fallback title | Axios</title>
<meta property="og:title" content="Lawmakers urge Meta to shut down Instagram Map">
<meta property="og:site_name" content="Axios">
<meta name="author" content="Jane Reporter">
<meta property="article:published_time" content="2025-08-09T14:02:00Z">
<script>var tracking = "should not appear";</script>
</head>
<body>
<nav>Home Politics Tech</nav>
<header>Subscribe now</header>
<article>
<h1>Lawmakers urge Meta</h1>
<p>` + longParagraph + `</p>
<p>Critics called the rollout "abysmal at protecting children".</p>
<aside>Related: other stories</aside>
</article>
<footer>Copyright</footer>
</body></html>`

func TestExtract(t *testing.T) {
	a, err := Extract(samplePage, "https://www.axios.com/2025/08/09/instagram-map-democrats")
	require.NoError(t, err)

	assert.Equal(t, "Lawmakers urge Meta to shut down Instagram Map", a.Title)
	assert.Equal(t, "Axios", a.Source)
	assert.Equal(t, "Jane Reporter", a.Author)
	assert.Equal(t, "2025-08-09", a.PublishedAt)
	assert.Contains(t, a.Text, "abysmal at protecting children")
	assert.NotContains(t, a.Text, "should not appear")
	assert.NotContains(t, a.Text, "Subscribe now")
	assert.NotContains(t, a.Text, "Related: other stories")
	assert.NotContains(t, a.Text, "Copyright")
	assert.GreaterOrEqual(t, a.WordCount, MinWords)
}

func TestExtractFallbacks(t *testing.T) {
	page := `<html><head><title>Plain title</title></head><body><p>` + longParagraph + `</p>
<time datetime="2025-08-07">Aug 7</time></body></html>`

	a, err := Extract(page, "https://nypost.com/2025/08/07/tech/instagram-stalkers")
	require.NoError(t, err)
	assert.Equal(t, "Plain title", a.Title)
	assert.Equal(t, "New York Post", a.Source)
	assert.Equal(t, "2025-08-07", a.PublishedAt)
}

func TestExtractPathDateAndHostSource(t *testing.T) {
	page := `<html><body><h1>Only heading</h1><div>` + longParagraph + `</div></body></html>`
	a, err := Extract(page, "https://news.example.org/2024/02/29/story")
	require.NoError(t, err)
	assert.Equal(t, "Only heading", a.Title)
	assert.Equal(t, "news.example.org", a.Source)
	assert.Equal(t, "2024-02-29", a.PublishedAt)
}

func TestExtractTooShort(t *testing.T) {
	_, err := Extract(`<html><body><p>Too short.</p></body></html>`, "https://example.com/a")
	assert.True(t, errors.Is(err, ErrNotArticle))
}

func TestFromText(t *testing.T) {
	a, err := FromText(longParagraph, " A title ", "", "https://techcrunch.com/2025/08/08/how-to-use-instagram-map")
	require.NoError(t, err)
	assert.Equal(t, "A title", a.Title)
	assert.Equal(t, "TechCrunch", a.Source)
	assert.Equal(t, "2025-08-08", a.PublishedAt)

	b, err := FromText(longParagraph, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "Direct Input", b.Source)

	_, err = FromText("tiny", "", "", "")
	assert.True(t, errors.Is(err, ErrNotArticle))
}

func TestValidateURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/x", "not a url", "https://", "/relative/path", "https://" + strings.Repeat("a", 2100) + ".com"} {
		_, err := ValidateURL(raw)
		assert.True(t, errors.Is(err, ErrInvalidURL), raw)
	}
	u, err := ValidateURL("  https://Example.com/Story  ")
	require.NoError(t, err)
	assert.Equal(t, "Example.com", u.Host)
}

func TestNormalizeURL(t *testing.T) {
	u, err := ValidateURL("HTTPS://WWW.Example.COM/news/story/?utm_source=x&b=2&a=1&fbclid=abc#comments")
	require.NoError(t, err)
	assert.Equal(t, "https://www.example.com/news/story?a=1&b=2", NormalizeURL(u))

	root, err := ValidateURL("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", NormalizeURL(root))
}

func TestSourceForHost(t *testing.T) {
	assert.Equal(t, "TechCrunch", SourceForHost("techcrunch.com"))
	assert.Equal(t, "The Washington Post", SourceForHost("www.washingtonpost.com"))
	assert.Equal(t, "BBC News", SourceForHost("www.bbc.co.uk"))
	assert.Equal(t, "example.net", SourceForHost("www.example.net"))
}

func TestFetcherFetch(t *testing.T) {
	mt := &mockTransport{handlers: map[string]func(*http.Request) (*http.Response, error){
		"https://www.axios.com/ok":     respond(samplePage, "text/html; charset=utf-8", http.StatusOK),
		"https://www.axios.com/plain":  respond(longParagraph, "text/plain", http.StatusOK),
		"https://www.axios.com/broken": respond("oops", "text/html", http.StatusInternalServerError),
	}}
	f := NewFetcher(FetcherOptions{Timeout: time.Second, Transport: mt}, discardLogger())

	a, err := f.Fetch(context.Background(), "https://www.axios.com/ok")
	require.NoError(t, err)
	assert.Equal(t, "Axios", a.Source)

	p, err := f.Fetch(context.Background(), "https://www.axios.com/plain")
	require.NoError(t, err)
	assert.Equal(t, "Axios", p.Source)

	_, err = f.Fetch(context.Background(), "https://www.axios.com/broken")
	assert.True(t, errors.Is(err, ErrUpstream))

	_, err = f.Fetch(context.Background(), "gopher://axios.com")
	assert.True(t, errors.Is(err, ErrInvalidURL))
}

func TestFetcherBlocksPrivateHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	guarded := NewFetcher(FetcherOptions{Timeout: time.Second}, discardLogger())
	_, err := guarded.Fetch(context.Background(), srv.URL+"/story")
	assert.True(t, errors.Is(err, ErrBlockedHost), "got %v", err)

	open := NewFetcher(FetcherOptions{Timeout: time.Second, AllowPrivate: true}, discardLogger())
	a, err := open.Fetch(context.Background(), srv.URL+"/story")
	require.NoError(t, err)
	assert.Equal(t, "Axios", a.Source)
}

func TestFetcherIgnoresProxyEnvironment(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://203.0.113.10:3128")
	t.Setenv("HTTPS_PROXY", "http://203.0.113.10:3128")

	f := NewFetcher(FetcherOptions{Timeout: time.Second}, discardLogger())
	tr, ok := f.client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Nil(t, tr.Proxy)
}
