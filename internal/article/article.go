// Package article fetches news articles and extracts the text and metadata
// the bias pipeline scores.
package article

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid article url")
	// ErrBlockedHost is returned when the URL resolves to a private or internal address.
	ErrBlockedHost = errors.New("article host is not allowed")
	// ErrUpstream is returned when the publisher cannot be reached or answers with an error.
	ErrUpstream = errors.New("article fetch failed")
	// ErrNotArticle is returned when the page holds too little text to score.
	ErrNotArticle = errors.New("page does not contain enough article text")
)

// MinWords is the smallest body the pipeline will score.
const MinWords = 50

// Article is the extracted, scorable form of a web page.
type Article struct {
	URL         string `json:"url"`
	Source      string `json:"source"`
	Title       string `json:"title"`
	Author      string `json:"author,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Text        string `json:"-"`
	WordCount   int    `json:"word_count"`
}

// CountWords counts whitespace separated tokens.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// publishers maps registrable domains to display names for sites that do not
// declare og:site_name.
var publishers = map[string]string{
	"nypost.com":         "New York Post",
	"techcrunch.com":     "TechCrunch",
	"axios.com":          "Axios",
	"washingtonpost.com": "The Washington Post",
	"nytimes.com":        "The New York Times",
	"bbc.co.uk":          "BBC News",
	"bbc.com":            "BBC News",
	"reuters.com":        "Reuters",
	"theguardian.com":    "The Guardian",
	"cnn.com":            "CNN",
	"foxnews.com":        "Fox News",
}

// SourceForHost returns the publisher display name for host, falling back to
// the host itself without a leading "www.".
func SourceForHost(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for domain, name := range publishers {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return name
		}
	}
	return host
}
