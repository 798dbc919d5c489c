package article

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
	pathDatePattern     = regexp.MustCompile(`/(20\d{2})/(\d{2})/(\d{2})/`)
)

// skipped elements never contribute article text.
var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true, "svg": true,
	"nav": true, "footer": true, "header": true, "aside": true, "form": true, "button": true,
}

// block elements force paragraph breaks.
var block = map[string]bool{
	"p": true, "div": true, "section": true, "li": true, "blockquote": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "figcaption": true,
}

// Extract builds an Article from an HTML document fetched from pageURL.
func Extract(body, pageURL string) (*Article, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var (
		meta     = map[string]string{}
		title    string
		firstH1  string
		timeAttr string
		articleN *html.Node
		bodyN    *html.Node
	)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				key := attr(n, "property")
				if key == "" {
					key = attr(n, "name")
				}
				if key != "" {
					if _, seen := meta[strings.ToLower(key)]; !seen {
						meta[strings.ToLower(key)] = strings.TrimSpace(attr(n, "content"))
					}
				}
			case "title":
				if title == "" {
					title = collapse(textOf(n))
				}
			case "h1":
				if firstH1 == "" {
					firstH1 = collapse(textOf(n))
				}
			case "time":
				if timeAttr == "" {
					timeAttr = attr(n, "datetime")
				}
			case "article":
				if articleN == nil {
					articleN = n
				}
			case "body":
				bodyN = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	a := &Article{URL: pageURL}

	a.Title = firstNonEmpty(meta["og:title"], title, firstH1)
	a.Author = meta["author"]

	u, _ := url.Parse(pageURL)
	host := ""
	if u != nil {
		host = u.Hostname()
	}
	a.Source = firstNonEmpty(meta["og:site_name"], SourceForHost(host))

	a.PublishedAt = firstNonEmpty(
		isoDate(meta["article:published_time"]),
		isoDate(timeAttr),
		pathDate(pageURL),
	)

	root := articleN
	if root == nil {
		root = bodyN
	}
	if root == nil {
		root = doc
	}
	var sb strings.Builder
	collectText(root, &sb, 0)
	a.Text = clean(sb.String())
	a.WordCount = CountWords(a.Text)

	if a.WordCount < MinWords {
		return a, fmt.Errorf("%w: %d words", ErrNotArticle, a.WordCount)
	}
	return a, nil
}

// FromText wraps caller-supplied text as an Article.
func FromText(text, title, source, pageURL string) (*Article, error) {
	a := &Article{
		URL:    pageURL,
		Title:  strings.TrimSpace(title),
		Source: strings.TrimSpace(source),
		Text:   clean(text),
	}
	if a.Source == "" && pageURL != "" {
		if u, err := url.Parse(pageURL); err == nil {
			a.Source = SourceForHost(u.Hostname())
		}
	}
	if a.Source == "" {
		a.Source = "Direct Input"
	}
	a.PublishedAt = pathDate(pageURL)
	a.WordCount = CountWords(a.Text)
	if a.WordCount < MinWords {
		return a, fmt.Errorf("%w: %d words", ErrNotArticle, a.WordCount)
	}
	return a, nil
}

func collectText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 64 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
		return
	case html.ElementNode:
		if skipped[n.Data] {
			return
		}
		if n.Data == "br" {
			sb.WriteString("\n")
			return
		}
	}
	isBlock := n.Type == html.ElementNode && block[n.Data]
	if isBlock {
		sb.WriteString("\n\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb, depth+1)
	}
	if isBlock {
		sb.WriteString("\n\n")
	}
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isoDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

func pathDate(pageURL string) string {
	m := pathDatePattern.FindStringSubmatch(pageURL)
	if m == nil {
		return ""
	}
	return isoDate(m[1] + "-" + m[2] + "-" + m[3])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
