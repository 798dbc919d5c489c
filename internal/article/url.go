package article

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const maxURLLength = 2048

// trackingParams are dropped during normalization so that shared links hit
// the same cache entry as the canonical URL.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"mc_cid": true,
	"mc_eid": true,
}

// ValidateURL parses raw and ensures it is an absolute http(s) URL.
func ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	if len(raw) > maxURLLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidURL, maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// NormalizeURL returns a canonical string form of u used for cache keys.
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	q := n.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || trackingParams[strings.ToLower(key)] {
			q.Del(key)
		}
	}
	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var parts []string
	for _, key := range keys {
		vals := q[key]
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	n.RawQuery = strings.Join(parts, "&")

	if len(n.Path) > 1 {
		n.Path = strings.TrimRight(n.Path, "/")
		n.RawPath = ""
	}
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}
