package crawler

import (
	"net/url"
	"strings"
)

var trackingParams = map[string]struct{}{
	"gclid":  {},
	"fbclid": {},
	"mc_eid": {},
	"mc_cid": {},
	"ref":    {},
}

// NormalizeURL strips fragments and tracking parameters, lowercases the
// scheme and host, and turns an empty path into "/". Input that does not parse
// is returned unchanged. NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = stripTracking(u.RawQuery)
	}
	if u.RawQuery == "" {
		u.ForceQuery = false
	}
	if u.Path == "" && u.Host != "" && u.Opaque == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u.String()
}

// stripTracking drops tracking keys while preserving the order and encoding
// of every other pair.
func stripTracking(rawQuery string) string {
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		key = strings.ToLower(key)
		if strings.HasPrefix(key, "utm_") {
			continue
		}
		if _, ok := trackingParams[key]; ok {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

// IsHTTP reports whether the URL uses the http or https scheme.
func IsHTTP(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// Host returns the lowercased network location (host[:port]) of a URL, or
// an empty string when it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// SameHost reports whether two URLs share a network location.
func SameHost(a, b string) bool {
	ha := Host(a)
	return ha != "" && ha == Host(b)
}
