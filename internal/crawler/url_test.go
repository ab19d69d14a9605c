package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty path", in: "http://example.com", want: "http://example.com/"},
		{name: "fragment", in: "https://example.com/a#section", want: "https://example.com/a"},
		{name: "utm params", in: "https://example.com/a?utm_source=x&id=3&UTM_Medium=y", want: "https://example.com/a?id=3"},
		{name: "click ids", in: "https://example.com/?gclid=1&fbclid=2&mc_eid=3&mc_cid=4&ref=home", want: "https://example.com/"},
		{name: "keeps order", in: "https://example.com/s?b=2&a=1", want: "https://example.com/s?b=2&a=1"},
		{name: "uppercase host", in: "HTTPS://Example.COM/Path", want: "https://example.com/Path"},
		{name: "trailing question mark", in: "https://example.com/p?", want: "https://example.com/p"},
		{name: "referrer is not ref", in: "https://example.com/p?referrer=a", want: "https://example.com/p?referrer=a"},
		{name: "unparseable", in: "http://[::1", want: "http://[::1"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeURL(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizeURL(got), "normalization must be idempotent")
		})
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"http://example.com",
		"https://example.com/a/b/?x=1&utm_campaign=z#frag",
		"https://example.com/%7Euser?q=a%20b",
		"https://example.com:8443/?&&a=1",
		"mailto:someone@example.com",
		"/relative/path?ref=1",
		"  https://example.com/padded  ",
		"https://example.com/a b",
		"",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		assert.Equal(t, once, NormalizeURL(once), "input %q", in)
	}
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	assert.True(t, SameHost("https://example.com/a", "http://EXAMPLE.com/b"))
	assert.False(t, SameHost("https://example.com/a", "https://www.example.com/a"))
	assert.False(t, SameHost("https://example.com:8080/", "https://example.com/"))
	assert.False(t, SameHost("", ""))
}
