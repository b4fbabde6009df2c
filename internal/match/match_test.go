package match

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"https://example.com/*", "https://example.com/inbox", true},
		{"https://example.com/*", "http://example.com/inbox", false},
		{"*://example.com/*", "http://example.com/", true},
		{"*://example.com/*", "ftp://example.com/", false},
		{"https://*.example.com/app/*", "https://mail.example.com/app/1", true},
		{"https://*.example.com/app/*", "https://example.com/app/1", true},
		{"https://*.example.com/app/*", "https://badexample.com/app/1", false},
		{"https://example.com/*", "https://example.com:8080/x", true},
		{"https://example.com/*", "https://example.com.evil/x", false},
		{"https://example.com/*", "https://example.com:/x", false},
		{"https://*.example.com/app/*", "https://mail.example.com:3000/app/1", true},
		{"https://*/*", "https://anything.test/x?y=1", true},
		{"https://*/*", "https://localhost:8080/x", true},
		{"file:///home/*", "file:///home/me/page.html", true},
		{"<all_urls>", "https://a.test/", true},
		{"<all_urls>", "about:blank", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.url, func(t *testing.T) {
			got, err := Rules{Match: []string{tt.pattern}}.Matches(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIncludeGlobAndRegexp(t *testing.T) {
	rules := Rules{Include: []string{"*://*.example.org/search*", `/^https:\/\/docs\.test\/v[0-9]+\//`}}

	ok, err := rules.Matches("https://www.example.org/search?q=go")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rules.Matches("https://docs.test/v2/intro")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rules.Matches("https://docs.test/latest/intro")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExcludeWins(t *testing.T) {
	rules := Rules{
		Match:   []string{"https://example.com/*"},
		Exclude: []string{"https://example.com/admin*"},
	}
	ok, err := rules.Matches("https://example.com/admin/users")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rules.Matches("https://example.com/inbox")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNoPositiveRulesMatchesNothing(t *testing.T) {
	ok, err := Rules{Exclude: []string{"*"}}.Matches("https://example.com/")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedRules(t *testing.T) {
	bad := []Rules{
		{Match: []string{"example.com/*"}},
		{Match: []string{"gopher://example.com/*"}},
		{Match: []string{"https://exa*mple.com/*"}},
		{Match: []string{"https://example.com"}},
		{Include: []string{"/([a-z/"}},
		{Exclude: []string{""}},
	}
	for _, rules := range bad {
		_, err := rules.Matches("https://example.com/")
		var ruleErr *RuleError
		assert.True(t, errors.As(err, &ruleErr), "expected RuleError for %+v, got %v", rules, err)
	}
}
