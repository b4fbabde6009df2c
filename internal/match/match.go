// Package match evaluates userscript URL rules (@include, @match, @exclude).
package match

import (
	"fmt"
	"regexp"
	"strings"
)

// RuleError reports a rule that cannot be compiled.
type RuleError struct {
	Kind    string // "include", "match" or "exclude"
	Pattern string
	Reason  string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("invalid @%s rule %q: %s", e.Kind, e.Pattern, e.Reason)
}

// Rules is the URL rule set of one userscript.
type Rules struct {
	Include []string
	Match   []string
	Exclude []string
}

// Matcher is a compiled Rules value.
type Matcher struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// Compile compiles every rule, failing on the first malformed one.
func (r Rules) Compile() (*Matcher, error) {
	m := &Matcher{}
	for _, p := range r.Include {
		re, err := compileInclude("include", p)
		if err != nil {
			return nil, err
		}
		m.include = append(m.include, re)
	}
	for _, p := range r.Match {
		re, err := compileMatch(p)
		if err != nil {
			return nil, err
		}
		m.include = append(m.include, re)
	}
	for _, p := range r.Exclude {
		re, err := compileInclude("exclude", p)
		if err != nil {
			return nil, err
		}
		m.exclude = append(m.exclude, re)
	}
	return m, nil
}

// Matches compiles the rules and tests url against them.
func (r Rules) Matches(url string) (bool, error) {
	m, err := r.Compile()
	if err != nil {
		return false, err
	}
	return m.Matches(url), nil
}

// Matches reports whether url is selected by an include or match rule and
// rejected by no exclude rule. A matcher without positive rules matches nothing.
func (m *Matcher) Matches(url string) bool {
	matched := false
	for _, re := range m.include {
		if re.MatchString(url) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, re := range m.exclude {
		if re.MatchString(url) {
			return false
		}
	}
	return true
}

// compileInclude handles @include/@exclude: a /regex/ or a glob where * matches anything.
func compileInclude(kind, pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, &RuleError{Kind: kind, Pattern: pattern, Reason: "empty pattern"}
	}
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			return nil, &RuleError{Kind: kind, Pattern: pattern, Reason: err.Error()}
		}
		return re, nil
	}
	return regexp.MustCompile("^" + globToRegexp(pattern) + "$"), nil
}

var schemes = map[string]bool{"http": true, "https": true, "file": true, "ftp": true, "ws": true, "wss": true}

// compileMatch handles @match patterns of the form scheme://host/path. Any
// port is accepted after the host.
func compileMatch(pattern string) (*regexp.Regexp, error) {
	if pattern == "<all_urls>" {
		return regexp.MustCompile(`^(https?|wss?|ftp|file)://`), nil
	}
	fail := func(reason string) (*regexp.Regexp, error) {
		return nil, &RuleError{Kind: "match", Pattern: pattern, Reason: reason}
	}

	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return fail("missing scheme separator")
	}
	var b strings.Builder
	b.WriteString("^")
	switch {
	case scheme == "*":
		b.WriteString("https?")
	case schemes[scheme]:
		b.WriteString(regexp.QuoteMeta(scheme))
	default:
		return fail("unsupported scheme " + scheme)
	}
	b.WriteString("://")

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return fail("missing path")
	}
	host, path := rest[:slash], rest[slash:]
	switch {
	case host == "*":
		b.WriteString(`[^/]*`)
	case strings.HasPrefix(host, "*."):
		if strings.Contains(host[2:], "*") {
			return fail("wildcard only allowed as the first host label")
		}
		b.WriteString(`([^/]*\.)?`)
		b.WriteString(regexp.QuoteMeta(host[2:]))
		b.WriteString(`(:\d+)?`)
	case strings.Contains(host, "*"):
		return fail("wildcard only allowed as the first host label")
	case host == "" && scheme != "file":
		return fail("missing host")
	default:
		b.WriteString(regexp.QuoteMeta(host))
		if host != "" {
			b.WriteString(`(:\d+)?`)
		}
	}

	b.WriteString(globToRegexp(path))
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func globToRegexp(glob string) string {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, ".*")
}
