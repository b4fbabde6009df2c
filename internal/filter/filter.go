// Package filter reduces a change notification to the modules that matter to
// one userscript instance.
package filter

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zot/hotmonkey/internal/graph"
)

// Matcher decides whether a module identifier is ignored.
type Matcher interface {
	Match(id string) bool
	String() string
}

// Substring ignores identifiers containing s, e.g. a path segment like "vendor/".
type Substring string

func (s Substring) Match(id string) bool { return strings.Contains(id, string(s)) }
func (s Substring) String() string       { return string(s) }

// Regexp ignores identifiers matching a regular expression.
type Regexp struct{ *regexp.Regexp }

func (r Regexp) Match(id string) bool { return r.MatchString(id) }
func (r Regexp) String() string       { return "re:" + r.Regexp.String() }

// Func ignores identifiers for which the predicate returns true.
type Func func(id string) bool

func (f Func) Match(id string) bool { return f(id) }
func (f Func) String() string       { return "func" }

// Glob ignores identifiers matching a doublestar glob. "**" crosses slashes
// and matches zero or more directories, "*" and "?" do not cross slashes. A
// glob without a slash is also tried against the base name.
type Glob struct {
	pattern  string
	baseOnly bool
}

// NewGlob validates a glob pattern.
func NewGlob(pattern string) (*Glob, error) {
	if _, err := doublestar.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	return &Glob{pattern: pattern, baseOnly: !strings.Contains(pattern, "/")}, nil
}

func (g *Glob) Match(id string) bool {
	if ok, err := doublestar.Match(g.pattern, id); err == nil && ok {
		return true
	}
	if !g.baseOnly {
		return false
	}
	ok, err := doublestar.Match(g.pattern, path.Base(id))
	return err == nil && ok
}

func (g *Glob) String() string { return g.pattern }

// Parse builds a matcher from a configuration string: "re:<expr>" or "/<expr>/"
// is a regular expression, a string with glob metacharacters is a glob, and
// anything else is a substring.
func Parse(pattern string) (Matcher, error) {
	switch {
	case pattern == "":
		return nil, fmt.Errorf("empty ignore pattern")
	case strings.HasPrefix(pattern, "re:"):
		re, err := regexp.Compile(pattern[3:])
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
		return Regexp{re}, nil
	case len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/"):
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
		return Regexp{re}, nil
	case strings.ContainsAny(pattern, "*?[{"):
		return NewGlob(pattern)
	default:
		return Substring(pattern), nil
	}
}

// ParseAll parses every configuration string.
func ParseAll(specs []string) ([]Matcher, error) {
	matchers := make([]Matcher, 0, len(specs))
	for _, s := range specs {
		m, err := Parse(s)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// Result is the outcome of reducing one change notification.
type Result struct {
	// Relevant modules are not ignored and reachable from the entry
	Relevant []string
	// Unknown modules are not ignored and absent from the graph
	Unknown []string
	// Ignored modules matched an ignore matcher
	Ignored []string
}

// Empty reports whether nothing remains to be decided.
func (r Result) Empty() bool {
	return len(r.Relevant) == 0 && len(r.Unknown) == 0
}

// Filter applies the ignore list. It is safe for concurrent use once built.
type Filter struct {
	ignore []Matcher
}

// New creates a filter from ignore matchers.
func New(ignore ...Matcher) *Filter {
	return &Filter{ignore: ignore}
}

// Ignored reports whether id matches the ignore list.
func (f *Filter) Ignored(id string) bool {
	for _, m := range f.ignore {
		if m.Match(id) {
			return true
		}
	}
	return false
}

// Reduce classifies the changed modules for an instance rooted at entry.
// Exclusion only looks at the changed module's own identifier: an ignored
// module is dropped even if other modules import it. Changed modules in the
// graph but unreachable from entry belong to other instances and are dropped.
func (f *Filter) Reduce(changed []string, g *graph.Graph, entry string) Result {
	var res Result
	if len(changed) == 0 {
		return res
	}
	reach := g.Reachable(entry)
	seen := make(map[string]bool, len(changed))
	for _, id := range changed {
		if seen[id] {
			continue
		}
		seen[id] = true
		switch {
		case f.Ignored(id):
			res.Ignored = append(res.Ignored, id)
		case !g.Has(id):
			res.Unknown = append(res.Unknown, id)
		case reach[id]:
			res.Relevant = append(res.Relevant, id)
		}
	}
	slices.Sort(res.Relevant)
	slices.Sort(res.Unknown)
	slices.Sort(res.Ignored)
	return res
}
