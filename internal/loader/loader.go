// Package loader applies reload decisions to a userscript instance: it
// re-executes replaced modules, or re-checks the instance's URL rules and
// re-runs it from its entry.
package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/zot/hotmonkey/internal/assets"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/decide"
	"github.com/zot/hotmonkey/internal/graph"
	"github.com/zot/hotmonkey/internal/match"
	"github.com/zot/hotmonkey/internal/registry"
)

// Runner executes modules of one instance.
type Runner interface {
	// Run executes id unless it is live, inserting it into the registry.
	Run(ctx context.Context, id string) error
	// Reset discards the instance's execution environment.
	Reset() error
	SetURL(url string)
}

// Outcome describes what one load did.
type Outcome struct {
	// Ran lists the modules the loader asked the runner to execute
	Ran []string `json:"ran,omitempty"`
	// Attached lists assets newly attached to the page
	Attached []string `json:"attached,omitempty"`
	// Dropped is set when a full reload found the page no longer matching
	Dropped bool `json:"dropped,omitempty"`
	// RuleErr is the rule evaluation failure that caused a drop, if any
	RuleErr error `json:"-"`
}

// Loader reloads one instance.
type Loader struct {
	config *config.Config
	script config.ScriptConfig
	runner Runner
	reg    *registry.Registry
	assets *assets.Set
}

// New creates a loader for script. Assets are attached to the page-wide set.
func New(cfg *config.Config, script config.ScriptConfig, runner Runner, reg *registry.Registry, set *assets.Set) *Loader {
	return &Loader{config: cfg, script: script, runner: runner, reg: reg, assets: set}
}

// Rules returns the instance's URL rules.
func (l *Loader) Rules() match.Rules {
	return Rules(l.script)
}

// Rules converts a script's meta data to URL rules.
func Rules(script config.ScriptConfig) match.Rules {
	return match.Rules{Include: script.Include, Match: script.Match, Exclude: script.Exclude}
}

// Matches reports whether the instance runs on url. A rule error counts as no
// match and is returned alongside.
func (l *Loader) Matches(url string) (bool, error) {
	ok, err := l.Rules().Matches(url)
	return ok && err == nil, err
}

// Start loads the instance for the first time on url.
func (l *Loader) Start(ctx context.Context, url string) (Outcome, error) {
	return l.full(ctx, url)
}

// Apply carries out d after teardown finished. Execution failures do not stop
// the remaining modules; they are returned joined.
func (l *Loader) Apply(ctx context.Context, d decide.Decision, g *graph.Graph, url string) (Outcome, error) {
	switch d.Kind {
	case decide.Partial:
		return l.partial(ctx, d.Modules, g)
	case decide.Full:
		return l.full(ctx, url)
	}
	return Outcome{}, nil
}

func (l *Loader) partial(ctx context.Context, modules []string, g *graph.Graph) (Outcome, error) {
	if g == nil {
		g = graph.New()
	}
	var out Outcome
	var errs []error
	for _, id := range g.DependencyOrder(modules) {
		if l.reg.Live(id) {
			continue
		}
		out.Ran = append(out.Ran, id)
		if err := l.runner.Run(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	l.config.Log(2, "Loader %s: replaced %v", l.script.Name, out.Ran)
	return out, errors.Join(errs...)
}

func (l *Loader) full(ctx context.Context, url string) (Outcome, error) {
	var out Outcome
	ok, err := l.Matches(url)
	if !ok {
		out.Dropped = true
		out.RuleErr = err
		if err != nil {
			l.config.Log(0, "Loader %s: dropping, rule error: %v", l.script.Name, err)
		} else {
			l.config.Log(1, "Loader %s: dropping, %s does not match", l.script.Name, url)
		}
		return out, nil
	}

	if l.assets != nil {
		out.Attached = l.assets.AttachMissing(l.script.Assets)
	}
	if err := l.runner.Reset(); err != nil {
		return out, fmt.Errorf("reset %s: %w", l.script.Name, err)
	}
	l.runner.SetURL(url)
	out.Ran = []string{l.script.Entry}
	if err := l.runner.Run(ctx, l.script.Entry); err != nil {
		return out, err
	}
	l.config.Log(2, "Loader %s: started %s on %s", l.script.Name, l.script.Entry, url)
	return out, nil
}
