// Package decide classifies a change notification into a reload decision for
// one userscript instance.
package decide

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/zot/hotmonkey/internal/filter"
	"github.com/zot/hotmonkey/internal/graph"
	"github.com/zot/hotmonkey/internal/registry"
)

// Kind is the reload classification of one cycle.
type Kind int

const (
	NoOp Kind = iota
	Partial
	Full
)

func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case Partial:
		return "partial"
	case Full:
		return "full"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets decisions serialize by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range []Kind{NoOp, Partial, Full} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown decision kind %q", text)
}

// State is the engine's evaluation state.
type State int

const (
	Idle State = iota
	Evaluating
)

func (s State) String() string {
	if s == Evaluating {
		return "evaluating"
	}
	return "idle"
}

// ErrBusy is returned when an evaluation starts while another one runs.
var ErrBusy = errors.New("decision engine is already evaluating a change")

// Decision is the transient result of one evaluation.
type Decision struct {
	Kind Kind `json:"kind"`
	// Modules are the modules to tear down and replace. Empty for NoOp;
	// for Full the loader replaces the whole instance.
	Modules []string `json:"modules,omitempty"`
	Reason  string   `json:"reason"`
}

func (d Decision) String() string {
	if len(d.Modules) == 0 {
		return fmt.Sprintf("%s (%s)", d.Kind, d.Reason)
	}
	return fmt.Sprintf("%s [%s] (%s)", d.Kind, strings.Join(d.Modules, ", "), d.Reason)
}

// Input is what one evaluation looks at.
type Input struct {
	Entry    string
	Changes  filter.Result
	Graph    *graph.Graph
	Registry *registry.Registry
}

// Engine evaluates one change at a time for one instance.
type Engine struct {
	state State
	mu    sync.Mutex
}

// NewEngine creates an idle engine.
func NewEngine() *Engine {
	return &Engine{}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Evaluate runs Idle → Evaluating → decision → Idle.
func (e *Engine) Evaluate(in Input) (Decision, error) {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return Decision{}, ErrBusy
	}
	e.state = Evaluating
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
	}()
	return Decide(in), nil
}

// Decide applies the transition rule.
func Decide(in Input) Decision {
	if in.Changes.Empty() {
		return Decision{Kind: NoOp, Reason: "no relevant module changed"}
	}
	if len(in.Changes.Unknown) > 0 {
		return Decision{
			Kind:   Full,
			Reason: "change references modules missing from the graph: " + strings.Join(in.Changes.Unknown, ", "),
		}
	}

	reg := in.Registry
	// Coarsest wins: one whole-reload request covers every reachable change,
	// including modules the entry has not required yet.
	if whole := reg.AnyWholeReload(); len(whole) > 0 {
		return Decision{Kind: Full, Reason: "whole-instance reload requested by " + strings.Join(whole, ", ")}
	}

	var changed []string
	for _, id := range in.Changes.Relevant {
		if reg.Live(id) {
			changed = append(changed, id)
		}
	}
	if len(changed) == 0 {
		return Decision{Kind: NoOp, Reason: "changed modules are not live"}
	}

	reach := in.Graph.Reachable(in.Entry)
	affected := make(map[string]bool)
	for _, id := range changed {
		if reason, ok := propagate(id, in, reach, affected); !ok {
			return Decision{Kind: Full, Reason: reason}
		}
	}

	modules := make([]string, 0, len(affected))
	for id := range affected {
		modules = append(modules, id)
	}
	slices.Sort(modules)
	return Decision{Kind: Partial, Modules: modules, Reason: "accepted by " + boundaryList(changed, in)}
}

// propagate bubbles a change of id toward the entry. Every module passed on
// the way is added to affected. It fails when a path reaches the entry
// without an accepting boundary.
func propagate(id string, in Input, reach map[string]bool, affected map[string]bool) (string, bool) {
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		affected[cur] = true

		if in.Registry.Accepts(cur, cur) {
			continue
		}
		if cur == in.Entry {
			return fmt.Sprintf("change of %s reached entry %s without acceptance", id, in.Entry), false
		}

		importers := liveImporters(cur, in, reach)
		if len(importers) == 0 {
			return fmt.Sprintf("change of %s has no accepting importer", id), false
		}
		for _, imp := range importers {
			if in.Registry.Accepts(imp, cur) {
				affected[imp] = true
				continue
			}
			queue = append(queue, imp)
		}
	}
	return "", true
}

func liveImporters(id string, in Input, reach map[string]bool) []string {
	var out []string
	for _, imp := range in.Graph.Importers(id) {
		if reach[imp] && in.Registry.Live(imp) {
			out = append(out, imp)
		}
	}
	slices.Sort(out)
	return out
}

func boundaryList(changed []string, in Input) string {
	var names []string
	for _, id := range changed {
		if in.Registry.Accepts(id, id) {
			names = append(names, id+" (self)")
			continue
		}
		for _, imp := range in.Graph.Importers(id) {
			if in.Registry.Accepts(imp, id) {
				names = append(names, imp)
			}
		}
	}
	if len(names) == 0 {
		return "ancestors"
	}
	return strings.Join(names, ", ")
}
