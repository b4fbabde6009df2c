// Package teardown drains the dispose callbacks of superseded modules before
// their replacements run.
package teardown

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zot/hotmonkey/internal/decide"
	"github.com/zot/hotmonkey/internal/graph"
	"github.com/zot/hotmonkey/internal/registry"
)

// DisposeError is one failed dispose callback.
type DisposeError struct {
	Module string
	// Index is the callback's position in drain order, 0 = most recent
	Index int
	Err   error
}

func (e *DisposeError) Error() string {
	return fmt.Sprintf("dispose %s #%d: %v", e.Module, e.Index, e.Err)
}

func (e *DisposeError) Unwrap() error {
	return e.Err
}

// Failures aggregates every dispose failure of one sweep.
type Failures struct {
	Errors []*DisposeError
}

func (f *Failures) Error() string {
	parts := make([]string, len(f.Errors))
	for i, e := range f.Errors {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d dispose callback(s) failed: %s", len(f.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (f *Failures) Unwrap() []error {
	errs := make([]error, len(f.Errors))
	for i, e := range f.Errors {
		errs[i] = e
	}
	return errs
}

// Modules returns the distinct modules that had a failing callback.
func (f *Failures) Modules() []string {
	var ids []string
	for _, e := range f.Errors {
		if !slices.Contains(ids, e.Module) {
			ids = append(ids, e.Module)
		}
	}
	return ids
}

// Result describes one sweep.
type Result struct {
	// Drained lists the targeted modules in the order they were drained
	Drained []string `json:"drained,omitempty"`
	// Callbacks is the number of dispose callbacks invoked
	Callbacks int `json:"callbacks"`
}

// Coordinator tears down modules of one instance.
type Coordinator struct {
	reg *registry.Registry
}

// New creates a coordinator for an instance registry.
func New(reg *registry.Registry) *Coordinator {
	return &Coordinator{reg: reg}
}

// Teardown drains the modules targeted by d. Partial targets d.Modules and
// removes their records; Full targets every tracked module and resets the
// registry. Importers are drained before the modules they import, each stack
// most-recent first. A failing or panicking callback never stops the sweep:
// failures are returned together as *Failures after everything ran.
func (c *Coordinator) Teardown(d decide.Decision, g *graph.Graph) (Result, error) {
	var targets []string
	switch d.Kind {
	case decide.NoOp:
		return Result{}, nil
	case decide.Partial:
		targets = d.Modules
	case decide.Full:
		targets = c.reg.Tracked()
	}

	if g == nil {
		g = graph.New()
	}
	order := g.DependencyOrder(targets)
	slices.Reverse(order)

	var res Result
	var failures []*DisposeError
	for _, id := range order {
		for i, fn := range c.reg.DisposeStack(id) {
			res.Callbacks++
			if err := invoke(fn); err != nil {
				failures = append(failures, &DisposeError{Module: id, Index: i, Err: err})
			}
		}
		c.reg.Clear(id)
		res.Drained = append(res.Drained, id)
	}

	if d.Kind == decide.Full {
		c.reg.Reset()
	} else {
		for _, id := range order {
			c.reg.Remove(id)
		}
	}

	if len(failures) > 0 {
		return res, &Failures{Errors: failures}
	}
	return res, nil
}

// invoke runs one callback, converting a panic into an error.
func invoke(fn registry.Disposer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
