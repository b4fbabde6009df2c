// Package registry tracks the live modules of one userscript instance and the
// teardown callbacks each of them registered.
package registry

import (
	"slices"
	"sync"
)

// Disposer is a teardown callback registered by module code.
type Disposer func() error

// Record tracks what a single module registered while it executed.
type Record struct {
	// ID is the bundler-assigned module identifier
	ID string
	// Live is set once the module executed and cleared when it is superseded
	Live bool

	disposers   []Disposer
	accepts     map[string]bool
	wholeReload bool
}

func newRecord(id string) *Record {
	return &Record{ID: id, accepts: make(map[string]bool)}
}

// Registry is the Live Module Set of one instance. Readers may run
// concurrently with the instance's cycle goroutine.
type Registry struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

func (r *Registry) record(id string) *Record {
	rec, ok := r.records[id]
	if !ok {
		rec = newRecord(id)
		r.records[id] = rec
	}
	return rec
}

// RegisterDispose pushes fn onto the module's dispose stack.
// The module does not need to be live yet.
func (r *Registry) RegisterDispose(id string, fn Disposer) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(id)
	rec.disposers = append(rec.disposers, fn)
}

// DisposeStack returns the module's callbacks, most recently registered first.
func (r *Registry) DisposeStack(id string) []Disposer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	stack := slices.Clone(rec.disposers)
	slices.Reverse(stack)
	return stack
}

// Clear empties the module's dispose stack.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.disposers = nil
	}
}

// Accept records that id accepts updates of dep. A module accepting itself is
// self-accepting. Acceptance is always for an exact identifier.
func (r *Registry) Accept(id, dep string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(id).accepts[dep] = true
}

// Accepts reports whether id accepts updates of dep.
func (r *Registry) Accepts(id, dep string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return ok && rec.accepts[dep]
}

// RequestWholeReload marks id as requiring whole-instance reload on any change.
func (r *Registry) RequestWholeReload(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(id).wholeReload = true
}

// WholeReload reports whether id requested whole-instance reload.
func (r *Registry) WholeReload(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return ok && rec.wholeReload
}

// AnyWholeReload returns the live modules that requested whole-instance reload.
func (r *Registry) AnyWholeReload() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rec := range r.records {
		if rec.Live && rec.wholeReload {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Insert marks id live. It returns false if the module was already live, so a
// module is never present twice.
func (r *Registry) Insert(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(id)
	if rec.Live {
		return false
	}
	rec.Live = true
	return true
}

// Live reports whether id is in the Live Module Set.
func (r *Registry) Live(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return ok && rec.Live
}

// Remove discards the module's record. Its replacement starts from a fresh one.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Reset discards every record.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Record)
}

// Snapshot returns the live module identifiers, sorted. It is a read-only
// view for status and reporting. A full reload does not restore from it: the
// registry is Reset and the instance gets a fresh Lua state, so the live set
// is rebuilt by re-executing the entry and its requires.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id, rec := range r.records {
		if rec.Live {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Tracked returns every module with a record, live or not, sorted.
func (r *Registry) Tracked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of live modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.Live {
			n++
		}
	}
	return n
}

// Pending returns the number of dispose callbacks registered for id.
func (r *Registry) Pending(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.records[id]; ok {
		return len(rec.disposers)
	}
	return 0
}
