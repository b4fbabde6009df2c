// Package lua runs userscript modules. Each userscript instance gets its own
// Session with a separate Lua VM state; all Lua work for a session happens on
// that session's executor goroutine.
package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/registry"
	"github.com/zot/hotmonkey/internal/report"
)

// WorkItem represents a unit of work for the executor.
type WorkItem struct {
	fn     func() (interface{}, error)
	result chan WorkResult
}

// WorkResult holds the result of a work item.
type WorkResult struct {
	Value interface{}
	Err   error
}

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("lua session closed")

// ExecError is a module that failed to fetch or execute.
type ExecError struct {
	Module string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("module %s: %v", e.Module, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Session is the Lua side of one userscript instance.
type Session struct {
	// Name is the userscript instance name
	Name string

	State  *lua.LState
	config *config.Config
	source bundler.Fetcher
	reg    *registry.Registry
	sink   report.Sink

	// exports of executed modules; a module being executed maps to its
	// placeholder so circular requires terminate
	loaded  map[string]lua.LValue
	loading map[string]bool
	// data survives partial replacement of a module
	data map[string]*lua.LTable

	url   string
	cycle string
	ctx   context.Context

	executorChan chan WorkItem
	done         chan struct{}
	closeOnce    sync.Once
	mu           sync.RWMutex
}

// NewSession creates a session whose modules come from source and whose
// bookkeeping goes to reg.
func NewSession(cfg *config.Config, name string, source bundler.Fetcher, reg *registry.Registry, sink report.Sink) *Session {
	s := &Session{
		Name:         name,
		config:       cfg,
		source:       source,
		reg:          reg,
		sink:         sink,
		ctx:          context.Background(),
		executorChan: make(chan WorkItem, 100),
		done:         make(chan struct{}),
	}
	s.resetState()
	s.startExecutor()
	return s
}

// startExecutor creates the goroutine that processes work items.
func (s *Session) startExecutor() {
	go func() {
		for {
			select {
			case <-s.done:
				return
			case work := <-s.executorChan:
				result, err := s.protect(work.fn)
				work.result <- WorkResult{Value: result, Err: err}
			}
		}
	}()
}

// protect runs fn, turning a Go panic into an error so one bad module cannot
// take the executor down.
func (s *Session) protect(fn func() (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.config.Log(0, "Session %s: PANIC: %v", s.Name, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// execute queues a function on the executor and blocks until complete.
func (s *Session) execute(fn func() (interface{}, error)) (interface{}, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	result := make(chan WorkResult, 1)
	select {
	case <-s.done:
		return nil, ErrClosed
	case s.executorChan <- WorkItem{fn: fn, result: result}:
	}
	select {
	case <-s.done:
		return nil, ErrClosed
	case res := <-result:
		return res.Value, res.Err
	}
}

// resetState replaces the VM with a fresh one. Only the executor, or the
// constructor before it starts, may call it.
func (s *Session) resetState() {
	if s.State != nil {
		s.State.Close()
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			s.config.Log(0, "Session %s: cannot open %s: %v", s.Name, lib.name, err)
		}
	}
	s.State = L
	s.loaded = make(map[string]lua.LValue)
	s.loading = make(map[string]bool)
	s.data = make(map[string]*lua.LTable)
	s.registerRequire()
	s.registerPrint()
}

// SetURL sets the page URL modules see as hot.url.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// URL returns the page URL.
func (s *Session) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

// SetCycle tags subsequent reports with a reload cycle identifier.
func (s *Session) SetCycle(cycle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle = cycle
}

func (s *Session) currentCycle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycle
}

// Run executes module id unless it is already live. The module is inserted
// into the registry before its body runs, so callbacks registered by a
// module that fails part way are still drained later.
func (s *Session) Run(ctx context.Context, id string) error {
	_, err := s.execute(func() (interface{}, error) {
		if s.reg.Live(id) {
			return nil, nil
		}
		s.ctx = ctx
		s.State.SetContext(ctx)
		defer func() {
			s.State.RemoveContext()
			s.ctx = context.Background()
		}()
		_, err := s.require(id)
		return nil, err
	})
	return err
}

// Reset discards every module and starts a fresh VM.
func (s *Session) Reset() error {
	_, err := s.execute(func() (interface{}, error) {
		s.resetState()
		return nil, nil
	})
	return err
}

// Exports returns a module's exports converted to Go values.
func (s *Session) Exports(id string) (interface{}, error) {
	return s.execute(func() (interface{}, error) {
		v, ok := s.loaded[id]
		if !ok || !s.reg.Live(id) {
			return nil, fmt.Errorf("module %s is not live", id)
		}
		return LuaToGo(v), nil
	})
}

// Eval runs a chunk in the session and returns its first result.
func (s *Session) Eval(ctx context.Context, code string) (interface{}, error) {
	return s.execute(func() (interface{}, error) {
		L := s.State
		fn, err := L.LoadString(code)
		if err != nil {
			return nil, fmt.Errorf("failed to load code: %w", err)
		}
		L.SetContext(ctx)
		defer L.RemoveContext()
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			return nil, fmt.Errorf("failed to execute code: %w", err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		return LuaToGo(ret), nil
	})
}

// Close stops the executor and closes the VM. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.execute(func() (interface{}, error) {
			s.State.Close()
			return nil, nil
		})
		close(s.done)
	})
}

// require loads id on the executor, returning cached exports when the module
// is already live.
func (s *Session) require(id string) (lua.LValue, error) {
	if s.loading[id] {
		return s.loaded[id], nil
	}
	if s.reg.Live(id) {
		if v, ok := s.loaded[id]; ok {
			return v, nil
		}
		return lua.LNil, &ExecError{Module: id, Err: errors.New("module failed to execute")}
	}
	s.reg.Insert(id)

	code, err := s.source.Fetch(s.ctx, id)
	if err != nil {
		return lua.LNil, &ExecError{Module: id, Err: err}
	}

	L := s.State
	fn, err := L.Load(strings.NewReader(code), id)
	if err != nil {
		return lua.LNil, &ExecError{Module: id, Err: err}
	}

	// Mark as loaded BEFORE executing (handles circular dependencies)
	s.loaded[id] = lua.LTrue
	s.loading[id] = true
	defer delete(s.loading, id)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, s.hotContext(id)); err != nil {
		delete(s.loaded, id)
		return lua.LNil, &ExecError{Module: id, Err: err}
	}
	result := L.Get(-1)
	L.Pop(1)
	if result == lua.LNil {
		result = lua.LTrue
	}
	s.loaded[id] = result
	s.config.Log(3, "Session %s: executed %s", s.Name, id)
	return result, nil
}

func (s *Session) registerRequire() {
	L := s.State
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		id := bundler.Normalize(L.CheckString(1))
		result, err := s.require(id)
		if err != nil {
			L.RaiseError("error loading module '%s': %v", id, err)
			return 0
		}
		L.Push(result)
		return 1
	}))
}

// registerPrint sends print output to the report sink.
func (s *Session) registerPrint() {
	L := s.State
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		report.Emit(s.sink, s.Name, s.currentCycle(), report.KindLog, nil, "%s", strings.Join(parts, "\t"))
		return 0
	}))
}

// moduleData returns the data table carried across replacements of id.
func (s *Session) moduleData(id string) *lua.LTable {
	tbl, ok := s.data[id]
	if !ok {
		tbl = s.State.NewTable()
		s.data[id] = tbl
	}
	return tbl
}
