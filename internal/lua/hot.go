package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/report"
)

// WildcardAccept is the acceptance pattern modules may not use.
const WildcardAccept = "*"

// hotContext builds the table passed to a module chunk as its first argument.
//
//	local hot = ...
//	hot.dispose(function(data) ... end)  -- teardown, most recent first
//	hot.accept()                         -- self-accept
//	hot.accept("dep")                    -- accept updates of an exact import
//	hot.reloadWhole()                    -- any change reloads the whole instance
//	hot.log("fmt", ...)                  -- report sink
//	hot.id, hot.url, hot.instance        -- identity
//	hot.data                             -- survives partial replacement
func (s *Session) hotContext(id string) *lua.LTable {
	L := s.State
	hot := L.NewTable()
	L.SetField(hot, "id", lua.LString(id))
	L.SetField(hot, "url", lua.LString(s.URL()))
	L.SetField(hot, "instance", lua.LString(s.Name))
	data := s.moduleData(id)
	L.SetField(hot, "data", data)

	L.SetField(hot, "dispose", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		s.reg.RegisterDispose(id, s.disposer(id, fn, data))
		return 0
	}))

	L.SetField(hot, "accept", L.NewFunction(func(L *lua.LState) int {
		if L.GetTop() == 0 || L.Get(1) == lua.LNil {
			s.reg.Accept(id, id)
			return 0
		}
		dep := L.CheckString(1)
		if dep == WildcardAccept {
			report.Emit(s.sink, s.Name, s.currentCycle(), report.KindLog, []string{id},
				"wildcard acceptance ignored; name the accepted module")
			return 0
		}
		s.reg.Accept(id, bundler.Normalize(dep))
		return 0
	}))

	L.SetField(hot, "reloadWhole", L.NewFunction(func(L *lua.LState) int {
		s.reg.RequestWholeReload(id)
		return 0
	}))

	L.SetField(hot, "log", L.NewFunction(func(L *lua.LState) int {
		format := L.CheckString(1)
		args := make([]interface{}, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, LuaToGo(L.Get(i)))
		}
		report.Emit(s.sink, s.Name, s.currentCycle(), report.KindLog, []string{id}, format, args...)
		return 0
	}))
	return hot
}

// disposer wraps a Lua dispose callback so teardown can call it from any
// goroutine; the call itself runs on the executor.
func (s *Session) disposer(id string, fn *lua.LFunction, data *lua.LTable) func() error {
	return func() error {
		_, err := s.execute(func() (interface{}, error) {
			if err := s.State.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, data); err != nil {
				return nil, fmt.Errorf("%s dispose: %w", id, err)
			}
			return nil, nil
		})
		return err
	}
}
