package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value to Go.
// Fields prefixed with "_" are skipped (internal/private fields).
// Functions and other non-data values become nil.
func LuaToGo(val lua.LValue) interface{} {
	return luaToGo(val, make(map[*lua.LTable]bool))
}

func luaToGo(val lua.LValue, seen map[*lua.LTable]bool) interface{} {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)

		// Count numeric and string keys to determine if array or map
		hasNumericKeys := false
		hasStringKeys := false
		maxN := 0
		v.ForEach(func(key, _ lua.LValue) {
			if n, ok := key.(lua.LNumber); ok {
				hasNumericKeys = true
				if int(n) > maxN {
					maxN = int(n)
				}
			} else if ks, ok := key.(lua.LString); ok {
				if !strings.HasPrefix(string(ks), "_") {
					hasStringKeys = true
				}
			}
		})

		// Pure array (only numeric keys)
		if hasNumericKeys && !hasStringKeys && maxN > 0 {
			arr := make([]interface{}, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = luaToGo(v.RawGetInt(i), seen)
			}
			return arr
		}

		m := make(map[string]interface{})
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok {
				keyStr := string(ks)
				if !strings.HasPrefix(keyStr, "_") {
					m[keyStr] = luaToGo(value, seen)
				}
			}
		})
		return m
	default:
		return nil
	}
}
