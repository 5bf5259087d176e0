package query

import (
	"fmt"
	"reflect"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// Script is a compiled Lua filter expression such as
// `item.completed == false and item.priority > 2`.
type Script struct {
	state *lua.LState
	fn    *lua.LFunction
}

// CompileScript compiles a Lua boolean expression. The row is visible as
// `item`. Only the base and string libraries are loaded.
func CompileScript(src string) (*Script, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	fn, err := L.LoadString("local item = ...\nreturn (" + src + ")")
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: script: %v", ErrInvalid, err)
	}
	return &Script{state: L, fn: fn}, nil
}

// Match evaluates the expression against item.
func (s *Script) Match(item Item) (bool, error) {
	L := s.state
	L.Push(s.fn)
	L.Push(toLua(L, item))
	if err := L.PCall(1, 1, nil); err != nil {
		return false, fmt.Errorf("script: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// Close releases the Lua state.
func (s *Script) Close() {
	if s.state != nil {
		s.state.Close()
		s.state = nil
	}
}

// toLua converts decoded JSON-ish values into Lua values.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, x[k]))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, e := range x {
			t.RawSetInt(i+1, toLua(L, e))
		}
		return t
	}
	if f, ok := toFloat(v); ok {
		return lua.LNumber(f)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		t := L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, toLua(L, rv.Index(i).Interface()))
		}
		return t
	}
	return lua.LString(fmt.Sprint(v))
}
