package flex

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/element"
	"github.com/wegman-software/osmgraph-go/internal/logger"
)

// Runtime runs a Lua tag transform script.
//
// The script may define osmgraph.process_node, osmgraph.process_way and
// osmgraph.process_relation. Each is called with an object table
// {id = ..., type = ..., tags = {...}} and decides the entity's fate:
//
//	return false     -- drop the entity
//	return {k = v}   -- keep it with these tags
//	return nil       -- keep it with object.tags, which may have been edited
//
// Kinds without a callback are kept unchanged.
type Runtime struct {
	L         *lua.LState
	mu        sync.Mutex
	callbacks map[element.Kind]lua.LValue
}

// NewRuntime creates a Lua state with the osmgraph API registered
func NewRuntime() *Runtime {
	r := &Runtime{
		L:         lua.NewState(),
		callbacks: make(map[element.Kind]lua.LValue),
	}
	r.registerAPI()
	return r
}

// Close releases Lua resources
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.L.Close()
	return nil
}

func (r *Runtime) registerAPI() {
	api := r.L.NewTable()
	api.RawSetString("version", lua.LString("1"))
	r.L.SetGlobal("osmgraph", api)

	RegisterTransforms(r.L, api)

	r.L.SetGlobal("print", r.L.NewFunction(luaPrint))
}

// LoadFile loads and executes a Lua script
func (r *Runtime) LoadFile(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to load Lua file: %w", err)
	}
	r.extractCallbacks()
	return nil
}

// LoadString loads and executes Lua source
func (r *Runtime) LoadString(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.L.DoString(code); err != nil {
		return fmt.Errorf("failed to execute Lua code: %w", err)
	}
	r.extractCallbacks()
	return nil
}

func (r *Runtime) extractCallbacks() {
	api, ok := r.L.GetGlobal("osmgraph").(*lua.LTable)
	if !ok {
		return
	}
	for kind, name := range map[element.Kind]string{
		element.KindNode:     "process_node",
		element.KindWay:      "process_way",
		element.KindRelation: "process_relation",
	} {
		if fn := api.RawGetString(name); fn.Type() == lua.LTFunction {
			r.callbacks[kind] = fn
		} else {
			delete(r.callbacks, kind)
		}
	}
}

// Has reports whether the script handles the given kind
func (r *Runtime) Has(kind element.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.callbacks[kind]
	return ok
}

// Process runs the callback for kind. A Lua error is returned as is; the
// caller decides whether it is fatal.
func (r *Runtime) Process(kind element.Kind, id int64, tags element.Tags) (element.Tags, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn, ok := r.callbacks[kind]
	if !ok {
		return tags, true, nil
	}

	obj := r.L.NewTable()
	obj.RawSetString("id", lua.LNumber(id))
	obj.RawSetString("type", lua.LString(kind))
	luaTags := tagsToLua(r.L, tags)
	obj.RawSetString("tags", luaTags)

	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, obj); err != nil {
		return nil, false, fmt.Errorf("lua callback error for %s: %w", element.FeatureID(kind, id), err)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return tagsFromLua(luaTags), true, nil
	case lua.LBool:
		if !bool(v) {
			return nil, false, nil
		}
		return tagsFromLua(luaTags), true, nil
	case *lua.LTable:
		return tagsFromLua(v), true, nil
	}
	return nil, false, fmt.Errorf("lua callback for %s returned %s, want table, boolean or nil",
		element.FeatureID(kind, id), ret.Type())
}

func tagsToLua(L *lua.LState, tags element.Tags) *lua.LTable {
	tbl := L.CreateTable(0, len(tags))
	for k, v := range tags {
		tbl.RawSetString(k, lua.LString(v))
	}
	return tbl
}

// tagsFromLua converts a Lua table back to tags. Non-string keys are
// ignored; numbers and booleans are rendered as strings.
func tagsFromLua(tbl *lua.LTable) element.Tags {
	var tags element.Tags
	tbl.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		switch v.(type) {
		case lua.LString, lua.LNumber, lua.LBool:
		default:
			return
		}
		if tags == nil {
			tags = make(element.Tags)
		}
		tags[string(key)] = v.String()
	})
	return tags
}

func luaPrint(L *lua.LState) int {
	args := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		args = append(args, L.ToStringMeta(L.Get(i)).String())
	}
	logger.Get().Info("lua", zap.Strings("args", args))
	return 0
}
