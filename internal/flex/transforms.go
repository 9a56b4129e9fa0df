package flex

import (
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// RegisterTransforms registers tag helper functions as api.transforms and
// a few of them as globals
func RegisterTransforms(L *lua.LState, api *lua.LTable) {
	fns := map[string]lua.LGFunction{
		"trim":         luaTrim,
		"lower":        luaLower,
		"clean_spaces": luaCleanSpaces,
		"parse_int":    luaParseInt,
		"parse_bool":   luaParseBool,
		"get_name":     luaGetName,
		"filter_tags":  luaFilterTags,
	}

	transforms := L.NewTable()
	for name, fn := range fns {
		L.SetField(transforms, name, L.NewFunction(fn))
	}
	L.SetField(api, "transforms", transforms)

	for _, name := range []string{"trim", "parse_int", "parse_bool", "get_name"} {
		L.SetGlobal(name, L.NewFunction(fns[name]))
	}
}

func luaTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func luaLower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

// luaCleanSpaces collapses whitespace runs and trims
func luaCleanSpaces(L *lua.LState) int {
	s := whitespaceRegex.ReplaceAllString(L.CheckString(1), " ")
	L.Push(lua.LString(strings.TrimSpace(s)))
	return 1
}

// luaParseInt parses an integer, truncating decimals, falling back to the
// optional second argument (default 0)
func luaParseInt(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	def := L.OptInt64(2, 0)

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		L.Push(lua.LNumber(v))
	} else if f, err := strconv.ParseFloat(s, 64); err == nil {
		L.Push(lua.LNumber(int64(f)))
	} else {
		L.Push(lua.LNumber(def))
	}
	return 1
}

// luaParseBool follows OSM usage: explicit negatives and empty are false,
// any other value is true
func luaParseBool(L *lua.LState) int {
	switch strings.ToLower(strings.TrimSpace(L.CheckString(1))) {
	case "no", "false", "0", "off", "":
		L.Push(lua.LFalse)
	default:
		L.Push(lua.LTrue)
	}
	return 1
}

// luaGetName returns the first non-empty of name, int_name and name:en
func luaGetName(L *lua.LState) int {
	tags := L.CheckTable(1)
	for _, key := range []string{"name", "int_name", "name:en"} {
		if s := lua.LVAsString(L.GetField(tags, key)); s != "" {
			L.Push(lua.LString(s))
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// luaFilterTags returns a new table with only the listed keys
func luaFilterTags(L *lua.LState) int {
	tags := L.CheckTable(1)
	keys := L.CheckTable(2)

	keep := make(map[string]bool)
	keys.ForEach(func(_, v lua.LValue) {
		if s := lua.LVAsString(v); s != "" {
			keep[s] = true
		}
	})

	result := L.NewTable()
	tags.ForEach(func(k, v lua.LValue) {
		if keep[lua.LVAsString(k)] {
			L.SetField(result, lua.LVAsString(k), v)
		}
	})
	L.Push(result)
	return 1
}
