package flex

import (
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// registerHelpers adds tag helper functions to the osmdiffstats module
func registerHelpers(L *lua.LState, mod *lua.LTable) {
	L.SetField(mod, "trim", L.NewFunction(luaTrim))
	L.SetField(mod, "lower", L.NewFunction(luaLower))
	L.SetField(mod, "parse_int", L.NewFunction(luaParseInt))
	L.SetField(mod, "parse_bool", L.NewFunction(luaParseBool))
	L.SetField(mod, "has_any", L.NewFunction(luaHasAny))
	L.SetField(mod, "is_area", L.NewFunction(luaIsArea))
}

func luaTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func luaLower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

// luaParseInt parses a tag value to an integer, falling back to the optional
// second argument (default 0)
func luaParseInt(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	def := L.OptInt64(2, 0)

	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		L.Push(lua.LNumber(val))
	} else if fval, err := strconv.ParseFloat(s, 64); err == nil {
		L.Push(lua.LNumber(int64(fval)))
	} else {
		L.Push(lua.LNumber(def))
	}
	return 1
}

// luaParseBool treats yes/true/1/on as true. Any other non-empty value except
// no/false/0/off is true as well, as commonly seen in OSM tags.
func luaParseBool(L *lua.LState) int {
	switch strings.ToLower(strings.TrimSpace(L.CheckString(1))) {
	case "no", "false", "0", "off", "":
		L.Push(lua.LFalse)
	default:
		L.Push(lua.LTrue)
	}
	return 1
}

// luaHasAny reports whether tags contain at least one of the given keys.
// Usage: osmdiffstats.has_any(object.tags, {"highway", "railway"})
func luaHasAny(L *lua.LState) int {
	tags := L.CheckTable(1)
	keys := L.CheckTable(2)

	found := false
	keys.ForEach(func(_, k lua.LValue) {
		if found {
			return
		}
		if v := tags.RawGetString(lua.LVAsString(k)); v != lua.LNil {
			found = true
		}
	})

	L.Push(lua.LBool(found))
	return 1
}

var areaKeys = []string{
	"building", "landuse", "natural", "water", "waterway",
	"leisure", "amenity", "shop", "tourism", "place",
}

// luaIsArea guesses from the tags whether a closed way is an area
func luaIsArea(L *lua.LState) int {
	tags := L.CheckTable(1)
	if !L.OptBool(2, true) {
		L.Push(lua.LFalse)
		return 1
	}

	switch strings.ToLower(lua.LVAsString(tags.RawGetString("area"))) {
	case "yes":
		L.Push(lua.LTrue)
		return 1
	case "no":
		L.Push(lua.LFalse)
		return 1
	}

	for _, key := range areaKeys {
		if lua.LVAsString(tags.RawGetString(key)) != "" {
			L.Push(lua.LTrue)
			return 1
		}
	}

	L.Push(lua.LFalse)
	return 1
}
