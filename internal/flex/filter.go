package flex

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wegman-software/osmdiffstats/internal/logger"
	"github.com/wegman-software/osmdiffstats/internal/osc"
)

// ErrFilterResult is returned when filter() does not return a boolean
var ErrFilterResult = errors.New("filter must return a boolean")

// Filter runs a Lua script deciding which primitives are counted. The script
// defines a global function filter(object) returning true to keep the object.
//
// A Filter is not safe for concurrent use.
type Filter struct {
	L  *lua.LState
	fn lua.LValue
}

// NewFilter creates a Lua state with the osmdiffstats module loaded
func NewFilter() *Filter {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	f := &Filter{L: L}
	f.registerAPI()
	return f
}

// Close releases Lua resources
func (f *Filter) Close() {
	f.L.Close()
}

// registerAPI registers the osmdiffstats Lua module
func (f *Filter) registerAPI() {
	mod := f.L.NewTable()
	mod.RawSetString("version", lua.LString("1.0.0"))

	registerHelpers(f.L, mod)

	f.L.SetGlobal("osmdiffstats", mod)
	f.L.SetGlobal("print", f.L.NewFunction(luaPrint))
}

// LoadFile loads and executes a Lua filter file
func (f *Filter) LoadFile(path string) error {
	if err := f.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to load Lua file: %w", err)
	}
	f.fn = f.L.GetGlobal("filter")
	return nil
}

// LoadString loads and executes Lua code from a string
func (f *Filter) LoadString(code string) error {
	if err := f.L.DoString(code); err != nil {
		return fmt.Errorf("failed to load Lua code: %w", err)
	}
	f.fn = f.L.GetGlobal("filter")
	return nil
}

// HasFilter returns true if the script defines filter()
func (f *Filter) HasFilter() bool {
	return f.fn != nil && f.fn.Type() == lua.LTFunction
}

// Accept calls filter(object) for p. Without a filter function every
// primitive is accepted.
func (f *Filter) Accept(p osc.Primitive) (bool, error) {
	if !f.HasFilter() {
		return true, nil
	}

	if err := f.L.CallByParam(lua.P{
		Fn:      f.fn,
		NRet:    1,
		Protect: true,
	}, f.objectToLua(p)); err != nil {
		return false, fmt.Errorf("lua filter error: %w", err)
	}

	ret := f.L.Get(-1)
	f.L.Pop(1)

	b, ok := ret.(lua.LBool)
	if !ok {
		return false, fmt.Errorf("%w, got %s", ErrFilterResult, ret.Type())
	}
	return bool(b), nil
}

// objectToLua converts a primitive to the table handed to filter()
func (f *Filter) objectToLua(p osc.Primitive) *lua.LTable {
	L := f.L
	meta := p.Meta()
	tbl := L.NewTable()

	tbl.RawSetString("type", lua.LString(p.Kind()))
	tbl.RawSetString("id", lua.LNumber(meta.ID))
	tbl.RawSetString("version", lua.LNumber(meta.Version))
	tbl.RawSetString("changeset", lua.LNumber(meta.ChangesetID))
	tbl.RawSetString("timestamp", lua.LNumber(meta.Timestamp))
	tbl.RawSetString("action", lua.LString(meta.Action))
	if meta.HasUser {
		tbl.RawSetString("user", lua.LString(meta.User))
	}

	tags := L.NewTable()
	for k, v := range meta.Tags {
		tags.RawSetString(k, lua.LString(v))
	}
	tbl.RawSetString("tags", tags)

	switch obj := p.(type) {
	case *osc.Node:
		tbl.RawSetString("lat", lua.LNumber(obj.Lat))
		tbl.RawSetString("lon", lua.LNumber(obj.Lon))
	case *osc.Way:
		nodes := L.NewTable()
		for i, ref := range obj.NodeRefs {
			nodes.RawSetInt(i+1, lua.LNumber(ref))
		}
		tbl.RawSetString("nodes", nodes)
		tbl.RawSetString("is_closed", lua.LBool(len(obj.NodeRefs) > 3 && obj.NodeRefs[0] == obj.NodeRefs[len(obj.NodeRefs)-1]))
	case *osc.Relation:
		members := L.NewTable()
		for i, m := range obj.Members {
			memberTbl := L.NewTable()
			memberTbl.RawSetString("type", lua.LString(memberType(m.Type)))
			memberTbl.RawSetString("ref", lua.LNumber(m.Ref))
			memberTbl.RawSetString("role", lua.LString(m.Role))
			members.RawSetInt(i+1, memberTbl)
		}
		tbl.RawSetString("members", members)
	}

	return tbl
}

func memberType(t osm.Type) string {
	if t == "" {
		return "unknown"
	}
	return string(t)
}

// luaPrint sends print() output to the debug log
func luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	logger.Get().Debug("Lua filter", zap.String("output", strings.Join(parts, "\t")))
	return 0
}
