package fleet

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/fleet/internal/directive"
)

// LoadLua executes a Lua fleet script in a sandboxed environment. The script
// calls agent{...} once per roster entry, in order:
//
//	agent{ name = "planner", prompt = "plan the work" }
//	agent{ prompt = "build it", after = {"planner"},
//	       wait_path = "/tmp/status", wait_status = "ready" }
func LoadLua(path string) ([]Entry, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	openSafeLibs(L)

	var entries []Entry

	L.SetGlobal("agent", L.NewFunction(func(L *lua.LState) int {
		tbl := L.CheckTable(1)
		entry := Entry{
			Name:   stringField(tbl, "name"),
			Prompt: stringField(tbl, "prompt"),
		}
		if path, status := stringField(tbl, "wait_path"), stringField(tbl, "wait_status"); path != "" || status != "" {
			entry.Wait = &directive.WaitGate{Path: path, Status: status}
		}
		if after := tbl.RawGetString("after"); after != lua.LNil {
			afterTbl, ok := after.(*lua.LTable)
			if !ok {
				L.RaiseError("agent 'after' must be a table of agent refs")
				return 0
			}
			afterTbl.ForEach(func(_, v lua.LValue) {
				entry.After = append(entry.After, lua.LVAsString(v))
			})
		}
		if err := validate(&entry); err != nil {
			L.RaiseError("agent %d: %v", len(entries)+1, err)
			return 0
		}
		entries = append(entries, entry)
		return 0
	}))

	if err := L.DoString(string(script)); err != nil {
		return nil, fmt.Errorf("fleet script failed: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("fleet script %s defines no agents", path)
	}
	return entries, nil
}

// openSafeLibs loads only the safe standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove functions that reach outside the sandbox.
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func stringField(tbl *lua.LTable, key string) string {
	v := tbl.RawGetString(key)
	if v == lua.LNil {
		return ""
	}
	return lua.LVAsString(v)
}
