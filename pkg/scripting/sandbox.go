package scripting

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/swarmmem/swarmmem/pkg/log"
)

// setupSandbox configures a restricted sandbox environment for Lua scripts.
// It selectively opens only safe libraries and removes dangerous functions.
func setupSandbox(L *lua.LState) {
	// Base library plus the safe standard libraries
	lua.OpenBase(L)
	lua.OpenString(L)
	lua.OpenTable(L)
	lua.OpenMath(L)

	// Explicitly make unsafe modules and loaders unavailable
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("collectgarbage", lua.LNil)

	// Route print through our logger
	L.SetGlobal("print", L.NewFunction(safePrint))
}

// safePrint logs print() output from scripts instead of writing to stdout.
func safePrint(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]interface{}, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.Get(i).String())
	}
	log.Debug("Lua print", "values", parts)
	return 0
}
