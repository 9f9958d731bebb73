package scripting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/swarmmem/swarmmem/pkg/log"
)

// LuaEngine implements Engine over a single gopher-lua state. The state is
// not goroutine-safe, so every call is serialized behind a mutex; hook
// execution is short by construction (bounded by ScriptTimeoutMs).
type LuaEngine struct {
	mu     sync.Mutex
	state  *lua.LState
	config Config
	closed bool
}

// NewLuaEngine creates a Lua engine with the given configuration.
func NewLuaEngine(config Config) *LuaEngine {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	if config.EnableSandboxing {
		setupSandbox(L)
	} else {
		L.OpenLibs()
	}
	registerAPIFunctions(L)

	return &LuaEngine{
		state:  L,
		config: config,
	}
}

// LoadScript loads a Lua script with the given name and content.
func (e *LuaEngine) LoadScript(name string, content []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("scripting engine is closed")
	}

	fn, err := e.state.Load(strings.NewReader(string(content)), name)
	if err != nil {
		return fmt.Errorf("failed to load script %s: %w", name, err)
	}
	e.state.Push(fn)
	if err := e.state.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("failed to run script %s: %w", name, err)
	}

	log.Debug("Loaded Lua script", "name", name, "bytes", len(content))
	return nil
}

// LoadScriptFile loads a Lua script from a file path.
func (e *LuaEngine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script file %s: %w", path, err)
	}
	return e.LoadScript(filepath.Base(path), content)
}

// LoadScriptDir loads all .lua scripts from a directory, in name order.
func (e *LuaEngine) LoadScriptDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read script directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		if err := e.LoadScriptFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteFunction calls a previously loaded Lua function.
func (e *LuaEngine) ExecuteFunction(ctx context.Context, funcName string, args ...interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("scripting engine is closed")
	}

	fn := e.state.GetGlobal(funcName)
	if fn == lua.LNil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, funcName)
	}

	// Bound execution time
	if e.config.ScriptTimeoutMs > 0 {
		timeout := time.Duration(e.config.ScriptTimeoutMs) * time.Millisecond
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	e.state.SetContext(ctx)
	defer e.state.RemoveContext()

	e.state.Push(fn)
	for _, arg := range args {
		e.state.Push(convertGoToLua(e.state, arg))
	}
	if err := e.state.PCall(len(args), 1, nil); err != nil {
		return nil, fmt.Errorf("error executing %s: %w", funcName, err)
	}

	result := e.state.Get(-1)
	e.state.Pop(1)
	return convertLuaToGo(result), nil
}

// Close releases the Lua state.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.state.Close()
		e.closed = true
	}
	return nil
}

// convertGoToLua converts a Go value to its Lua representation.
func convertGoToLua(L *lua.LState, value interface{}) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []interface{}:
		table := L.NewTable()
		for i, item := range v {
			table.RawSetInt(i+1, convertGoToLua(L, item))
		}
		return table
	case map[string]interface{}:
		table := L.NewTable()
		for key, item := range v {
			table.RawSetString(key, convertGoToLua(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// convertLuaToGo converts a Lua value back to a Go value. Tables with only
// sequential integer keys become slices; everything else becomes a map.
func convertLuaToGo(value lua.LValue) interface{} {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		length := v.Len()
		if length > 0 {
			slice := make([]interface{}, 0, length)
			for i := 1; i <= length; i++ {
				slice = append(slice, convertLuaToGo(v.RawGetInt(i)))
			}
			return slice
		}
		m := make(map[string]interface{})
		v.ForEach(func(key, item lua.LValue) {
			m[key.String()] = convertLuaToGo(item)
		})
		return m
	default:
		return v.String()
	}
}
