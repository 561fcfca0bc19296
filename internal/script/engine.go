// Package script drives pchar devices from Lua scenarios.
//
// The engine registers a global `pchar` table:
//
//	pchar.devices()               -- number of instances
//	pchar.open(index [, owner])   -- session handle; blocks while the device is held
//	pchar.write(h, data)          -- bytes written (blocks while full)
//	pchar.write_all(h, data)      -- loops on short writes
//	pchar.read(h [, n])           -- string of up to n bytes (blocks while empty)
//	pchar.try_read(h [, n])       -- string, "" when empty
//	pchar.info(index)             -- {capacity=, available=, length=}
//	pchar.clear(index)            -- true
//	pchar.resize(index, capacity) -- true
//	pchar.close(h)                -- true
//
// Failures are returned Lua style as (nil, message). Blocking calls give up
// after CallTimeout so a scenario cannot hang forever.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/pchar/internal/pchar"
)

const (
	// DefaultCallTimeout bounds each blocking device call made from Lua.
	DefaultCallTimeout = 5 * time.Second

	defaultReadSize = 4096
)

// ScriptError describes a Lua load or runtime failure.
type ScriptError struct {
	Kind    string // "syntax" or "runtime"
	Source  string
	Message string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("lua %s error in %s: %s", e.Kind, e.Source, e.Message)
}

// Options configures an engine. Zero values use defaults.
type Options struct {
	Output      io.Writer      // print() target, nil = io.Discard
	CallTimeout time.Duration  // 0 = DefaultCallTimeout
	Logger      *logrus.Logger // nil = no-op logger
}

// Engine runs Lua scenarios against a registry. It is safe for concurrent
// use; scripts run one at a time.
type Engine struct {
	mu       sync.Mutex
	state    *lua.State
	registry *pchar.Registry
	logger   *logrus.Logger
	out      io.Writer
	timeout  time.Duration

	ctx        context.Context
	sessions   map[int]*pchar.Session
	nextHandle int
}

// NewEngine creates a Lua state with the standard libraries and the pchar API.
func NewEngine(r *pchar.Registry, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	e := &Engine{
		state:    lua.NewState(),
		registry: r,
		logger:   opts.Logger,
		out:      opts.Output,
		timeout:  opts.CallTimeout,
		ctx:      context.Background(),
		sessions: make(map[int]*pchar.Session),
	}
	if e.logger == nil {
		e.logger = noopLogger
	}
	if e.out == nil {
		e.out = io.Discard
	}
	if e.timeout <= 0 {
		e.timeout = DefaultCallTimeout
	}

	e.state.OpenLibs()
	e.registerPrint()
	e.registerAPI()
	return e
}

// Run executes script. Blocking device calls observe ctx.
func (e *Engine) Run(ctx context.Context, script, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errors.New("lua engine closed")
	}

	e.ctx = ctx
	defer func() { e.ctx = context.Background() }()

	L := e.state
	if status := L.LoadString(script); status != 0 {
		msg := L.ToString(-1)
		L.Pop(1)
		return &ScriptError{Kind: "syntax", Source: name, Message: msg}
	}
	if err := L.Call(0, 0); err != nil {
		return &ScriptError{Kind: "runtime", Source: name, Message: err.Error()}
	}
	return nil
}

// RunFile executes the Lua file at path.
func (e *Engine) RunFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.Run(ctx, string(content), path)
}

// OpenSessions returns the number of sessions scripts left open.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close releases every session left open by scripts and the Lua state.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	handles := make([]int, 0, len(e.sessions))
	for h := range e.sessions {
		handles = append(handles, h)
	}
	sort.Ints(handles)

	var errs []error
	for _, h := range handles {
		errs = append(errs, e.sessions[h].Close())
		delete(e.sessions, h)
	}
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) call() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.timeout)
}

func (e *Engine) registerPrint() {
	e.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			// switch on the type: IsNumber also accepts numeric strings
			switch L.Type(i) {
			case lua.LUA_TNIL:
				parts = append(parts, "nil")
			case lua.LUA_TBOOLEAN:
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case lua.LUA_TNUMBER:
				parts = append(parts, fmt.Sprintf("%v", L.ToNumber(i)))
			case lua.LUA_TSTRING:
				parts = append(parts, L.ToString(i))
			default:
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}
		fmt.Fprintln(e.out, strings.Join(parts, "\t"))
		return 0
	})
	e.state.SetGlobal("print")
}

// pushFailure pushes the (nil, message) pair scripts check with assert().
func pushFailure(L *lua.State, op string, err error) int {
	L.PushNil()
	L.PushString(fmt.Sprintf("%s: %v", op, err))
	return 2
}

func (e *Engine) session(L *lua.State, fn string) (*pchar.Session, int, bool) {
	if L.GetTop() < 1 || !L.IsNumber(1) {
		L.RaiseError(fmt.Sprintf("%s(handle, ...) expects a session handle", fn))
		return nil, 0, false
	}
	h := L.ToInteger(1)
	s, ok := e.sessions[h]
	if !ok {
		pushFailure(L, fn, fmt.Errorf("%w: handle %d", pchar.ErrClosed, h))
		return nil, h, false
	}
	return s, h, true
}

func readSize(L *lua.State, idx int) int {
	if L.GetTop() >= idx && L.IsNumber(idx) {
		return L.ToInteger(idx)
	}
	return defaultReadSize
}

func (e *Engine) registerAPI() {
	L := e.state
	L.NewTable()

	set := func(name string, fn lua.LuaGoFunction) {
		L.PushString(name)
		L.PushGoFunction(fn)
		L.SetTable(-3)
	}

	set("devices", func(L *lua.State) int {
		L.PushInteger(int64(e.registry.Len()))
		return 1
	})

	set("open", func(L *lua.State) int {
		if L.GetTop() < 1 || !L.IsNumber(1) {
			L.RaiseError("open(index [, owner]) expects a device index")
			return 0
		}
		index := L.ToInteger(1)
		owner := "lua"
		if L.GetTop() >= 2 && L.IsString(2) {
			owner = L.ToString(2)
		}
		ctx, cancel := e.call()
		defer cancel()
		s, err := e.registry.Open(ctx, index, owner)
		if err != nil {
			return pushFailure(L, "open", err)
		}
		e.nextHandle++
		e.sessions[e.nextHandle] = s
		e.logger.WithFields(logrus.Fields{"device": s.Device().Name(), "handle": e.nextHandle}).Debug("lua: session opened")
		L.PushInteger(int64(e.nextHandle))
		return 1
	})

	write := func(name string, all bool) lua.LuaGoFunction {
		return func(L *lua.State) int {
			s, _, ok := e.session(L, name)
			if !ok {
				return 2
			}
			if L.GetTop() < 2 || !L.IsString(2) {
				L.RaiseError(fmt.Sprintf("%s(handle, data) expects a string", name))
				return 0
			}
			data := []byte(L.ToString(2))
			ctx, cancel := e.call()
			defer cancel()
			var n int
			var err error
			if all {
				n, err = s.WriteAll(ctx, data)
			} else {
				n, err = s.Write(ctx, data)
			}
			if err != nil {
				return pushFailure(L, name, err)
			}
			L.PushInteger(int64(n))
			return 1
		}
	}
	set("write", write("write", false))
	set("write_all", write("write_all", true))

	set("read", func(L *lua.State) int {
		s, _, ok := e.session(L, "read")
		if !ok {
			return 2
		}
		buf := make([]byte, max(readSize(L, 2), 1))
		ctx, cancel := e.call()
		defer cancel()
		n, err := s.Read(ctx, buf)
		if err != nil {
			return pushFailure(L, "read", err)
		}
		L.PushString(string(buf[:n]))
		return 1
	})

	set("try_read", func(L *lua.State) int {
		s, _, ok := e.session(L, "try_read")
		if !ok {
			return 2
		}
		buf := make([]byte, max(readSize(L, 2), 0))
		n, err := s.TryRead(buf)
		if err != nil {
			return pushFailure(L, "try_read", err)
		}
		L.PushString(string(buf[:n]))
		return 1
	})

	set("close", func(L *lua.State) int {
		s, h, ok := e.session(L, "close")
		if !ok {
			return 2
		}
		delete(e.sessions, h)
		if err := s.Close(); err != nil {
			return pushFailure(L, "close", err)
		}
		L.PushBoolean(true)
		return 1
	})

	device := func(L *lua.State, fn string) (*pchar.Instance, bool) {
		if L.GetTop() < 1 || !L.IsNumber(1) {
			L.RaiseError(fmt.Sprintf("%s(index, ...) expects a device index", fn))
			return nil, false
		}
		inst, err := e.registry.Device(L.ToInteger(1))
		if err != nil {
			pushFailure(L, fn, err)
			return nil, false
		}
		return inst, true
	}

	set("info", func(L *lua.State) int {
		inst, ok := device(L, "info")
		if !ok {
			return 2
		}
		info := inst.Control().QueryInfo()
		L.NewTable()
		for _, kv := range []struct {
			k string
			v int
		}{{"capacity", info.Capacity}, {"available", info.Available}, {"length", info.Length}} {
			L.PushString(kv.k)
			L.PushInteger(int64(kv.v))
			L.SetTable(-3)
		}
		return 1
	})

	set("clear", func(L *lua.State) int {
		inst, ok := device(L, "clear")
		if !ok {
			return 2
		}
		if err := inst.Control().Clear(); err != nil {
			return pushFailure(L, "clear", err)
		}
		L.PushBoolean(true)
		return 1
	})

	set("resize", func(L *lua.State) int {
		inst, ok := device(L, "resize")
		if !ok {
			return 2
		}
		if L.GetTop() < 2 || !L.IsNumber(2) {
			L.RaiseError("resize(index, capacity) expects a capacity")
			return 0
		}
		if err := inst.Control().Resize(L.ToInteger(2)); err != nil {
			return pushFailure(L, "resize", err)
		}
		L.PushBoolean(true)
		return 1
	})

	L.SetGlobal("pchar")
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()
