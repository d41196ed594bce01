// Package gojaengine binds the engine surface to the goja JavaScript runtime.
//
// Each execution context is a separate goja runtime whose global object is
// also reachable as the identifier "global". Import the package for its side
// effect to make it available through engine.New:
//
//	import _ "github.com/feather-lang/hostbridge/engine/gojaengine"
package gojaengine

import (
	"errors"
	"fmt"
	"math"

	"github.com/dop251/goja"

	"github.com/feather-lang/hostbridge/engine"
)

// Name is the name the binding registers under.
const Name = "goja"

func init() {
	engine.Register(Name, func() (engine.Engine, error) {
		return New(), nil
	})
}

type realm struct {
	rt      *goja.Runtime
	retains int

	dispatchObjects map[engine.Dispatcher]*goja.Object
	dispatchers     map[*goja.Object]engine.Dispatcher
	callableObjects map[engine.Callable]*goja.Object
	callables       map[*goja.Object]engine.Callable
}

// Engine implements engine.Engine on goja.
type Engine struct {
	prim    *goja.Runtime // mints primitive values shared by all contexts
	handles *handleTable
	realms  map[engine.Context]*realm
	nextCtx engine.Context
	stack   []engine.Context
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine with no contexts.
func New() *Engine {
	prim := goja.New()
	return &Engine{
		prim:    prim,
		handles: newHandleTable(prim),
		realms:  make(map[engine.Context]*realm),
		nextCtx: 1,
	}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) NewContext() (engine.Context, error) {
	rt := goja.New()
	rt.Set("global", rt.GlobalObject())

	ctx := e.nextCtx
	e.nextCtx++
	e.realms[ctx] = &realm{
		rt:              rt,
		retains:         1,
		dispatchObjects: make(map[engine.Dispatcher]*goja.Object),
		dispatchers:     make(map[*goja.Object]engine.Dispatcher),
		callableObjects: make(map[engine.Callable]*goja.Object),
		callables:       make(map[*goja.Object]engine.Callable),
	}
	return ctx, nil
}

func (e *Engine) realm(ctx engine.Context) (*realm, error) {
	r, ok := e.realms[ctx]
	if !ok {
		return nil, fmt.Errorf("context %d: %w", ctx, engine.ErrUnknownContext)
	}
	return r, nil
}

func (e *Engine) RetainContext(ctx engine.Context) error {
	r, err := e.realm(ctx)
	if err != nil {
		return err
	}
	r.retains++
	return nil
}

// ReleaseContext drops one retain. The last release frees the runtime and
// every handle allocated in it.
func (e *Engine) ReleaseContext(ctx engine.Context) error {
	r, err := e.realm(ctx)
	if err != nil {
		return err
	}
	r.retains--
	if r.retains > 0 {
		return nil
	}
	e.handles.releaseContext(ctx)
	delete(e.realms, ctx)
	return nil
}

func (e *Engine) GlobalObject(ctx engine.Context) (engine.Handle, error) {
	r, err := e.realm(ctx)
	if err != nil {
		return engine.InvalidHandle, err
	}
	return e.handles.allocate(ctx, r.rt.GlobalObject()), nil
}

func (e *Engine) PushContext(ctx engine.Context) {
	e.stack = append(e.stack, ctx)
}

func (e *Engine) PopContext() {
	if len(e.stack) == 0 {
		panic(engine.ErrContextUnderflow)
	}
	e.stack = e.stack[:len(e.stack)-1]
}

func (e *Engine) CurrentContext() (engine.Context, bool) {
	if len(e.stack) == 0 {
		return 0, false
	}
	return e.stack[len(e.stack)-1], true
}

func (e *Engine) Protect(h engine.Handle)         { e.handles.protect(h) }
func (e *Engine) Unprotect(h engine.Handle)       { e.handles.unprotect(h) }
func (e *Engine) ProtectCount(h engine.Handle) int { return e.handles.count(h) }

// LiveHandles reports how many non-reserved handles are currently protected.
func (e *Engine) LiveHandles() int { return e.handles.live() }

func (e *Engine) Undefined() engine.Handle { return e.handles.reserved(handleUndefined) }
func (e *Engine) Null() engine.Handle      { return e.handles.reserved(handleNull) }

func (e *Engine) NewBoolean(b bool) engine.Handle {
	if b {
		return e.handles.reserved(handleTrue)
	}
	return e.handles.reserved(handleFalse)
}

func (e *Engine) NewNumber(f float64) engine.Handle {
	return e.handles.allocate(0, e.prim.ToValue(f))
}

func (e *Engine) NewString(s string) engine.Handle {
	return e.handles.allocate(0, e.prim.ToValue(s))
}

func (e *Engine) NewData(ctx engine.Context, v any) (engine.Handle, error) {
	r, err := e.realm(ctx)
	if err != nil {
		return engine.InvalidHandle, err
	}
	return e.handles.allocate(ctx, r.rt.ToValue(v)), nil
}

// value returns the script value for h, or undefined for a dead handle.
func (e *Engine) value(h engine.Handle) goja.Value {
	s, ok := e.handles.get(h)
	if !ok {
		return goja.Undefined()
	}
	return s.value
}

// take returns the value for h and drops the protection the caller owned.
func (e *Engine) take(h engine.Handle) goja.Value {
	v := e.value(h)
	e.handles.unprotect(h)
	return v
}

func (e *Engine) dispatcherOf(h engine.Handle) (engine.Dispatcher, bool) {
	s, ok := e.handles.get(h)
	if !ok {
		return nil, false
	}
	obj, ok := s.value.(*goja.Object)
	if !ok {
		return nil, false
	}
	r, ok := e.realms[s.ctx]
	if !ok {
		return nil, false
	}
	d, ok := r.dispatchers[obj]
	return d, ok
}

func (e *Engine) Kind(h engine.Handle) engine.Kind {
	v := e.value(h)
	switch {
	case goja.IsUndefined(v):
		return engine.KindUndefined
	case goja.IsNull(v):
		return engine.KindNull
	}
	if _, ok := v.(*goja.Object); ok {
		if _, ok := e.dispatcherOf(h); ok {
			return engine.KindHost
		}
		return engine.KindObject
	}
	switch v.Export().(type) {
	case bool:
		return engine.KindBoolean
	case int64, float64:
		return engine.KindNumber
	case string:
		return engine.KindString
	default:
		return engine.KindObject
	}
}

func (e *Engine) ToBoolean(h engine.Handle) bool { return e.value(h).ToBoolean() }

// ToNumber converts h like script's Number(). Objects without a primitive
// form yield NaN.
func (e *Engine) ToNumber(h engine.Handle) (f float64) {
	defer func() {
		if recover() != nil {
			f = math.NaN()
		}
	}()
	return e.value(h).ToFloat()
}

// ToString converts h like script's String(). Wrapped dispatchers that
// implement fmt.Stringer format themselves.
func (e *Engine) ToString(h engine.Handle) (s string) {
	if d, ok := e.dispatcherOf(h); ok {
		if str, ok := d.(fmt.Stringer); ok {
			return str.String()
		}
		return "[object Host]"
	}
	defer func() {
		if recover() != nil {
			s = "[object]"
		}
	}()
	return e.value(h).String()
}

func (e *Engine) Export(h engine.Handle) any {
	if d, ok := e.dispatcherOf(h); ok {
		return d
	}
	return e.value(h).Export()
}

func (e *Engine) Execute(ctx engine.Context, source string) (engine.Handle, error) {
	r, err := e.realm(ctx)
	if err != nil {
		return engine.InvalidHandle, err
	}
	res, err := r.rt.RunString(source)
	if err != nil {
		return engine.InvalidHandle, scriptError(err)
	}
	return e.handles.allocate(ctx, res), nil
}

func (e *Engine) InvokeFunction(ctx engine.Context, global engine.Handle, name string, this engine.Handle, args []engine.Handle) (engine.Handle, error) {
	if _, err := e.realm(ctx); err != nil {
		return engine.InvalidHandle, err
	}
	obj, ok := e.value(global).(*goja.Object)
	if !ok {
		return engine.InvalidHandle, fmt.Errorf("global object: %w", engine.ErrNotObject)
	}
	fn, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return engine.InvalidHandle, fmt.Errorf("%w: %s", engine.ErrNotFunction, name)
	}

	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = e.value(a)
	}
	res, err := fn(e.value(this), vals...)
	if err != nil {
		return engine.InvalidHandle, scriptError(err)
	}
	return e.handles.allocate(ctx, res), nil
}

func (e *Engine) WrapDispatch(ctx engine.Context, d engine.Dispatcher) (engine.Handle, error) {
	r, err := e.realm(ctx)
	if err != nil {
		return engine.InvalidHandle, err
	}
	obj, ok := r.dispatchObjects[d]
	if !ok {
		obj = r.rt.NewDynamicObject(&dynamicDispatch{e: e, rt: r.rt, ctx: ctx, d: d})
		r.dispatchObjects[d] = obj
		r.dispatchers[obj] = d
	}
	return e.handles.allocate(ctx, obj), nil
}

func (e *Engine) UnwrapDispatch(h engine.Handle) (engine.Dispatcher, bool) {
	return e.dispatcherOf(h)
}

func (e *Engine) WrapCallable(ctx engine.Context, c engine.Callable) (engine.Handle, error) {
	r, err := e.realm(ctx)
	if err != nil {
		return engine.InvalidHandle, err
	}
	obj, ok := r.callableObjects[c]
	if !ok {
		obj = r.rt.ToValue(func(call goja.FunctionCall) goja.Value {
			this := e.handles.allocate(ctx, call.This)
			args := make([]engine.Handle, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = e.handles.allocate(ctx, a)
			}
			return e.take(c.Invoke(ctx, this, args))
		}).(*goja.Object)
		r.callableObjects[c] = obj
		r.callables[obj] = c
	}
	return e.handles.allocate(ctx, obj), nil
}

func (e *Engine) UnwrapCallable(h engine.Handle) (engine.Callable, bool) {
	s, ok := e.handles.get(h)
	if !ok {
		return nil, false
	}
	obj, ok := s.value.(*goja.Object)
	if !ok {
		return nil, false
	}
	r, ok := e.realms[s.ctx]
	if !ok {
		return nil, false
	}
	c, ok := r.callables[obj]
	return c, ok
}

// Close drops every context. Outstanding handles become dead.
func (e *Engine) Close() error {
	for ctx := range e.realms {
		e.handles.releaseContext(ctx)
		delete(e.realms, ctx)
	}
	e.stack = nil
	return nil
}

func scriptError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg := ex.Error()
		if v := ex.Value(); v != nil {
			msg = v.String()
		}
		return &engine.ScriptError{Message: msg, Stack: ex.String()}
	}
	return &engine.ScriptError{Message: err.Error()}
}
