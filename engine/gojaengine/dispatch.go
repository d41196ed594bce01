package gojaengine

import (
	"github.com/dop251/goja"

	"github.com/feather-lang/hostbridge/engine"
)

// dynamicDispatch presents an engine.Dispatcher to goja as a property bag.
type dynamicDispatch struct {
	e   *Engine
	rt  *goja.Runtime
	ctx engine.Context
	d   engine.Dispatcher
}

var _ goja.DynamicObject = (*dynamicDispatch)(nil)

func (o *dynamicDispatch) Get(key string) goja.Value {
	h, err := o.d.DispatchGet(o.ctx, key)
	if err != nil {
		panic(o.rt.NewGoError(err))
	}
	return o.e.take(h)
}

// Set reports false for rejected writes; strict-mode script turns that into
// a TypeError.
func (o *dynamicDispatch) Set(key string, val goja.Value) bool {
	h := o.e.handles.allocate(o.ctx, val)
	return o.d.DispatchSet(o.ctx, key, h) == nil
}

func (o *dynamicDispatch) Has(key string) bool {
	return o.d.DispatchHas(o.ctx, key)
}

func (o *dynamicDispatch) Delete(key string) bool { return false }

func (o *dynamicDispatch) Keys() []string { return nil }
