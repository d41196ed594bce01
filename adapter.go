package hostbridge

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"weak"

	"go.uber.org/zap"

	"github.com/feather-lang/hostbridge/engine"
)

// DispatchAdapter is the script-visible proxy of a HostDispatch. Script
// property reads and writes arrive here by name; a purely numeric name is
// taken as a dispatch id directly.
//
// Names are qualified with the adapter's qualifier before resolution, so an
// adapter for Util resolves "now" as "Util::now". The module-wide static
// adapter has an empty qualifier and expects qualified names.
type DispatchAdapter struct {
	rt        *Runtime
	dispatch  *HostDispatch
	qualifier string
}

var (
	_ engine.Dispatcher = (*DispatchAdapter)(nil)
	_ Wrapper           = (*DispatchAdapter)(nil)
)

func newDispatchAdapter(rt *Runtime, d *HostDispatch, qualifier string) *DispatchAdapter {
	return &DispatchAdapter{rt: rt, dispatch: d, qualifier: qualifier}
}

func (a *DispatchAdapter) Dispatch() *HostDispatch { return a.dispatch }

func (a *DispatchAdapter) weakRef() wrapperRef {
	return weakWrapper[DispatchAdapter]{p: weak.Make(a)}
}

func (a *DispatchAdapter) onCollect(f func()) {
	runtime.AddCleanup(a, runCleanup, f)
}

// hostObject is what the adapter stands for: the target, or the host type
// for a class view.
func (a *DispatchAdapter) hostObject() any {
	if obj, ok := a.dispatch.Target(); ok {
		return obj
	}
	if t := a.dispatch.Type(); t != nil {
		return t
	}
	return a.dispatch
}

// resolve maps a property name to a dispatch id.
func (a *DispatchAdapter) resolve(name string) DispatchID {
	if id, err := strconv.ParseInt(name, 10, 32); err == nil {
		return DispatchID(id)
	}
	o, err := a.dispatch.oracle()
	if err != nil {
		return InvalidDispatchID
	}
	if a.qualifier != "" {
		name = a.qualifier + "::" + name
	}
	return o.DispatchID(name)
}

// GetField reads a property. Fields marshal their current value; methods and
// constructors yield a callable. Unresolved names read as undefined.
func (a *DispatchAdapter) GetField(ctx engine.Context, name string) (*Value, error) {
	defer a.rt.enter(ctx)()

	h, err := a.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return a.rt.adopt(h), nil
}

func (a *DispatchAdapter) get(ctx engine.Context, name string) (engine.Handle, error) {
	id := a.resolve(name)
	if id < 0 {
		a.rt.logger.Debug("unresolved property", zap.String("name", name), zap.String("qualifier", a.qualifier))
		return a.rt.eng.Undefined(), nil
	}

	if a.dispatch.IsMethod(id) {
		return a.callable(ctx, id)
	}

	v, err := a.dispatch.FieldValue(id)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStaleReference):
		a.rt.logger.Debug("property not found", zap.String("name", name), zap.Error(err))
		return a.rt.eng.Undefined(), nil
	case err != nil:
		return engine.InvalidHandle, err
	}
	m, err := a.marshaler(ctx)
	if err != nil {
		return a.rt.eng.Undefined(), nil
	}
	h, err := m.toScript(v)
	if err != nil {
		return engine.InvalidHandle, fmt.Errorf("%s: %w", name, err)
	}
	return h, nil
}

// callableKey identifies a member's callable script object in one context.
type callableKey struct {
	ctx engine.Context
	id  DispatchID
}

// callable returns the script function for a method, creating and caching
// its MethodDispatch on first use.
func (a *DispatchAdapter) callable(ctx engine.Context, id DispatchID) (engine.Handle, error) {
	member, err := a.dispatch.Method(id)
	if err != nil {
		return engine.InvalidHandle, err
	}
	loader := a.dispatch.Loader()
	if loader == nil {
		return a.rt.eng.Undefined(), nil
	}

	key := callableKey{ctx: ctx, id: id}
	if v, ok := a.rt.cache.GetCachedScriptObject(loader, key); ok {
		h := v.Handle()
		a.rt.eng.Protect(h)
		return h, nil
	}

	md := methodDispatchFor(a.rt, loader, member)
	h, err := a.rt.eng.WrapCallable(ctx, md)
	if err != nil {
		return engine.InvalidHandle, err
	}
	a.rt.cache.PutCachedScriptObject(loader, key, a.rt.adopt(h))
	a.rt.eng.Protect(h)
	return h, nil
}

// SetField writes a field. Methods, constructors, the class literal and
// unresolved names are rejected. value is borrowed.
func (a *DispatchAdapter) SetField(ctx engine.Context, name string, value *Value) error {
	defer a.rt.enter(ctx)()
	return a.set(ctx, name, value.Handle())
}

func (a *DispatchAdapter) set(ctx engine.Context, name string, h engine.Handle) error {
	id := a.resolve(name)
	if id < 0 {
		a.rt.logger.Debug("rejected write to unresolved property", zap.String("name", name))
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	member, err := a.dispatch.Field(id)
	if err != nil {
		a.rt.logger.Debug("rejected write", zap.String("name", name), zap.Error(err))
		if a.dispatch.IsMethod(id) {
			return fmt.Errorf("%s: %w", name, ErrReadOnly)
		}
		return err
	}
	if member.Kind == MemberClassLiteral {
		return fmt.Errorf("%s: %w", member.QualifiedName(), ErrReadOnly)
	}

	m, err := a.marshaler(ctx)
	if err != nil {
		return err
	}
	v, err := m.fromScript(h, member.FieldType())
	if err != nil {
		var me *MarshalError
		if errors.As(err, &me) {
			me.Func = member.QualifiedName()
		}
		return err
	}
	return a.dispatch.SetFieldValue(id, v)
}

func (a *DispatchAdapter) marshaler(ctx engine.Context) (marshaler, error) {
	loader := a.dispatch.Loader()
	if loader == nil {
		return marshaler{}, ErrStaleReference
	}
	return marshaler{rt: a.rt, loader: loader, ctx: ctx}, nil
}

// DispatchGet implements engine.Dispatcher.
func (a *DispatchAdapter) DispatchGet(ctx engine.Context, name string) (engine.Handle, error) {
	defer a.rt.enter(ctx)()
	return a.get(ctx, name)
}

// DispatchSet implements engine.Dispatcher.
func (a *DispatchAdapter) DispatchSet(ctx engine.Context, name string, value engine.Handle) error {
	defer a.rt.enter(ctx)()
	v := a.rt.adopt(value)
	defer v.Release()
	return a.set(ctx, name, v.Handle())
}

// DispatchHas implements engine.Dispatcher.
func (a *DispatchAdapter) DispatchHas(ctx engine.Context, name string) bool {
	id := a.resolve(name)
	return id >= 0 && (a.dispatch.IsField(id) || a.dispatch.IsMethod(id))
}

// Members lists the names visible through the adapter.
func (a *DispatchAdapter) Members() []string {
	t := a.dispatch.Type()
	o, err := a.dispatch.oracle()
	if t == nil || err != nil {
		return nil
	}
	var names []string
	for _, m := range o.Members(t) {
		if m.Static || !a.dispatch.Static() {
			names = append(names, m.Name)
		}
	}
	return names
}

func (a *DispatchAdapter) String() string {
	if obj, ok := a.dispatch.Target(); ok {
		return fmt.Sprintf("[%s %v]", a.qualifier, reflect.ValueOf(obj).Type())
	}
	return fmt.Sprintf("[class %s]", a.qualifier)
}
