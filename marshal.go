package hostbridge

import (
	"fmt"
	"math"
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/feather-lang/hostbridge/engine"
)

var (
	errorType    = reflect.TypeFor[error]()
	valuePtrType = reflect.TypeFor[*Value]()
	hostTypeType = reflect.TypeFor[*HostType]()
)

// marshaler converts between Go values and script handles for one loader and
// execution context.
type marshaler struct {
	rt     *Runtime
	loader *Loader
	ctx    engine.Context
}

// toScript converts v to a script value. The returned handle carries one
// protection owned by the caller.
//
// Primitives convert to script primitives, slices and maps to script data,
// *Value to its own value, *HostType to a class view, and everything else is
// wrapped as a host object.
func (m marshaler) toScript(v reflect.Value) (engine.Handle, error) {
	eng := m.rt.eng
	if !v.IsValid() {
		return eng.Undefined(), nil
	}
	if v.Type() == valuePtrType {
		sv := v.Interface().(*Value)
		if sv == nil {
			return eng.Null(), nil
		}
		h := sv.Handle()
		eng.Protect(h)
		return h, nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return eng.NewBoolean(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return eng.NewNumber(float64(v.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return eng.NewNumber(float64(v.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return eng.NewNumber(v.Float()), nil
	case reflect.String:
		return eng.NewString(v.String()), nil
	case reflect.Interface:
		if v.IsNil() {
			return eng.Null(), nil
		}
		return m.toScript(v.Elem())
	case reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return eng.Null(), nil
		}
	case reflect.Slice, reflect.Map:
		if v.IsNil() {
			return eng.Null(), nil
		}
		return m.data(v)
	case reflect.Array:
		return m.data(v)
	}

	if v.Type() == hostTypeType {
		return m.classView(v.Interface().(*HostType))
	}
	return m.wrapHost(v)
}

// data converts a slice, array or map into plain script data. Elements are
// exported recursively; host objects inside stay Go values.
func (m marshaler) data(v reflect.Value) (engine.Handle, error) {
	return m.rt.eng.NewData(m.ctx, exportData(v))
}

func exportData(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = exportData(v.Index(i))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = exportData(iter.Value())
		}
		return out
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return exportData(v.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return int64(v.Uint())
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Invalid:
		return nil
	default:
		return v.Interface()
	}
}

// wrapHost exposes a host object through its cached Dispatch Adapter, so the
// same object always has the same script identity.
func (m marshaler) wrapHost(v reflect.Value) (engine.Handle, error) {
	obj := v.Interface()
	var a *DispatchAdapter
	if w, ok := m.rt.cache.GetWrapperForObject(m.loader, obj); ok {
		a, _ = w.(*DispatchAdapter)
	}
	if a == nil {
		t := m.loader.typeFor(v.Type())
		a = newDispatchAdapter(m.rt, NewHostDispatch(m.loader, v, t), t.Name)
		m.rt.cache.PutWrapperForObject(m.loader, obj, a)
	}
	return m.rt.eng.WrapDispatch(m.ctx, a)
}

// classView exposes t's static members through an unbound adapter qualified
// with the type name.
func (m marshaler) classView(t *HostType) (engine.Handle, error) {
	var a *DispatchAdapter
	if w, ok := m.rt.cache.GetWrapperForObject(m.loader, t); ok {
		a, _ = w.(*DispatchAdapter)
	}
	if a == nil {
		a = newDispatchAdapter(m.rt, NewStaticDispatch(m.loader, t), t.Name)
		m.rt.cache.PutWrapperForObject(m.loader, t, a)
	}
	return m.rt.eng.WrapDispatch(m.ctx, a)
}

// fromScript converts the script value h to a Go value of type t. h is
// borrowed.
func (m marshaler) fromScript(h engine.Handle, t reflect.Type) (reflect.Value, error) {
	eng := m.rt.eng
	kind := eng.Kind(h)

	if t == valuePtrType {
		eng.Protect(h)
		return reflect.ValueOf(m.rt.adopt(h)), nil
	}
	if kind == engine.KindHost {
		return m.hostObject(h, t)
	}

	switch t.Kind() {
	case reflect.Bool:
		if kind != engine.KindBoolean {
			return reflect.Value{}, mismatch(t, kind)
		}
		return reflect.ValueOf(eng.ToBoolean(h)).Convert(t), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if kind != engine.KindNumber {
			return reflect.Value{}, mismatch(t, kind)
		}
		f := eng.ToNumber(h)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: kind, Err: fmt.Errorf("%v is not an integer", f)}
		}
		if f < -0x1p63 || f >= 0x1p63 {
			return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: kind, Err: fmt.Errorf("%v overflows %v", f, t)}
		}
		i := int64(f)
		out := reflect.New(t).Elem()
		if out.OverflowInt(i) {
			return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: kind, Err: fmt.Errorf("%d overflows %v", i, t)}
		}
		out.SetInt(i)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if kind != engine.KindNumber {
			return reflect.Value{}, mismatch(t, kind)
		}
		f := eng.ToNumber(h)
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: kind, Err: fmt.Errorf("%v is not an unsigned integer", f)}
		}
		if f >= 0x1p64 {
			return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: kind, Err: fmt.Errorf("%v overflows %v", f, t)}
		}
		u := uint64(f)
		out := reflect.New(t).Elem()
		if out.OverflowUint(u) {
			return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: kind, Err: fmt.Errorf("%d overflows %v", u, t)}
		}
		out.SetUint(u)
		return out, nil

	case reflect.Float32, reflect.Float64:
		if kind != engine.KindNumber {
			return reflect.Value{}, mismatch(t, kind)
		}
		return reflect.ValueOf(eng.ToNumber(h)).Convert(t), nil

	case reflect.String:
		if kind != engine.KindString {
			return reflect.Value{}, mismatch(t, kind)
		}
		return reflect.ValueOf(eng.ToString(h)).Convert(t), nil

	case reflect.Interface:
		if kind == engine.KindNull || kind == engine.KindUndefined {
			return reflect.Zero(t), nil
		}
		exported := reflect.ValueOf(eng.Export(h))
		if exported.IsValid() && exported.Type().Implements(t) {
			out := reflect.New(t).Elem()
			out.Set(exported)
			return out, nil
		}
		return reflect.Value{}, mismatch(t, kind)

	case reflect.Pointer, reflect.Slice, reflect.Map:
		if kind == engine.KindNull || kind == engine.KindUndefined {
			return reflect.Zero(t), nil
		}
		if kind != engine.KindObject {
			return reflect.Value{}, mismatch(t, kind)
		}
		return m.decode(h, t)

	case reflect.Struct, reflect.Array:
		if kind != engine.KindObject {
			return reflect.Value{}, mismatch(t, kind)
		}
		return m.decode(h, t)
	}
	return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: kind, Err: fmt.Errorf("unsupported parameter type: %v", t)}
}

// hostObject unwraps a wrapped host object and checks it against t.
func (m marshaler) hostObject(h engine.Handle, t reflect.Type) (reflect.Value, error) {
	d, ok := m.rt.eng.UnwrapDispatch(h)
	a, isAdapter := d.(*DispatchAdapter)
	if !ok || !isAdapter {
		return reflect.Value{}, mismatch(t, engine.KindHost)
	}
	obj := reflect.ValueOf(a.hostObject())
	switch {
	case obj.Type().AssignableTo(t):
		out := reflect.New(t).Elem()
		out.Set(obj)
		return out, nil
	case t.Kind() == reflect.Pointer && obj.Type().AssignableTo(t.Elem()):
		p := reflect.New(t.Elem())
		p.Elem().Set(obj)
		return p, nil
	case obj.Kind() == reflect.Pointer && !obj.IsNil() && obj.Elem().Type().AssignableTo(t):
		return obj.Elem(), nil
	}
	return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: engine.KindHost, Err: fmt.Errorf("host object is %v", obj.Type())}
}

// decode converts a plain script object or array into a struct, map, slice or
// pointer through its exported form.
func (m marshaler) decode(h engine.Handle, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out.Interface(),
		TagName: "script",
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(m.rt.eng.Export(h)); err != nil {
		return reflect.Value{}, &MarshalError{Expected: t.String(), Actual: engine.KindObject, Err: err}
	}
	return out.Elem(), nil
}

// kindOfGo reports the script kind a Go value would marshal to.
func kindOfGo(v reflect.Value) engine.Kind {
	if !v.IsValid() {
		return engine.KindUndefined
	}
	switch v.Kind() {
	case reflect.Bool:
		return engine.KindBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return engine.KindNumber
	case reflect.String:
		return engine.KindString
	case reflect.Slice, reflect.Map, reflect.Array:
		return engine.KindObject
	}
	return engine.KindHost
}
