package hostbridge

import (
	"runtime"

	"github.com/feather-lang/hostbridge/engine"
)

type handleCell struct {
	h engine.Handle
}

// Value is a host-side reference to one script value.
//
// A Value owns exactly one protection on its handle from construction until
// Release. Setters acquire a protected handle for the new value before
// dropping the old one, so a Value never holds zero valid handles. A Value
// that becomes unreachable without Release is queued for release and freed at
// the next boundary crossing.
//
// Values are not safe for concurrent use.
type Value struct {
	rt   *Runtime
	cell *handleCell
}

// adopt wraps a handle whose protection the caller owns. In diagnostic mode
// it panics if the handle is not protected.
func (rt *Runtime) adopt(h engine.Handle) *Value {
	rt.checkProtected(h, "adopt")
	v := &Value{rt: rt, cell: &handleCell{h: h}}
	runtime.AddCleanup(v, enqueueRelease, cleanupArg{q: rt.releases, cell: v.cell})
	return v
}

// WrapHandle creates a Value that takes over the caller's protection on h.
func (rt *Runtime) WrapHandle(h engine.Handle) *Value {
	return rt.adopt(h)
}

// Undefined creates a Value holding undefined.
func (rt *Runtime) Undefined() *Value {
	return rt.adopt(rt.eng.Undefined())
}

// Handle returns the handle currently held, or engine.InvalidHandle after
// Release.
func (v *Value) Handle() engine.Handle { return v.cell.h }

// Kind reports the dynamic kind of the value.
func (v *Value) Kind() engine.Kind {
	if v.cell.h == engine.InvalidHandle {
		return engine.KindUndefined
	}
	return v.rt.eng.Kind(v.cell.h)
}

func (v *Value) IsUndefined() bool { return v.Kind() == engine.KindUndefined }
func (v *Value) IsNull() bool      { return v.Kind() == engine.KindNull }
func (v *Value) IsBoolean() bool   { return v.Kind() == engine.KindBoolean }
func (v *Value) IsNumber() bool    { return v.Kind() == engine.KindNumber }
func (v *Value) IsString() bool    { return v.Kind() == engine.KindString }
func (v *Value) IsHost() bool      { return v.Kind() == engine.KindHost }

// IsObject reports whether the value is a script object, including wrapped
// host objects.
func (v *Value) IsObject() bool {
	k := v.Kind()
	return k == engine.KindObject || k == engine.KindHost
}

// IsNullish reports whether the value is null or undefined.
func (v *Value) IsNullish() bool {
	k := v.Kind()
	return k == engine.KindNull || k == engine.KindUndefined
}

func (v *Value) Bool() bool { return v.rt.eng.ToBoolean(v.cell.h) }

func (v *Value) Number() float64 { return v.rt.eng.ToNumber(v.cell.h) }

// Int returns the number truncated toward zero.
func (v *Value) Int() int64 { return int64(v.rt.eng.ToNumber(v.cell.h)) }

func (v *Value) String() string { return v.rt.eng.ToString(v.cell.h) }

// Export converts the value to plain Go data. Wrapped host objects export as
// the host object itself.
func (v *Value) Export() any {
	if obj, ok := v.HostObject(); ok {
		return obj
	}
	return v.rt.eng.Export(v.cell.h)
}

// HostObject returns the host object behind a wrapped host value. Class views
// return their *HostType.
func (v *Value) HostObject() (any, bool) {
	d, ok := v.rt.eng.UnwrapDispatch(v.cell.h)
	if !ok {
		return nil, false
	}
	a, ok := d.(*DispatchAdapter)
	if !ok {
		return nil, false
	}
	return a.hostObject(), true
}

func (v *Value) SetBoolean(b bool)    { v.replace(v.rt.eng.NewBoolean(b)) }
func (v *Value) SetNumber(f float64)  { v.replace(v.rt.eng.NewNumber(f)) }
func (v *Value) SetInt(i int64)       { v.replace(v.rt.eng.NewNumber(float64(i))) }
func (v *Value) SetString(s string)   { v.replace(v.rt.eng.NewString(s)) }
func (v *Value) SetNull()             { v.replace(v.rt.eng.Null()) }
func (v *Value) SetUndefined()        { v.replace(v.rt.eng.Undefined()) }

// SetValue makes v refer to the same script value as other. The source handle
// gains one protection, so both Values own one independently.
func (v *Value) SetValue(other *Value) {
	h := other.cell.h
	v.rt.eng.Protect(h)
	v.replace(h)
}

// replace installs an already protected handle and drops the old one.
func (v *Value) replace(h engine.Handle) {
	v.rt.checkProtected(h, "set")
	old := v.cell.h
	if old != engine.InvalidHandle {
		v.rt.eng.Unprotect(old)
	}
	v.cell.h = h
}

// Clone returns a new Value for the same script value with its own
// protection.
func (v *Value) Clone() *Value {
	v.rt.eng.Protect(v.cell.h)
	return v.rt.adopt(v.cell.h)
}

// Release drops the protection. Further use observes undefined.
func (v *Value) Release() {
	if h := v.cell.h; h != engine.InvalidHandle {
		v.cell.h = engine.InvalidHandle
		v.rt.eng.Unprotect(h)
	}
}

// Detach hands the protection to the caller, leaving v empty.
func (v *Value) Detach() engine.Handle {
	h := v.cell.h
	v.cell.h = engine.InvalidHandle
	return h
}
