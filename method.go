package hostbridge

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"weak"

	"github.com/feather-lang/hostbridge/engine"
)

// MethodDispatch is the script callable bound to one host method or
// constructor. It is shared by every object of the member's type; the
// receiver arrives as the script "this".
//
// A failing call never unwinds through the engine. The error, or recovered
// panic, is recorded as the active exception of the calling module space and
// the call returns undefined.
type MethodDispatch struct {
	rt     *Runtime
	member *Member
	loader weak.Pointer[Loader]
}

var (
	_ engine.Callable = (*MethodDispatch)(nil)
	_ Wrapper         = (*MethodDispatch)(nil)
)

// methodDispatchFor returns the cached MethodDispatch for member, creating it
// if the cache has none or its entry was collected.
func methodDispatchFor(rt *Runtime, loader *Loader, member *Member) *MethodDispatch {
	if w, ok := rt.cache.GetWrapperForObject(loader, member); ok {
		if md, ok := w.(*MethodDispatch); ok {
			return md
		}
	}
	md := &MethodDispatch{rt: rt, member: member, loader: weak.Make(loader)}
	rt.cache.PutWrapperForObject(loader, member, md)
	return md
}

func (md *MethodDispatch) Member() *Member { return md.member }

func (md *MethodDispatch) weakRef() wrapperRef {
	return weakWrapper[MethodDispatch]{p: weak.Make(md)}
}

func (md *MethodDispatch) onCollect(f func()) {
	runtime.AddCleanup(md, runCleanup, f)
}

// Invoke implements engine.Callable.
func (md *MethodDispatch) Invoke(ctx engine.Context, this engine.Handle, args []engine.Handle) engine.Handle {
	defer md.rt.enter(ctx)()

	thisV := md.rt.adopt(this)
	defer thisV.Release()
	argVs := make([]*Value, len(args))
	for i, h := range args {
		argVs[i] = md.rt.adopt(h)
	}
	defer func() {
		for _, v := range argVs {
			v.Release()
		}
	}()

	h, ex := md.Call(ctx, thisV, argVs)
	if ex != nil {
		md.rt.recordException(ctx, ex)
		return md.rt.eng.Undefined()
	}
	return h
}

// Call invokes the member with borrowed script values. The result handle
// carries one protection owned by the caller.
func (md *MethodDispatch) Call(ctx engine.Context, this *Value, args []*Value) (engine.Handle, *HostException) {
	m := md.member
	name := m.QualifiedName()

	loader := md.loader.Value()
	if loader == nil {
		return engine.InvalidHandle, md.exception(ErrStaleReference)
	}
	if len(args) < m.required() {
		return engine.InvalidHandle, md.exception(&ArityError{Method: name, Expected: m.required(), Got: len(args)})
	}
	mar := marshaler{rt: md.rt, loader: loader, ctx: ctx}

	var recv reflect.Value
	if !m.Static {
		var err error
		if recv, err = md.receiver(mar, this); err != nil {
			return engine.InvalidHandle, md.exception(err)
		}
	}

	in, err := md.arguments(mar, args)
	if err != nil {
		return engine.InvalidHandle, md.exception(err)
	}

	out, ex := md.call(recv, in)
	if ex != nil {
		return engine.InvalidHandle, ex
	}
	return md.results(mar, out)
}

func (md *MethodDispatch) receiver(mar marshaler, this *Value) (reflect.Value, error) {
	m := md.member
	if this == nil || this.IsNullish() {
		return reflect.Value{}, fmt.Errorf("%s: %w", m.QualifiedName(), ErrInstanceRequired)
	}
	want := m.Type.Type
	if m.fn.IsValid() {
		want = m.fn.Type().In(0)
	}
	recv, err := mar.fromScript(this.Handle(), want)
	if err != nil {
		if this.Kind() != engine.KindHost {
			return reflect.Value{}, fmt.Errorf("%s: %w", m.QualifiedName(), ErrInstanceRequired)
		}
		return reflect.Value{}, fmt.Errorf("receiver: %w", err)
	}
	return recv, nil
}

// arguments converts script arguments to the declared parameter types.
// Surplus arguments fill a variadic parameter or are ignored.
func (md *MethodDispatch) arguments(mar marshaler, args []*Value) ([]reflect.Value, error) {
	m := md.member
	fixed := m.required()
	in := make([]reflect.Value, 0, len(m.in))
	for j := 0; j < fixed; j++ {
		v, err := mar.fromScript(args[j].Handle(), m.in[j])
		if err != nil {
			return nil, md.argumentError(j, err)
		}
		in = append(in, v)
	}
	if m.variadic {
		elem := m.in[fixed].Elem()
		for j := fixed; j < len(args); j++ {
			v, err := mar.fromScript(args[j].Handle(), elem)
			if err != nil {
				return nil, md.argumentError(j, err)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

func (md *MethodDispatch) argumentError(j int, err error) error {
	var me *MarshalError
	if errors.As(err, &me) && me.Func == "" {
		me.Func = fmt.Sprintf("%s argument %d", md.member.QualifiedName(), j+1)
		return me
	}
	return fmt.Errorf("%s argument %d: %w", md.member.QualifiedName(), j+1, err)
}

// call runs the member, turning a panic into a host exception.
func (md *MethodDispatch) call(recv reflect.Value, in []reflect.Value) (out []reflect.Value, ex *HostException) {
	m := md.member
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if pv, ok := r.(*ProtocolViolationError); ok {
			panic(pv)
		}
		ex = &HostException{
			Method:    m.QualifiedName(),
			Err:       recoveredError(r),
			Recovered: r,
			Frames:    panicFrames(),
		}
	}()

	switch {
	case m.fn.IsValid() && recv.IsValid():
		return m.fn.Call(append([]reflect.Value{recv}, in...)), nil
	case m.fn.IsValid():
		return m.fn.Call(in), nil
	default:
		return recv.MethodByName(m.Name).Call(in), nil
	}
}

// results marshals the first result. A non-nil trailing error becomes a host
// exception.
func (md *MethodDispatch) results(mar marshaler, out []reflect.Value) (engine.Handle, *HostException) {
	m := md.member
	if n := len(m.out); n > 0 && m.out[n-1] == errorType {
		if errv := out[n-1]; !errv.IsNil() {
			return engine.InvalidHandle, &HostException{
				Method: m.QualifiedName(),
				Err:    errv.Interface().(error),
				Frames: returnFrames(m.fn),
			}
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return md.rt.eng.Undefined(), nil
	}
	h, err := mar.toScript(out[0])
	if err != nil {
		return engine.InvalidHandle, md.exception(fmt.Errorf("%s result: %w", m.QualifiedName(), err))
	}
	return h, nil
}

func (md *MethodDispatch) exception(err error) *HostException {
	return &HostException{
		Method: md.member.QualifiedName(),
		Err:    err,
		Frames: callerFrames(1),
	}
}

func (md *MethodDispatch) String() string {
	return fmt.Sprintf("[function %s]", md.member.QualifiedName())
}
