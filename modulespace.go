package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/feather-lang/hostbridge/engine"
)

type spaceState int

const (
	stateConstructing spaceState = iota
	stateReady
	stateDisposed
)

func (s spaceState) String() string {
	switch s {
	case stateConstructing:
		return "constructing"
	case stateReady:
		return "ready"
	case stateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("spaceState(%d)", int(s))
	}
}

// ModuleSpace is one loaded module: an execution context with its global
// object, an isolated loader, and the host delegate. It moves from
// constructing to ready in OnLoad and to disposed in Dispose.
//
// A ModuleSpace must be driven from one goroutine at a time.
type ModuleSpace struct {
	rt      *Runtime
	mod     Module
	host    *ModuleSpaceHost
	loader  *Loader
	realm   *realm
	binding SpaceBinding
	logger  *zap.Logger

	state     spaceState
	exception *HostException // active exception, set by failing host calls
}

func newModuleSpace(rt *Runtime, mod Module, host *ModuleSpaceHost, r *realm) *ModuleSpace {
	s := &ModuleSpace{
		rt:     rt,
		mod:    mod,
		host:   host,
		loader: host.Loader(),
		realm:  r,
		logger: rt.logger.With(zap.String("module", mod.Name)),
	}
	if rt.newBinding != nil {
		s.binding = rt.newBinding(s)
	} else {
		s.binding = NewScriptBinding(s)
	}
	return s
}

func (s *ModuleSpace) Name() string            { return s.mod.Name }
func (s *ModuleSpace) Module() Module          { return s.mod }
func (s *ModuleSpace) Host() *ModuleSpaceHost  { return s.host }
func (s *ModuleSpace) Loader() *Loader         { return s.loader }
func (s *ModuleSpace) Context() engine.Context { return s.realm.ctx }
func (s *ModuleSpace) Runtime() *Runtime       { return s.rt }

// Ready reports whether the space has loaded and is not disposed.
func (s *ModuleSpace) Ready() bool { return s.state == stateReady }

func (s *ModuleSpace) marshaler() marshaler {
	return marshaler{rt: s.rt, loader: s.loader, ctx: s.realm.ctx}
}

func (s *ModuleSpace) checkReady() error {
	switch s.state {
	case stateReady:
		return nil
	case stateDisposed:
		return ErrDisposed
	default:
		return ErrNotReady
	}
}

// OnLoad signals readiness, installs the static dispatcher, runs the module
// source and invokes its entry functions.
func (s *ModuleSpace) OnLoad() error {
	return s.load(context.Background())
}

// load is OnLoad on the calling goroutine. ctx is checked before the source
// and before each entry function; a running script call is not interrupted.
func (s *ModuleSpace) load(ctx context.Context) error {
	if s.state != stateConstructing {
		return fmt.Errorf("module %q: load while %s", s.mod.Name, s.state)
	}
	s.host.OnModuleReady()

	exit := s.rt.enter(s.realm.ctx)
	err := s.binding.CreateStaticDispatcher()
	exit()
	if err != nil {
		return &StaticDispatcherInitError{Module: s.mod.Name, Err: err}
	}
	s.state = stateReady
	s.logger.Info("module loaded", zap.Strings("entry", s.mod.Entry))

	if s.mod.Source != "" {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("module %q: %w", s.mod.Name, err)
		}
		v, err := s.Eval(s.mod.Source)
		if err != nil {
			return fmt.Errorf("module %q: %w", s.mod.Name, err)
		}
		v.Release()
	}
	for _, entry := range s.mod.Entry {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("module %q: entry %s: %w", s.mod.Name, entry, err)
		}
		if err := s.InvokeNativeVoid(entry, nil); err != nil {
			return fmt.Errorf("module %q: entry %s: %w", s.mod.Name, entry, err)
		}
	}
	return nil
}

// StaticDispatcher returns the adapter published to script as __static.
func (s *ModuleSpace) StaticDispatcher() *DispatchAdapter {
	return s.binding.StaticDispatcher()
}

// CreateNativeMethods installs script functions generated from methods.
func (s *ModuleSpace) CreateNativeMethods(methods []NativeMethod) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	defer s.rt.enter(s.realm.ctx)()
	return s.binding.CreateNativeMethods(GenerateShim(methods...))
}

// Eval runs source in the module's context and returns the completion value.
func (s *ModuleSpace) Eval(source string) (*Value, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	defer s.rt.enter(s.realm.ctx)()

	h, err := s.rt.eng.Execute(s.realm.ctx, source)
	if ex := s.takeException(); ex != nil {
		if err == nil {
			s.rt.eng.Unprotect(h)
		}
		return nil, ex
	}
	if err != nil {
		return nil, err
	}
	return s.rt.adopt(h), nil
}

// ActiveException returns the pending host exception without clearing it.
func (s *ModuleSpace) ActiveException() *HostException { return s.exception }

func (s *ModuleSpace) setException(ex *HostException) {
	s.logger.Warn("host exception", zap.String("method", ex.Method), zap.Error(ex.Err))
	s.exception = ex
}

// takeException clears the active exception and returns it with its trace
// scrubbed.
func (s *ModuleSpace) takeException() *HostException {
	ex := s.exception
	if ex == nil {
		return nil
	}
	s.exception = nil
	ex.Frames = scrubFrames(ex.Frames, s.rt.framePolicy)
	return ex
}

// invoke calls a global script function. A host exception raised during the
// call takes precedence over the script outcome.
func (s *ModuleSpace) invoke(name string, this any, args []any) (engine.Handle, error) {
	if err := s.checkReady(); err != nil {
		return engine.InvalidHandle, fmt.Errorf("%s: %w", name, err)
	}
	defer s.rt.enter(s.realm.ctx)()

	h, err := s.binding.DoInvoke(name, this, args)
	if ex := s.takeException(); ex != nil {
		if err == nil {
			s.rt.eng.Unprotect(h)
		}
		return engine.InvalidHandle, ex
	}
	if err != nil {
		return engine.InvalidHandle, fmt.Errorf("%s: %w", name, err)
	}
	return h, nil
}

func invokeAs[T any](s *ModuleSpace, name string, this any, args []any) (T, error) {
	var zero T
	h, err := s.invoke(name, this, args)
	if err != nil {
		return zero, err
	}
	defer s.rt.eng.Unprotect(h)

	v, err := s.marshaler().fromScript(h, reflect.TypeFor[T]())
	if err != nil {
		var me *MarshalError
		if errors.As(err, &me) {
			me.Func = name
			return zero, me
		}
		return zero, fmt.Errorf("%s: %w", name, err)
	}
	return v.Interface().(T), nil
}

func (s *ModuleSpace) InvokeNativeBoolean(name string, this any, args ...any) (bool, error) {
	return invokeAs[bool](s, name, this, args)
}

func (s *ModuleSpace) InvokeNativeByte(name string, this any, args ...any) (int8, error) {
	return invokeAs[int8](s, name, this, args)
}

// InvokeNativeChar accepts a one-character string or a code point.
func (s *ModuleSpace) InvokeNativeChar(name string, this any, args ...any) (rune, error) {
	v, err := s.InvokeNativeObject(name, this, args...)
	if err != nil {
		return 0, err
	}
	defer v.Release()
	switch v.Kind() {
	case engine.KindString:
		str := v.String()
		if r, size := utf8.DecodeRuneInString(str); size > 0 && size == len(str) {
			return r, nil
		}
		return 0, &MarshalError{Func: name, Expected: "char", Actual: engine.KindString, Err: fmt.Errorf("%q is not one character", str)}
	case engine.KindNumber:
		return invokeResult[rune](s, name, v)
	}
	return 0, &MarshalError{Func: name, Expected: "char", Actual: v.Kind()}
}

func invokeResult[T any](s *ModuleSpace, name string, v *Value) (T, error) {
	var zero T
	out, err := s.marshaler().fromScript(v.Handle(), reflect.TypeFor[T]())
	if err != nil {
		var me *MarshalError
		if errors.As(err, &me) {
			me.Func = name
		}
		return zero, err
	}
	return out.Interface().(T), nil
}

func (s *ModuleSpace) InvokeNativeShort(name string, this any, args ...any) (int16, error) {
	return invokeAs[int16](s, name, this, args)
}

func (s *ModuleSpace) InvokeNativeInt(name string, this any, args ...any) (int32, error) {
	return invokeAs[int32](s, name, this, args)
}

func (s *ModuleSpace) InvokeNativeLong(name string, this any, args ...any) (int64, error) {
	return invokeAs[int64](s, name, this, args)
}

func (s *ModuleSpace) InvokeNativeFloat(name string, this any, args ...any) (float32, error) {
	return invokeAs[float32](s, name, this, args)
}

func (s *ModuleSpace) InvokeNativeDouble(name string, this any, args ...any) (float64, error) {
	return invokeAs[float64](s, name, this, args)
}

func (s *ModuleSpace) InvokeNativeString(name string, this any, args ...any) (string, error) {
	return invokeAs[string](s, name, this, args)
}

// InvokeNativeObject returns the raw result. The caller must Release it.
func (s *ModuleSpace) InvokeNativeObject(name string, this any, args ...any) (*Value, error) {
	return invokeAs[*Value](s, name, this, args)
}

// InvokeNativeVoid discards the result.
func (s *ModuleSpace) InvokeNativeVoid(name string, this any, args ...any) error {
	h, err := s.invoke(name, this, args)
	if err != nil {
		return err
	}
	s.rt.eng.Unprotect(h)
	return nil
}

// Dispose clears the loader's cache entries, releases the context and its
// global object, and drops the host delegate. It is idempotent.
func (s *ModuleSpace) Dispose() error {
	if s.state == stateDisposed {
		return nil
	}
	s.state = stateDisposed

	s.rt.flushCleanups()
	s.rt.cache.Clear(s.loader)
	s.rt.forget(s.realm.ctx)

	var err error
	if ex := s.takeException(); ex != nil {
		err = multierr.Append(err, fmt.Errorf("pending host exception: %w", ex))
	}
	err = multierr.Append(err, s.realm.dispose())
	s.host = nil
	s.logger.Info("module disposed")
	return err
}
