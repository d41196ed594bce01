package hostbridge

import (
	"fmt"
	"reflect"

	"github.com/feather-lang/hostbridge/engine"
)

// SpaceBinding performs the engine-specific steps of a module space.
type SpaceBinding interface {
	// DoInvoke marshals this and args and calls the named global function.
	// The result handle carries one protection owned by the caller.
	DoInvoke(name string, this any, args []any) (engine.Handle, error)

	// CreateNativeMethods installs generated shim source.
	CreateNativeMethods(source string) error

	// CreateStaticDispatcher installs the global shim and hands it the
	// static dispatcher.
	CreateStaticDispatcher() error

	// StaticDispatcher returns the module-wide static adapter.
	StaticDispatcher() *DispatchAdapter
}

// scriptBinding drives engines that accept source text.
type scriptBinding struct {
	s      *ModuleSpace
	static *DispatchAdapter
}

var _ SpaceBinding = (*scriptBinding)(nil)

// NewScriptBinding returns the default binding for s.
func NewScriptBinding(s *ModuleSpace) SpaceBinding {
	return &scriptBinding{
		s:      s,
		static: newDispatchAdapter(s.rt, NewStaticDispatch(s.loader, nil), ""),
	}
}

func (b *scriptBinding) StaticDispatcher() *DispatchAdapter { return b.static }

func (b *scriptBinding) DoInvoke(name string, this any, args []any) (engine.Handle, error) {
	eng := b.s.rt.eng
	mar := b.s.marshaler()

	owned := make([]engine.Handle, 0, len(args)+1)
	defer func() {
		for _, h := range owned {
			eng.Unprotect(h)
		}
	}()

	thisH, err := mar.toScript(reflect.ValueOf(this))
	if err != nil {
		return engine.InvalidHandle, fmt.Errorf("this: %w", err)
	}
	owned = append(owned, thisH)

	argHs := make([]engine.Handle, len(args))
	for i, a := range args {
		h, err := mar.toScript(reflect.ValueOf(a))
		if err != nil {
			return engine.InvalidHandle, fmt.Errorf("argument %d: %w", i+1, err)
		}
		owned = append(owned, h)
		argHs[i] = h
	}

	return eng.InvokeFunction(b.s.realm.ctx, b.s.realm.global, name, thisH, argHs)
}

func (b *scriptBinding) CreateNativeMethods(source string) error {
	eng := b.s.rt.eng
	h, err := eng.Execute(b.s.realm.ctx, source)
	if err != nil {
		return err
	}
	eng.Unprotect(h)
	return nil
}

func (b *scriptBinding) CreateStaticDispatcher() error {
	shim := staticShim(b.s.loader.Exported())
	if err := b.CreateNativeMethods(shim.Source()); err != nil {
		return fmt.Errorf("installing shim: %w", err)
	}
	eng := b.s.rt.eng
	ctx := b.s.realm.ctx

	static, err := eng.WrapDispatch(ctx, b.static)
	if err != nil {
		return err
	}
	defer eng.Unprotect(static)
	this := eng.Undefined()
	defer eng.Unprotect(this)

	res, err := eng.InvokeFunction(ctx, b.s.realm.global, shim.Name, this, []engine.Handle{static})
	if err != nil {
		return err
	}
	eng.Unprotect(res)
	return nil
}
