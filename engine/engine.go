// Package engine defines the native call surface the bridge drives an embedded
// script engine through.
//
// The surface is deliberately narrow: primitive conversions, kind predicates,
// protect/unprotect of handles, script execution, named-function invocation,
// wrapping of host dispatchers and callables, and a stack of current execution
// contexts. Concrete bindings register themselves with [Register] and are
// created by name with [New].
//
// # Handle ownership
//
// Every handle an Engine method returns carries one protection owned by the
// caller, who must eventually call [Engine.Unprotect] exactly once for it.
// Handles passed from the engine into host callbacks ([Dispatcher] and
// [Callable]) transfer one protection to the callee. Handles a callback returns
// transfer one protection back to the engine.
//
// An Engine is not safe for concurrent use. All calls for one context must come
// from a single goroutine.
package engine

import "fmt"

// Handle is an opaque reference to a value inside the engine's heap.
type Handle uint32

// InvalidHandle is never returned for a live value.
const InvalidHandle Handle = 0

// Context identifies one script execution context (a realm with its own
// global object).
type Context uint32

// Kind is the dynamic kind of a script value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindNumber
	KindString
	KindObject
	KindHost // a wrapped host Dispatcher
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindHost:
		return "host object"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Dispatcher is a host object exposed to script as a property bag.
type Dispatcher interface {
	// DispatchGet reads a property. The returned handle's protection is
	// transferred to the engine.
	DispatchGet(ctx Context, name string) (Handle, error)

	// DispatchSet writes a property. The value handle's protection is
	// transferred to the dispatcher.
	DispatchSet(ctx Context, name string, value Handle) error

	// DispatchHas reports whether name resolves to a member.
	DispatchHas(ctx Context, name string) bool
}

// Callable is a host function exposed to script.
type Callable interface {
	// Invoke runs the function. this and args transfer one protection each to
	// the callable; the returned handle transfers one protection back.
	Invoke(ctx Context, this Handle, args []Handle) Handle
}

// Engine is the native script engine surface.
type Engine interface {
	// Name returns the name the binding was registered under.
	Name() string

	NewContext() (Context, error)
	RetainContext(ctx Context) error
	ReleaseContext(ctx Context) error
	GlobalObject(ctx Context) (Handle, error)

	PushContext(ctx Context)
	PopContext()
	CurrentContext() (Context, bool)

	Protect(h Handle)
	Unprotect(h Handle)
	ProtectCount(h Handle) int

	Undefined() Handle
	Null() Handle
	NewBoolean(b bool) Handle
	NewNumber(f float64) Handle
	NewString(s string) Handle

	// NewData converts plain Go data (primitives, []any, map[string]any) into
	// a script value owned by ctx.
	NewData(ctx Context, v any) (Handle, error)

	Kind(h Handle) Kind
	ToBoolean(h Handle) bool
	ToNumber(h Handle) float64
	ToString(h Handle) string

	// Export converts a script value into plain Go data: nil, bool, int64,
	// float64, string, []any, map[string]any, or the wrapped Dispatcher.
	Export(h Handle) any

	Execute(ctx Context, source string) (Handle, error)
	InvokeFunction(ctx Context, global Handle, name string, this Handle, args []Handle) (Handle, error)

	WrapDispatch(ctx Context, d Dispatcher) (Handle, error)
	UnwrapDispatch(h Handle) (Dispatcher, bool)
	WrapCallable(ctx Context, c Callable) (Handle, error)
	UnwrapCallable(h Handle) (Callable, bool)

	Close() error
}
