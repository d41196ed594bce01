package hostbridge

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/feather-lang/hostbridge/engine"
)

var (
	// ErrNotFound is returned when a name or dispatch id does not resolve.
	ErrNotFound = errors.New("member not found")

	// ErrStaleReference is returned when the loader behind a dispatch has
	// already been collected.
	ErrStaleReference = errors.New("stale reference")

	// ErrInstanceRequired is returned when an instance member is accessed
	// through a static dispatch.
	ErrInstanceRequired = errors.New("instance member accessed without a target")

	// ErrReadOnly is returned for writes to methods, constructors and class
	// literals.
	ErrReadOnly = errors.New("member is not writable")

	ErrNotReady = errors.New("module space is not ready")
	ErrDisposed = errors.New("module space is disposed")
)

// MarshalError reports a value that cannot be converted to the required type.
type MarshalError struct {
	Func     string // function or member being marshaled for
	Expected string
	Actual   engine.Kind
	Err      error
}

func (e *MarshalError) Error() string {
	var b strings.Builder
	if e.Func != "" {
		b.WriteString(e.Func)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "expected %s but got %s", e.Expected, e.Actual)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MarshalError) Unwrap() error { return e.Err }

func mismatch(t reflect.Type, actual engine.Kind) *MarshalError {
	return &MarshalError{Expected: t.String(), Actual: actual}
}

// ArityError reports a bridged call with too few arguments.
type ArityError struct {
	Method   string
	Expected int
	Got      int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("%s: wrong # args: expected at least %d, got %d", e.Method, e.Expected, e.Got)
}

// StaticDispatcherInitError aborts a module load when the static dispatcher
// cannot be installed.
type StaticDispatcherInitError struct {
	Module string
	Err    error
}

func (e *StaticDispatcherInitError) Error() string {
	return fmt.Sprintf("module %q: installing static dispatcher: %v", e.Module, e.Err)
}

func (e *StaticDispatcherInitError) Unwrap() error { return e.Err }

// ProtocolViolationError is panicked when an unprotected handle crosses the
// boundary in diagnostic mode. It always indicates a bug in a binding.
type ProtocolViolationError struct {
	Handle engine.Handle
	Op     string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("boundary protocol violation: %s: handle %d is not protected", e.Op, e.Handle)
}
