package engine

import "errors"

// Common errors used across engine bindings
var (
	ErrEngineNotFound   = errors.New("engine not found")
	ErrUnknownContext   = errors.New("unknown execution context")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrNotFunction      = errors.New("not a function")
	ErrNotObject        = errors.New("not an object")
	ErrContextUnderflow = errors.New("execution context stack underflow")
)

// ScriptError is an exception thrown by script code.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	if e == nil {
		return ""
	}
	return "script error: " + e.Message
}
