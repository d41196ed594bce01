package hostbridge

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// FramePolicy reports whether a stack frame is internal to the boundary.
// Boundary frames are elided from a host exception's trace once a
// non-boundary frame has been seen.
type FramePolicy func(frame runtime.Frame) bool

var boundaryPrefixes = []string{
	"github.com/feather-lang/hostbridge.",
	"github.com/feather-lang/hostbridge/engine",
	"github.com/dop251/goja",
	"reflect.",
	"runtime.",
}

// DefaultFramePolicy treats the bridge, its engine bindings, goja, and the
// reflect and runtime packages as boundary-internal.
func DefaultFramePolicy(frame runtime.Frame) bool {
	for _, prefix := range boundaryPrefixes {
		if strings.HasPrefix(frame.Function, prefix) {
			return true
		}
	}
	return false
}

// HostException is a failure raised by an invoked host function. It is
// recorded on the calling context while script runs and returned to the host
// when control leaves the engine.
type HostException struct {
	Method    string
	Err       error
	Recovered any // the panic value, if the function panicked
	Frames    []runtime.Frame
}

func (e *HostException) Error() string {
	return e.Method + ": " + e.Err.Error()
}

func (e *HostException) Unwrap() error { return e.Err }

// StackTrace formats the recorded frames one per line.
func (e *HostException) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Frames {
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
	}
	return b.String()
}

// scrubFrames drops boundary frames that follow the first non-boundary frame.
// Leading boundary frames are kept so faults inside the bridge stay visible.
func scrubFrames(frames []runtime.Frame, isBoundary FramePolicy) []runtime.Frame {
	out := make([]runtime.Frame, 0, len(frames))
	seen := false
	for _, f := range frames {
		if isBoundary(f) {
			if seen {
				continue
			}
		} else {
			seen = true
		}
		out = append(out, f)
	}
	return out
}

func callerFrames(skip int) []runtime.Frame {
	pcs := make([]uintptr, 128)
	n := runtime.Callers(skip+2, pcs)
	it := runtime.CallersFrames(pcs[:n])
	var frames []runtime.Frame
	for {
		f, more := it.Next()
		frames = append(frames, f)
		if !more {
			break
		}
	}
	return frames
}

// panicFrames returns the stack starting at the panic site. It must be called
// from a deferred function.
func panicFrames() []runtime.Frame {
	frames := callerFrames(1)
	start := 0
	for i, f := range frames {
		if f.Function == "runtime.gopanic" {
			start = i + 1
		}
	}
	for start < len(frames) && strings.HasPrefix(frames[start].Function, "runtime.") {
		start++
	}
	return frames[start:]
}

// returnFrames returns the stack of a function that failed by returning an
// error: a synthetic frame for fn followed by the current callers.
func returnFrames(fn reflect.Value) []runtime.Frame {
	var frames []runtime.Frame
	if fn.IsValid() && fn.Kind() == reflect.Func {
		if f := runtime.FuncForPC(fn.Pointer()); f != nil {
			file, line := f.FileLine(f.Entry())
			frames = append(frames, runtime.Frame{
				PC:       f.Entry(),
				Func:     f,
				Function: f.Name(),
				File:     file,
				Line:     line,
				Entry:    f.Entry(),
			})
		}
	}
	return append(frames, callerFrames(1)...)
}

func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}
