// Package hostbridge lets Go code run inside an embedded script engine and
// lets script call back into Go objects as if they were native script values.
//
// # Overview
//
// The bridge sits on a narrow native surface (package engine) and manages
// what the two heaps cannot manage for each other:
//
//   - Lifetime: every engine handle held from Go is protected exactly once
//     and released exactly once (see [Value]).
//   - Identity: the same Go object always appears to script as the same
//     wrapper (see [WrapperCache]).
//   - Dispatch: script property names resolve to small numeric dispatch ids
//     through a per-loader oracle (see [DispatchIDOracle]).
//   - Exceptions: a Go function that fails while called from script never
//     unwinds through the engine; the failure is parked on its module space
//     and returned from the host call that entered the engine (see
//     [HostException]).
//
// # Quick Start
//
//	import (
//	    "github.com/feather-lang/hostbridge"
//	    "github.com/feather-lang/hostbridge/engine/gojaengine"
//	)
//
//	func main() {
//	    rt := hostbridge.New(gojaengine.New(), hostbridge.Config{})
//	    defer rt.Close()
//
//	    hostbridge.RegisterType[*Util](rt.DevLoader(), "Util", hostbridge.TypeDef[*Util]{
//	        Statics: hostbridge.Members{
//	            "now": func() int64 { return time.Now().UnixMilli() },
//	        },
//	    })
//
//	    space, _ := rt.LoadModule(context.Background(), hostbridge.Module{
//	        Name:   "main",
//	        Source: `function entry() { return Util.now(); }`,
//	    })
//	    ms, _ := space.InvokeNativeLong("entry", nil)
//	}
//
// # Exposing Types
//
// [RegisterType] publishes a Go type under a script name. Its exported
// methods and struct fields become instance members; TypeDef adds a
// constructor (Type.new), static functions and static fields. Every
// registered type is reachable from script as a global class view, and all
// of them through the module-wide static dispatcher __static, keyed by
// qualified name ("Util::now").
//
// Go objects returned to script that were never registered are exposed with
// their instance members only.
//
// # Module Spaces
//
// A [ModuleSpace] is one loaded unit of guest code with its own execution
// context and an isolated [Loader] that descends from the runtime's dev
// loader. Host code calls into it through the InvokeNative family, which
// convert the script result to the requested Go type.
//
// # Threading
//
// An engine is driven from one goroutine at a time. Values that become
// unreachable without Release are released at the next boundary crossing on
// that goroutine, never from the collector.
package hostbridge
