package hostbridge_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/feather-lang/hostbridge"
	"github.com/feather-lang/hostbridge/engine"
	"github.com/feather-lang/hostbridge/engine/gojaengine"
)

type Counter struct {
	Name  string
	Count int64
}

func (c *Counter) Inc() int64 {
	c.Count++
	return c.Count
}

func (c *Counter) Add(a, b int64) int64 {
	c.Count += a + b
	return c.Count
}

type Rect struct {
	W float64 `script:"w"`
	H float64 `script:"h"`
}

const fixedNow = int64(1700000000123)

var errBoom = errors.New("boom")

func newRuntime(t *testing.T, cfg hostbridge.Config) *hostbridge.Runtime {
	t.Helper()
	rt := hostbridge.New(gojaengine.New(), cfg)
	t.Cleanup(func() { assert.NoError(t, rt.Close()) })

	_, err := hostbridge.RegisterType[*Counter](rt.DevLoader(), "Counter", hostbridge.TypeDef[*Counter]{
		New: func(name string) *Counter { return &Counter{Name: name} },
	})
	require.NoError(t, err)

	shared := &Counter{Name: "shared"}
	_, err = hostbridge.RegisterType[*struct{}](rt.DevLoader(), "Util", hostbridge.TypeDef[*struct{}]{
		Statics: hostbridge.Members{
			"now":    func() int64 { return fixedNow },
			"add":    func(a, b int64) int64 { return a + b },
			"join":   func(sep string, parts ...string) string { return strings.Join(parts, sep) },
			"area":   func(r Rect) float64 { return r.W * r.H },
			"shared": func() *Counter { return shared },
			"fail":   func() error { return errBoom },
			"explode": func() {
				panic("kaboom")
			},
		},
	})
	require.NoError(t, err)
	return rt
}

func load(t *testing.T, rt *hostbridge.Runtime, mod hostbridge.Module) *hostbridge.ModuleSpace {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := rt.LoadModule(ctx, mod)
	require.NoError(t, err)
	return s
}

func eval(t *testing.T, s *hostbridge.ModuleSpace, src string) string {
	t.Helper()
	v, err := s.Eval(src)
	require.NoError(t, err, src)
	defer v.Release()
	return v.String()
}

func TestScenarioStaticMethodReturnsLong(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	s := load(t, rt, hostbridge.Module{
		Name:   "clock",
		Source: "function entry() { return Util.now(); }",
	})

	got, err := s.InvokeNativeLong("entry", nil)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, got)
	assert.Nil(t, s.ActiveException())
}

func TestScenarioHostErrorRethrown(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	s := load(t, rt, hostbridge.Module{
		Name:   "ui",
		Source: "function onClick() { Util.fail(); }\nfunction onPanic() { Util.explode(); }",
	})

	tests := []struct {
		name   string
		fn     string
		method string
		check  func(t *testing.T, ex *hostbridge.HostException)
	}{
		{
			name:   "returned error",
			fn:     "onClick",
			method: "Util::fail",
			check: func(t *testing.T, ex *hostbridge.HostException) {
				assert.ErrorIs(t, ex, errBoom)
				assert.Nil(t, ex.Recovered)
			},
		},
		{
			name:   "panic",
			fn:     "onPanic",
			method: "Util::explode",
			check: func(t *testing.T, ex *hostbridge.HostException) {
				assert.Equal(t, "kaboom", ex.Recovered)
				assert.EqualError(t, ex.Err, "panic: kaboom")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.InvokeNativeVoid(tt.fn, nil)
			require.Error(t, err)

			var ex *hostbridge.HostException
			require.ErrorAs(t, err, &ex)
			assert.Equal(t, tt.method, ex.Method)
			tt.check(t, ex)

			require.NotEmpty(t, ex.Frames)
			assert.Contains(t, ex.Frames[0].Function, "hostbridge_test.newRuntime")
			for _, f := range ex.Frames {
				assert.NotContains(t, f.Function, "InvokeNative")
				assert.NotContains(t, f.Function, "MethodDispatch")
			}
			assert.Nil(t, s.ActiveException(), "the slot is cleared once rethrown")
		})
	}
}

func TestExceptionRoundTrip(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})

	var (
		space        *hostbridge.ModuleSpace
		pending      error
		sawUndefined bool
	)
	_, err := hostbridge.RegisterType[*struct{ probe int }](rt.DevLoader(), "Probe", hostbridge.TypeDef[*struct{ probe int }]{
		Statics: hostbridge.Members{
			"check": func(undefined bool) {
				sawUndefined = undefined
				if ex := space.ActiveException(); ex != nil {
					pending = ex.Err
				}
			},
		},
	})
	require.NoError(t, err)

	space = load(t, rt, hostbridge.Module{
		Name:   "probe",
		Source: "function run() { var r = Util.fail(); Probe.check(r === undefined); return 1; }",
	})

	_, err = space.InvokeNativeInt("run", nil)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, sawUndefined, "a failing call returns undefined to script")
	assert.ErrorIs(t, pending, errBoom, "the exception is recorded while script still runs")
	assert.Nil(t, space.ActiveException())
}

func TestArityTolerance(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	s := load(t, rt, hostbridge.Module{
		Name: "arity",
		Source: `
function extra() { return Util.add(1, 2, 3); }
function missing() { return Util.add(1); }
function variadic() { return Util.join("-", "a", "b", "c"); }
function variadicEmpty() { return Util.join("-"); }
`,
	})

	sum, err := s.InvokeNativeLong("extra", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum)

	_, err = s.InvokeNativeLong("missing", nil)
	var ae *hostbridge.ArityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "Util::add", ae.Method)
	assert.Equal(t, 2, ae.Expected)
	assert.Equal(t, 1, ae.Got)

	joined, err := s.InvokeNativeString("variadic", nil)
	require.NoError(t, err)
	assert.Equal(t, "a-b-c", joined)

	joined, err = s.InvokeNativeString("variadicEmpty", nil)
	require.NoError(t, err)
	assert.Equal(t, "", joined)
}

func TestIdentityStability(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	s := load(t, rt, hostbridge.Module{
		Name:   "identity",
		Source: "function same(a, b) { return a === b; }",
	})

	assert.Equal(t, "true", eval(t, s, "Util.shared() === Util.shared()"))
	assert.Equal(t, "true", eval(t, s, "Util === __static['Util::class']"))
	assert.Equal(t, "true", eval(t, s, "Util.shared === Util.shared"))

	c := &Counter{Name: "host"}
	same, err := s.InvokeNativeBoolean("same", nil, c, c)
	require.NoError(t, err)
	assert.True(t, same)

	same, err = s.InvokeNativeBoolean("same", nil, c, &Counter{Name: "host"})
	require.NoError(t, err)
	assert.False(t, same)
}

func TestHostObjects(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	s := load(t, rt, hostbridge.Module{
		Name: "objects",
		Source: `
var c = Counter.new("clicks");
function bump(counter) { counter.Inc(); return counter.Add(2, 3); }
`,
	})

	assert.Equal(t, "clicks", eval(t, s, "c.Name"))
	assert.Equal(t, "1", eval(t, s, "c.Inc()"))
	assert.Equal(t, "10", eval(t, s, "c.Count = 10; c.Count"))
	assert.Equal(t, "undefined", eval(t, s, "typeof c.missing"))
	assert.Equal(t, "function", eval(t, s, "c.Inc = 5; typeof c.Inc"))
	assert.Equal(t, "6", eval(t, s, "Util.area({w: 2, h: 3})"))

	v, err := s.Eval("c")
	require.NoError(t, err)
	obj, ok := v.HostObject()
	v.Release()
	require.True(t, ok)
	assert.Equal(t, &Counter{Name: "clicks", Count: 10}, obj)

	host := &Counter{}
	n, err := s.InvokeNativeLong("bump", nil, host)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, int64(6), host.Count)
}

func TestNumericDispatchID(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})
	s := load(t, rt, hostbridge.Module{Name: "ids"})

	id := rt.DispatchIDOracle(s.Host()).DispatchID("Util::now")
	require.GreaterOrEqual(t, id, hostbridge.DispatchID(0))
	assert.Equal(t, fmt.Sprint(fixedNow), eval(t, s, fmt.Sprintf("Util[%d]()", id)))
}

func TestInvokeNativeConversions(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	s := load(t, rt, hostbridge.Module{
		Name: "conv",
		Source: `
function nothing() { return null; }
function text() { return "héllo"; }
function letter() { return "x"; }
function code() { return 65; }
function big() { return 300; }
function half() { return 0.5; }
function yes() { return true; }
function echo(v) { return v; }
`,
	})

	_, err := s.InvokeNativeLong("nothing", nil)
	var me *hostbridge.MarshalError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "nothing", me.Func)
	assert.Equal(t, "int64", me.Expected)
	assert.Equal(t, engine.KindNull, me.Actual)

	str, err := s.InvokeNativeString("text", nil)
	require.NoError(t, err)
	assert.Equal(t, "héllo", str)

	r, err := s.InvokeNativeChar("letter", nil)
	require.NoError(t, err)
	assert.Equal(t, 'x', r)
	r, err = s.InvokeNativeChar("code", nil)
	require.NoError(t, err)
	assert.Equal(t, 'A', r)
	_, err = s.InvokeNativeChar("text", nil)
	assert.ErrorAs(t, err, &me)

	_, err = s.InvokeNativeByte("big", nil)
	assert.ErrorAs(t, err, &me)
	short, err := s.InvokeNativeShort("big", nil)
	require.NoError(t, err)
	assert.Equal(t, int16(300), short)

	f, err := s.InvokeNativeFloat("half", nil)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), f)
	d, err := s.InvokeNativeDouble("half", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, d)

	b, err := s.InvokeNativeBoolean("yes", nil)
	require.NoError(t, err)
	assert.True(t, b)

	echoed, err := s.InvokeNativeString("echo", nil, "round trip")
	require.NoError(t, err)
	assert.Equal(t, "round trip", echoed)

	obj, err := s.InvokeNativeObject("echo", nil, []any{int64(1), "two"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "two"}, obj.Export())
	obj.Release()

	assert.ErrorIs(t, s.InvokeNativeVoid("undefinedFunction", nil), engine.ErrNotFunction)
}

func TestCreateNativeMethods(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	s := load(t, rt, hostbridge.Module{Name: "native"})

	require.NoError(t, s.CreateNativeMethods([]hostbridge.NativeMethod{
		{Name: "sum", Arity: 2, Body: "return p0 + p1;"},
		{Name: "stamp", Body: "return Util.now();"},
	}))

	n, err := s.InvokeNativeInt("sum", nil, 40, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(42), n)

	l, err := s.InvokeNativeLong("stamp", nil)
	require.NoError(t, err)
	assert.Equal(t, fixedNow, l)
}

func TestEntryFunctionsRunOnLoad(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})
	s := load(t, rt, hostbridge.Module{
		Name:   "entry",
		Source: "var calls = [];\nfunction first() { calls.push(1); }\nfunction second() { calls.push(2); }",
		Entry:  []string{"first", "second"},
	})
	assert.Equal(t, "1,2", eval(t, s, "calls.join(',')"))
}

type failingBinding struct {
	hostbridge.SpaceBinding
}

var errInit = errors.New("no static dispatcher")

func (failingBinding) CreateStaticDispatcher() error { return errInit }

func TestStaticDispatcherInitFailureAbortsLoad(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{
		Binding: func(s *hostbridge.ModuleSpace) hostbridge.SpaceBinding {
			return failingBinding{hostbridge.NewScriptBinding(s)}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rt.LoadModule(ctx, hostbridge.Module{Name: "broken", Source: "1"})

	var ie *hostbridge.StaticDispatcherInitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "broken", ie.Module)
	assert.ErrorIs(t, err, errInit)
	assert.Empty(t, rt.Spaces())
}

func TestModuleSpaceLifecycle(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})
	host := rt.CreateModuleSpaceHost("life")
	s, err := rt.CreateModuleSpace(hostbridge.Module{Name: "life"}, host)
	require.NoError(t, err)

	assert.False(t, s.Ready())
	_, err = s.Eval("1")
	assert.ErrorIs(t, err, hostbridge.ErrNotReady)

	require.NoError(t, s.OnLoad())
	assert.True(t, s.Ready())
	assert.Error(t, s.OnLoad(), "a space loads once")
	select {
	case <-host.Ready():
	default:
		t.Fatal("host not signalled ready")
	}

	require.NoError(t, s.Dispose())
	assert.False(t, s.Ready())
	assert.Nil(t, s.Host())
	_, err = s.Eval("1")
	assert.ErrorIs(t, err, hostbridge.ErrDisposed)
	assert.ErrorIs(t, s.InvokeNativeVoid("f", nil), hostbridge.ErrDisposed)
	assert.NoError(t, s.Dispose(), "dispose is idempotent")
	assert.Empty(t, rt.Spaces())
}

func TestDisposeClearsCache(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})
	s := load(t, rt, hostbridge.Module{Name: "cache"})

	eval(t, s, "Util.shared().Inc()")
	wrappers, _ := rt.Cache().Len(s.Loader())
	require.NotZero(t, wrappers)

	require.NoError(t, s.Dispose())
	wrappers, objects := rt.Cache().Len(s.Loader())
	assert.Zero(t, wrappers)
	assert.Zero(t, objects)
}

func TestWaitReadyTimeout(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})
	host := rt.CreateModuleSpaceHost("slow")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, host.WaitReady(ctx), context.Canceled)

	host.OnModuleReady()
	host.OnModuleReady()
	assert.NoError(t, host.WaitReady(context.Background()))
}

func TestModuleLoaderIsolation(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})
	a := load(t, rt, hostbridge.Module{Name: "a"})
	b := load(t, rt, hostbridge.Module{Name: "b"})

	_, err := hostbridge.RegisterType[*Rect](a.Loader(), "Shape", hostbridge.TypeDef[*Rect]{
		New: func() *Rect { return &Rect{W: 1, H: 1} },
	})
	require.NoError(t, err)

	_, ok := a.Loader().LookupType("Shape")
	assert.True(t, ok)
	_, ok = b.Loader().LookupType("Shape")
	assert.False(t, ok)
	_, ok = b.Loader().LookupType("Counter")
	assert.True(t, ok, "module loaders see the dev loader")

	assert.Equal(t, "a,b", names(rt.Spaces()))
}

func names(spaces []*hostbridge.ModuleSpace) string {
	out := make([]string, len(spaces))
	for i, s := range spaces {
		out[i] = s.Name()
	}
	return strings.Join(out, ",")
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	rt := newRuntime(t, hostbridge.Config{Logger: zap.New(core)})
	s := load(t, rt, hostbridge.Module{
		Name:   "logged",
		Source: "function onClick() { Util.fail(); }",
	})

	loaded := logs.FilterMessage("module loaded").All()
	require.Len(t, loaded, 1)
	assert.Equal(t, zapcore.InfoLevel, loaded[0].Level)
	assert.Equal(t, "logged", loaded[0].ContextMap()["module"])

	assert.Error(t, s.InvokeNativeVoid("onClick", nil))
	warned := logs.FilterMessage("host exception").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.Equal(t, "Util::fail", warned[0].ContextMap()["method"])

	eval(t, s, "Util.nothingHere")
	assert.Equal(t, 1, logs.FilterMessage("unresolved property").FilterField(zap.String("name", "nothingHere")).Len())

	require.NoError(t, s.Dispose())
	assert.Equal(t, 1, logs.FilterMessage("module disposed").Len())
}

type control struct{}

func TestLoadModuleStopsWhenContextEnds(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reached []string
	_, err := hostbridge.RegisterType[*control](rt.DevLoader(), "Ctl", hostbridge.TypeDef[*control]{
		Statics: hostbridge.Members{
			"stop": func() { cancel() },
			"mark": func(name string) { reached = append(reached, name) },
		},
	})
	require.NoError(t, err)

	_, err = rt.LoadModule(ctx, hostbridge.Module{
		Name:   "slow",
		Source: "function first() { Ctl.mark('first'); Ctl.stop(); }\nfunction second() { Ctl.mark('second'); }",
		Entry:  []string{"first", "second"},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first"}, reached)
	assert.Empty(t, rt.Spaces())
	_, inside := rt.Engine().CurrentContext()
	assert.False(t, inside)

	_, err = rt.LoadModule(ctx, hostbridge.Module{Name: "late", Source: "Ctl.mark('late')"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first"}, reached)
	assert.Empty(t, rt.Spaces())
}

type bits struct{}

func TestIntegerRange(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	_, err := hostbridge.RegisterType[*bits](rt.DevLoader(), "Bits", hostbridge.TypeDef[*bits]{
		Statics: hostbridge.Members{
			"half": func(u uint64) uint64 { return u / 2 },
		},
	})
	require.NoError(t, err)
	s := load(t, rt, hostbridge.Module{
		Name: "range",
		Source: `
function huge() { return 1e20; }
function tiny() { return -1e20; }
function edge() { return 9223372036854775808; }
function halfOf(x) { return Bits.half(x); }
`,
	})

	for _, fn := range []string{"huge", "tiny", "edge"} {
		t.Run(fn, func(t *testing.T) {
			got, err := s.InvokeNativeLong(fn, nil)
			var me *hostbridge.MarshalError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, fn, me.Func)
			assert.Equal(t, "int64", me.Expected)
			assert.Zero(t, got)
		})
	}

	got, err := s.InvokeNativeLong("halfOf", nil, int64(1)<<53)
	require.NoError(t, err)
	assert.Equal(t, int64(1)<<52, got)

	for _, arg := range []float64{1e20, 18446744073709551616} {
		_, err = s.InvokeNativeLong("halfOf", nil, arg)
		var me *hostbridge.MarshalError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "Bits::half argument 1", me.Func)
		assert.Equal(t, "uint64", me.Expected)
	}
}

func TestBoundaryBalancedOnEveryExit(t *testing.T) {
	rt := newRuntime(t, hostbridge.Config{Diagnostic: true})
	eng := rt.Engine().(*gojaengine.Engine)
	s := load(t, rt, hostbridge.Module{
		Name: "balance",
		Source: `
function fails(o) { return Util.fail(); }
function panics(o) { return Util.explode(); }
function instanceOnly(o) { try { return Counter.Count; } catch (e) { return "caught"; } }
function tooFew(o) { return Util.add(1); }
`,
	})
	arg, err := s.Eval("({tag: 'arg'})")
	require.NoError(t, err)
	defer arg.Release()

	tests := []struct {
		fn    string
		check func(t *testing.T, err error)
	}{
		{"fails", func(t *testing.T, err error) { assert.ErrorIs(t, err, errBoom) }},
		{"panics", func(t *testing.T, err error) { assert.ErrorContains(t, err, "kaboom") }},
		{"instanceOnly", func(t *testing.T, err error) { assert.NoError(t, err) }},
		{"tooFew", func(t *testing.T, err error) {
			var ae *hostbridge.ArityError
			assert.ErrorAs(t, err, &ae)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			call := func() {
				_, err := s.InvokeNativeString(tt.fn, nil, arg)
				tt.check(t, err)
				_, inside := eng.CurrentContext()
				assert.False(t, inside, "context left pushed")
			}

			call()
			before := eng.LiveHandles()
			for i := 0; i < 3; i++ {
				call()
			}
			assert.Equal(t, 1, eng.ProtectCount(arg.Handle()))
			assert.LessOrEqual(t, eng.LiveHandles(), before)
		})
	}

	caught, err := s.InvokeNativeString("instanceOnly", nil, arg)
	require.NoError(t, err)
	assert.Equal(t, "caught", caught)
}
