package hostbridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/feather-lang/hostbridge/engine"
)

// Config configures a Runtime.
type Config struct {
	// Logger receives bridge diagnostics. Nil disables logging.
	Logger *zap.Logger

	// Diagnostic enables protection checks on every handle that crosses the
	// boundary. A violation panics with *ProtocolViolationError.
	Diagnostic bool

	// FramePolicy classifies boundary-internal stack frames for host
	// exceptions. Nil means DefaultFramePolicy.
	FramePolicy FramePolicy

	// Binding creates the engine-specific steps of each module space. Nil
	// means NewScriptBinding.
	Binding func(*ModuleSpace) SpaceBinding
}

// Module describes one unit of guest code.
type Module struct {
	Name string

	// Source is executed in the module's context after the static dispatcher
	// is installed.
	Source string

	// Entry names global functions invoked, in order, once Source has run.
	Entry []string
}

// Runtime is the host runtime delegate: it creates module spaces, owns the
// dev loader every module loader descends from, and holds the wrapper cache
// shared by all module spaces.
type Runtime struct {
	eng         engine.Engine
	cache       *WrapperCache
	logger      *zap.Logger
	releases    *releaseQueue
	diagnostic  bool
	framePolicy FramePolicy
	newBinding  func(*ModuleSpace) SpaceBinding
	dev         *Loader

	mu     sync.Mutex
	spaces map[engine.Context]*ModuleSpace
}

// New creates a runtime driving eng.
func New(eng engine.Engine, cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.FramePolicy
	if policy == nil {
		policy = DefaultFramePolicy
	}
	return &Runtime{
		eng:         eng,
		cache:       NewWrapperCache(),
		logger:      logger,
		releases:    &releaseQueue{},
		diagnostic:  cfg.Diagnostic,
		framePolicy: policy,
		newBinding:  cfg.Binding,
		dev:         NewLoader("dev", nil),
		spaces:      make(map[engine.Context]*ModuleSpace),
	}
}

func (rt *Runtime) Engine() engine.Engine { return rt.eng }
func (rt *Runtime) Cache() *WrapperCache  { return rt.cache }
func (rt *Runtime) Logger() *zap.Logger   { return rt.logger }

// DevLoader returns the loader shared by every module space. Types registered
// here are visible to all modules.
func (rt *Runtime) DevLoader() *Loader { return rt.dev }

// CreateModuleSpaceHost creates the host-side delegate for a module, with an
// isolated loader descending from the dev loader.
func (rt *Runtime) CreateModuleSpaceHost(name string) *ModuleSpaceHost {
	return newModuleSpaceHost(name, NewLoader(name, rt.dev), rt.logger)
}

// CreateModuleSpace creates a module space in the constructing state.
func (rt *Runtime) CreateModuleSpace(mod Module, host *ModuleSpaceHost) (*ModuleSpace, error) {
	r, err := newRealm(rt.eng)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", mod.Name, err)
	}
	s := newModuleSpace(rt, mod, host, r)

	rt.mu.Lock()
	rt.spaces[r.ctx] = s
	rt.mu.Unlock()
	return s, nil
}

// DispatchIDOracle returns the oracle for a module's loader.
func (rt *Runtime) DispatchIDOracle(host *ModuleSpaceHost) DispatchIDOracle {
	return host.Loader().Oracle()
}

// LoadModule creates a module space for mod and loads it on the calling
// goroutine. The load fails if ctx ends before the source or an entry
// function runs; a failed space is disposed before LoadModule returns.
func (rt *Runtime) LoadModule(ctx context.Context, mod Module) (*ModuleSpace, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("module %q: %w", mod.Name, err)
	}
	host := rt.CreateModuleSpaceHost(mod.Name)
	s, err := rt.CreateModuleSpace(mod, host)
	if err != nil {
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		return nil, multierr.Append(err, s.Dispose())
	}
	return s, nil
}

// Spaces returns the live module spaces ordered by name.
func (rt *Runtime) Spaces() []*ModuleSpace {
	rt.mu.Lock()
	out := make([]*ModuleSpace, 0, len(rt.spaces))
	for _, s := range rt.spaces {
		out = append(out, s)
	}
	rt.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close disposes every module space and closes the engine.
func (rt *Runtime) Close() error {
	var err error
	for _, s := range rt.Spaces() {
		err = multierr.Append(err, s.Dispose())
	}
	rt.flushCleanups()
	return multierr.Append(err, rt.eng.Close())
}

func (rt *Runtime) spaceFor(ctx engine.Context) (*ModuleSpace, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.spaces[ctx]
	return s, ok
}

func (rt *Runtime) forget(ctx engine.Context) {
	rt.mu.Lock()
	delete(rt.spaces, ctx)
	rt.mu.Unlock()
}

// checkProtected panics in diagnostic mode if h carries no protection.
func (rt *Runtime) checkProtected(h engine.Handle, op string) {
	if rt.diagnostic && rt.eng.ProtectCount(h) == 0 {
		panic(&ProtocolViolationError{Handle: h, Op: op})
	}
}

// flushCleanups releases handles of Values collected without Release. It
// must only run on the goroutine driving the engine.
func (rt *Runtime) flushCleanups() int {
	pending := rt.releases.drain()
	for _, h := range pending {
		rt.eng.Unprotect(h)
	}
	return len(pending)
}

// enter marks a boundary crossing into the host for ctx. The returned
// function undoes it and must run on every exit path.
func (rt *Runtime) enter(ctx engine.Context) func() {
	rt.eng.PushContext(ctx)
	rt.flushCleanups()
	return func() {
		rt.flushCleanups()
		rt.eng.PopContext()
	}
}

// recordException stores ex as the active exception of the module space that
// owns ctx.
func (rt *Runtime) recordException(ctx engine.Context, ex *HostException) {
	s, ok := rt.spaceFor(ctx)
	if !ok {
		rt.logger.Error("host exception outside a module space",
			zap.Uint32("context", uint32(ctx)),
			zap.String("method", ex.Method),
			zap.Error(ex.Err))
		return
	}
	s.setException(ex)
}
