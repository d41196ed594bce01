package hostbridge

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/feather-lang/hostbridge/engine"
)

// ModuleSpaceHost is the host-side delegate of one module: its name, its
// isolated loader, and the readiness signal load orchestration waits on.
type ModuleSpaceHost struct {
	name   string
	loader *Loader
	logger *zap.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

func newModuleSpaceHost(name string, loader *Loader, logger *zap.Logger) *ModuleSpaceHost {
	return &ModuleSpaceHost{
		name:   name,
		loader: loader,
		logger: logger.With(zap.String("module", name)),
		ready:  make(chan struct{}),
	}
}

func (h *ModuleSpaceHost) Name() string    { return h.name }
func (h *ModuleSpaceHost) Loader() *Loader { return h.loader }

// OnModuleReady signals readiness. Calls after the first are no-ops.
func (h *ModuleSpaceHost) OnModuleReady() {
	h.readyOnce.Do(func() {
		h.logger.Debug("module ready")
		close(h.ready)
	})
}

// Ready is closed once the module signals readiness.
func (h *ModuleSpaceHost) Ready() <-chan struct{} { return h.ready }

// WaitReady blocks until the module is ready or ctx ends.
func (h *ModuleSpaceHost) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for module readiness: %w", ctx.Err())
	}
}

// realm is a module's native execution context and its global object. It
// holds one retain on the context and one protection on the global.
type realm struct {
	eng    engine.Engine
	ctx    engine.Context
	global engine.Handle
}

func newRealm(eng engine.Engine) (*realm, error) {
	ctx, err := eng.NewContext()
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	global, err := eng.GlobalObject(ctx)
	if err != nil {
		return nil, multierr.Append(
			fmt.Errorf("global object: %w", err),
			eng.ReleaseContext(ctx))
	}
	return &realm{eng: eng, ctx: ctx, global: global}, nil
}

// dispose releases the global and the context. It is idempotent.
func (r *realm) dispose() error {
	if r.global == engine.InvalidHandle {
		return nil
	}
	r.eng.Unprotect(r.global)
	r.global = engine.InvalidHandle
	return r.eng.ReleaseContext(r.ctx)
}
