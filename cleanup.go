package hostbridge

import (
	"sync"

	"github.com/feather-lang/hostbridge/engine"
)

// releaseQueue collects handles whose owning Value became unreachable without
// an explicit Release. Cleanups enqueue from the runtime's cleanup goroutine;
// the queue is drained only on the goroutine driving the engine.
type releaseQueue struct {
	mu      sync.Mutex
	pending []engine.Handle
}

func (q *releaseQueue) enqueue(h engine.Handle) {
	q.mu.Lock()
	q.pending = append(q.pending, h)
	q.mu.Unlock()
}

func (q *releaseQueue) drain() []engine.Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}

func (q *releaseQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// cleanupArg is what a Value's cleanup sees. It must not reference the Value.
type cleanupArg struct {
	q    *releaseQueue
	cell *handleCell
}

func enqueueRelease(arg cleanupArg) {
	if h := arg.cell.h; h != engine.InvalidHandle {
		arg.cell.h = engine.InvalidHandle
		arg.q.enqueue(h)
	}
}
