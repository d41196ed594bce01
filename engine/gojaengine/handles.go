package gojaengine

import (
	"github.com/dop251/goja"

	"github.com/feather-lang/hostbridge/engine"
)

// Reserved handles. They are shared by every context and never freed.
const (
	handleUndefined engine.Handle = 1
	handleNull      engine.Handle = 2
	handleTrue      engine.Handle = 3
	handleFalse     engine.Handle = 4
	reservedHandles               = 5
)

type slot struct {
	value    goja.Value
	ctx      engine.Context // 0 for reserved slots
	protects int
}

// handleTable maps handles to script values with a protection count per slot.
// A slot is freed when its count drops to zero; its id is then reused.
type handleTable struct {
	slots    []*slot
	freelist []engine.Handle
}

func newHandleTable(prim *goja.Runtime) *handleTable {
	return &handleTable{
		slots: []*slot{
			nil, // slot 0 is never valid
			{value: goja.Undefined()},
			{value: goja.Null()},
			{value: prim.ToValue(true)},
			{value: prim.ToValue(false)},
		},
	}
}

func (t *handleTable) get(h engine.Handle) (*slot, bool) {
	if h == engine.InvalidHandle || int(h) >= len(t.slots) {
		return nil, false
	}
	s := t.slots[h]
	return s, s != nil
}

// allocate stores v under a fresh handle holding one protection.
func (t *handleTable) allocate(ctx engine.Context, v goja.Value) engine.Handle {
	if v == nil || goja.IsUndefined(v) {
		return t.reserved(handleUndefined)
	}
	if goja.IsNull(v) {
		return t.reserved(handleNull)
	}

	s := &slot{value: v, ctx: ctx, protects: 1}
	if n := len(t.freelist); n > 0 {
		h := t.freelist[n-1]
		t.freelist = t.freelist[:n-1]
		t.slots[h] = s
		return h
	}
	t.slots = append(t.slots, s)
	return engine.Handle(len(t.slots) - 1)
}

func (t *handleTable) reserved(h engine.Handle) engine.Handle {
	t.slots[h].protects++
	return h
}

func (t *handleTable) protect(h engine.Handle) {
	if s, ok := t.get(h); ok {
		s.protects++
	}
}

func (t *handleTable) unprotect(h engine.Handle) {
	s, ok := t.get(h)
	if !ok || s.protects == 0 {
		return
	}
	s.protects--
	if s.protects == 0 && h >= reservedHandles {
		t.free(h)
	}
}

func (t *handleTable) count(h engine.Handle) int {
	if s, ok := t.get(h); ok {
		return s.protects
	}
	return 0
}

// live counts the protected handles outside the reserved range.
func (t *handleTable) live() int {
	n := 0
	for _, s := range t.slots[reservedHandles:] {
		if s != nil {
			n++
		}
	}
	return n
}

func (t *handleTable) free(h engine.Handle) {
	t.slots[h] = nil
	t.freelist = append(t.freelist, h)
}

// releaseContext drops every slot owned by ctx regardless of its count. The
// ids are retired rather than reused, so a stale handle held past its
// context can never alias a live value.
func (t *handleTable) releaseContext(ctx engine.Context) {
	for id := reservedHandles; id < len(t.slots); id++ {
		if s := t.slots[id]; s != nil && s.ctx == ctx {
			t.slots[id] = nil
		}
	}
}
