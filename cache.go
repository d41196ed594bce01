package hostbridge

import (
	"reflect"
	"runtime"
	"sync"
	"weak"
)

// Wrapper is a script-visible proxy cached by host-object identity.
type Wrapper interface {
	weakRef() wrapperRef
	// onCollect arranges for f to run after the wrapper is collected.
	onCollect(f func())
}

func runCleanup(f func()) { f() }

// wrapperRef is a weak reference to a Wrapper.
type wrapperRef interface {
	get() Wrapper
}

type weakWrapper[T any] struct {
	p weak.Pointer[T]
}

func (w weakWrapper[T]) get() Wrapper {
	if v := w.p.Value(); v != nil {
		return any(v).(Wrapper)
	}
	return nil
}

// WrapperCache holds, per loader, a weak host-object to wrapper map and a
// weak opaque-id to script-object map. Entries disappear when their loader,
// wrapper, or script object is collected; Clear drops a loader's entries
// eagerly. It is safe for concurrent use.
type WrapperCache struct {
	mu      sync.Mutex
	entries map[weak.Pointer[Loader]]*cacheEntry
}

type cacheEntry struct {
	wrappers map[any]wrapperRef
	objects  map[any]weak.Pointer[Value]
}

func NewWrapperCache() *WrapperCache {
	return &WrapperCache{entries: make(map[weak.Pointer[Loader]]*cacheEntry)}
}

// identityKey reports whether obj can key the identity map. Only pointer-like
// values have an identity; anything else is never cached.
func identityKey(obj any) bool {
	if obj == nil {
		return false
	}
	switch reflect.TypeOf(obj).Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}

func (c *WrapperCache) entry(loader *Loader, create bool) *cacheEntry {
	key := weak.Make(loader)
	e, ok := c.entries[key]
	if !ok && create {
		e = &cacheEntry{
			wrappers: make(map[any]wrapperRef),
			objects:  make(map[any]weak.Pointer[Value]),
		}
		c.entries[key] = e
		runtime.AddCleanup(loader, c.evict, key)
	}
	return e
}

func (c *WrapperCache) evict(key weak.Pointer[Loader]) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// GetWrapperForObject returns the live wrapper for obj, if any.
func (c *WrapperCache) GetWrapperForObject(loader *Loader, obj any) (Wrapper, bool) {
	if !identityKey(obj) {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(loader, false)
	if e == nil {
		return nil, false
	}
	ref, ok := e.wrappers[obj]
	if !ok {
		return nil, false
	}
	w := ref.get()
	if w == nil {
		delete(e.wrappers, obj)
		return nil, false
	}
	return w, true
}

// PutWrapperForObject records w as the wrapper for obj. The entry lives as
// long as w does.
func (c *WrapperCache) PutWrapperForObject(loader *Loader, obj any, w Wrapper) {
	if !identityKey(obj) {
		return
	}
	ref := w.weakRef()
	c.mu.Lock()
	c.entry(loader, true).wrappers[obj] = ref
	c.mu.Unlock()
	k := wrapperKey{loader: weak.Make(loader), obj: obj, ref: ref}
	w.onCollect(func() { c.dropWrapper(k) })
}

type wrapperKey struct {
	loader weak.Pointer[Loader]
	obj    any
	ref    wrapperRef
}

func (c *WrapperCache) dropWrapper(k wrapperKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k.loader]
	if !ok {
		return
	}
	if cur, ok := e.wrappers[k.obj]; ok && cur == k.ref {
		delete(e.wrappers, k.obj)
	}
}

// GetCachedScriptObject returns the script object cached under id. A miss
// means the caller re-derives it.
func (c *WrapperCache) GetCachedScriptObject(loader *Loader, id any) (*Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(loader, false)
	if e == nil {
		return nil, false
	}
	wp, ok := e.objects[id]
	if !ok {
		return nil, false
	}
	v := wp.Value()
	if v == nil || v.Handle() == 0 {
		delete(e.objects, id)
		return nil, false
	}
	return v, true
}

// PutCachedScriptObject caches v under id without keeping it alive.
func (c *WrapperCache) PutCachedScriptObject(loader *Loader, id any, v *Value) {
	wp := weak.Make(v)
	c.mu.Lock()
	c.entry(loader, true).objects[id] = wp
	c.mu.Unlock()
	runtime.AddCleanup(v, c.dropObject, objectKey{loader: weak.Make(loader), id: id, wp: wp})
}

type objectKey struct {
	loader weak.Pointer[Loader]
	id     any
	wp     weak.Pointer[Value]
}

func (c *WrapperCache) dropObject(k objectKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k.loader]
	if !ok {
		return
	}
	if cur, ok := e.objects[k.id]; ok && cur == k.wp {
		delete(e.objects, k.id)
	}
}

// Clear drops every entry for loader.
func (c *WrapperCache) Clear(loader *Loader) {
	c.mu.Lock()
	delete(c.entries, weak.Make(loader))
	c.mu.Unlock()
}

// Len reports the number of live entries cached for loader.
func (c *WrapperCache) Len(loader *Loader) (wrappers, objects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(loader, false)
	if e == nil {
		return 0, 0
	}
	return len(e.wrappers), len(e.objects)
}
