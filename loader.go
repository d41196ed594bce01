package hostbridge

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Members maps member names to Go functions.
type Members map[string]any

// TypeDef defines a Go type exposed to script. Instance members are the
// exported methods of T and, for struct types, its exported fields.
type TypeDef[T any] struct {
	// New is the constructor, reachable from script as Type.new(...). It must
	// be a function returning T, optionally followed by an error.
	New any

	// Methods are extra instance methods. Each function takes the receiver
	// as its first parameter and shadows a Go method of the same name.
	Methods Members

	// Statics are functions callable without a receiver, e.g. Type.now().
	Statics Members

	// StaticFields maps names to pointers of variables shared by every
	// instance.
	StaticFields map[string]any
}

// HostType is a Go type registered with a Loader.
type HostType struct {
	Name string
	Type reflect.Type

	// registered is false for types recorded on first exposure.
	registered bool

	ctor         reflect.Value
	methods      map[string]reflect.Value
	statics      map[string]reflect.Value
	staticFields map[string]reflect.Value
}

func newHostType(name string, rt reflect.Type) *HostType {
	return &HostType{
		Name:         name,
		Type:         rt,
		methods:      make(map[string]reflect.Value),
		statics:      make(map[string]reflect.Value),
		staticFields: make(map[string]reflect.Value),
	}
}

func (t *HostType) String() string { return t.Name }

// Loader is a registry of host types visible to script. Lookups consult the
// parent first, so module loaders see every type of the runtime's dev loader.
type Loader struct {
	name   string
	parent *Loader
	oracle *TypeOracle

	mu     sync.RWMutex
	types  map[string]*HostType
	byType map[reflect.Type]*HostType
}

// NewLoader creates a loader. parent may be nil.
func NewLoader(name string, parent *Loader) *Loader {
	l := &Loader{
		name:   name,
		parent: parent,
		types:  make(map[string]*HostType),
		byType: make(map[reflect.Type]*HostType),
	}
	l.oracle = newTypeOracle(l)
	return l
}

func (l *Loader) Name() string    { return l.name }
func (l *Loader) Parent() *Loader { return l.parent }

// Oracle returns the loader's dispatch-id oracle.
func (l *Loader) Oracle() DispatchIDOracle { return l.oracle }

// RegisterType exposes T under name.
//
//	hostbridge.RegisterType[*Counter](loader, "Counter", hostbridge.TypeDef[*Counter]{
//	    New: func() *Counter { return &Counter{} },
//	    Statics: hostbridge.Members{
//	        "zero": func() int { return 0 },
//	    },
//	})
func RegisterType[T any](l *Loader, name string, def TypeDef[T]) (*HostType, error) {
	if name == "" || strings.Contains(name, "::") {
		return nil, fmt.Errorf("RegisterType: invalid type name %q", name)
	}
	t := newHostType(name, reflect.TypeOf((*T)(nil)).Elem())
	t.registered = true

	if def.New != nil {
		ctor := reflect.ValueOf(def.New)
		if err := checkConstructor(ctor, t.Type); err != nil {
			return nil, fmt.Errorf("RegisterType %s: %w", name, err)
		}
		t.ctor = ctor
	}
	for member, fn := range def.Methods {
		fv := reflect.ValueOf(fn)
		if fv.Kind() != reflect.Func || fv.Type().NumIn() == 0 || !t.Type.AssignableTo(fv.Type().In(0)) {
			return nil, fmt.Errorf("RegisterType %s: method %q: expected function taking %v first, got %T", name, member, t.Type, fn)
		}
		t.methods[member] = fv
	}
	for member, fn := range def.Statics {
		fv := reflect.ValueOf(fn)
		if fv.Kind() != reflect.Func {
			return nil, fmt.Errorf("RegisterType %s: static %q: expected function, got %T", name, member, fn)
		}
		t.statics[member] = fv
	}
	for member, ptr := range def.StaticFields {
		pv := reflect.ValueOf(ptr)
		if pv.Kind() != reflect.Pointer || pv.IsNil() {
			return nil, fmt.Errorf("RegisterType %s: static field %q: expected non-nil pointer, got %T", name, member, ptr)
		}
		t.staticFields[member] = pv
	}
	if err := checkMemberNames(t); err != nil {
		return nil, fmt.Errorf("RegisterType %s: %w", name, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.types[name]; exists {
		return nil, fmt.Errorf("RegisterType: type %q already registered", name)
	}
	l.types[name] = t
	l.byType[t.Type] = t
	return t, nil
}

func checkConstructor(ctor reflect.Value, want reflect.Type) error {
	ct := ctor.Type()
	if ct.Kind() != reflect.Func {
		return fmt.Errorf("constructor: expected function, got %v", ct)
	}
	n := ct.NumOut()
	if n == 0 || n > 2 || !ct.Out(0).AssignableTo(want) {
		return fmt.Errorf("constructor must return %v", want)
	}
	if n == 2 && ct.Out(1) != errorType {
		return fmt.Errorf("constructor: second result must be error")
	}
	return nil
}

func checkMemberNames(t *HostType) error {
	seen := map[string]bool{classMember: true, ctorMember: true}
	var names []string
	for name := range t.statics {
		names = append(names, name)
	}
	for name := range t.staticFields {
		names = append(names, name)
	}
	for name := range t.methods {
		names = append(names, name)
	}
	for _, name := range instanceMemberNames(t.Type) {
		if _, explicit := t.methods[name]; !explicit {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if seen[name] {
			return fmt.Errorf("duplicate member %q", name)
		}
		seen[name] = true
	}
	return nil
}

// LookupType finds a type by name, parent first.
func (l *Loader) LookupType(name string) (*HostType, bool) {
	if l.parent != nil {
		if t, ok := l.parent.LookupType(name); ok {
			return t, true
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.types[name]
	return t, ok
}

func (l *Loader) lookupGoType(rt reflect.Type) (*HostType, bool) {
	if l.parent != nil {
		if t, ok := l.parent.lookupGoType(rt); ok {
			return t, true
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.byType[rt]
	return t, ok
}

// typeFor returns the host type for a Go type, registering an anonymous one
// exposing only instance members when the type was never registered.
func (l *Loader) typeFor(rt reflect.Type) *HostType {
	if t, ok := l.lookupGoType(rt); ok {
		return t
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.byType[rt]; ok {
		return t
	}
	t := newHostType(rt.String(), rt)
	l.byType[rt] = t
	l.types[t.Name] = t
	return t
}

// Types returns every type visible to the loader, sorted by name.
func (l *Loader) Types() []*HostType {
	byName := make(map[string]*HostType)
	for cur := l; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		for name, t := range cur.types {
			if _, shadowed := byName[name]; !shadowed {
				byName[name] = t
			}
		}
		cur.mu.RUnlock()
	}
	out := make([]*HostType, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Exported returns the types registered by name through RegisterType, as
// opposed to types recorded on first exposure.
func (l *Loader) Exported() []*HostType {
	var out []*HostType
	for _, t := range l.Types() {
		if t.registered {
			out = append(out, t)
		}
	}
	return out
}

// Members lists t's members in dispatch-id order.
func (l *Loader) Members(t *HostType) []*Member {
	return l.oracle.Members(t)
}
