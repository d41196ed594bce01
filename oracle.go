package hostbridge

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// DispatchID identifies one member of a host type. Ids are small, stable for
// the life of the oracle that assigned them, and never reused. Negative ids
// mean "not found".
type DispatchID int32

const InvalidDispatchID DispatchID = -1

// MemberKind classifies a dispatch id.
type MemberKind int

const (
	MemberField MemberKind = iota
	MemberMethod
	MemberConstructor
	// MemberClassLiteral is the synthetic "class" member of every type. It
	// yields the *HostType itself and has no backing field.
	MemberClassLiteral
)

func (k MemberKind) String() string {
	switch k {
	case MemberField:
		return "field"
	case MemberMethod:
		return "method"
	case MemberConstructor:
		return "constructor"
	case MemberClassLiteral:
		return "class literal"
	default:
		return fmt.Sprintf("MemberKind(%d)", int(k))
	}
}

const (
	classMember = "class"
	ctorMember  = "new"
)

// Member is one resolved member of a host type.
type Member struct {
	ID     DispatchID
	Kind   MemberKind
	Type   *HostType
	Name   string
	Static bool

	fn       reflect.Value // function to call; receiver first for instance methods
	in       []reflect.Type
	out      []reflect.Type
	variadic bool

	field     []int         // instance field index
	ptr       reflect.Value // static field pointer
	fieldType reflect.Type
}

// QualifiedName returns "Type::member".
func (m *Member) QualifiedName() string {
	return m.Type.Name + "::" + m.Name
}

// FieldType is the declared type of a field member.
func (m *Member) FieldType() reflect.Type { return m.fieldType }

// NumIn is the number of declared parameters, receiver excluded.
func (m *Member) NumIn() int { return len(m.in) }

// required is the minimum number of script arguments.
func (m *Member) required() int {
	if m.variadic {
		return len(m.in) - 1
	}
	return len(m.in)
}

func (m *Member) String() string {
	return fmt.Sprintf("%s %s (id %d)", m.Kind, m.QualifiedName(), m.ID)
}

// DispatchIDOracle maps qualified member names ("Type::member") to dispatch ids
// and back.
type DispatchIDOracle interface {
	DispatchID(name string) DispatchID
	Member(id DispatchID) (*Member, bool)
}

// TypeOracle assigns dispatch ids for the types visible to one loader. A
// type's members are numbered together on first lookup: the class literal
// first, then the remaining members in name order.
type TypeOracle struct {
	loader *Loader

	mu      sync.Mutex
	byName  map[string]DispatchID
	members []*Member
	built   map[*HostType]bool
}

var _ DispatchIDOracle = (*TypeOracle)(nil)

func newTypeOracle(l *Loader) *TypeOracle {
	return &TypeOracle{
		loader: l,
		byName: make(map[string]DispatchID),
		built:  make(map[*HostType]bool),
	}
}

func (o *TypeOracle) DispatchID(name string) DispatchID {
	typeName, _, ok := strings.Cut(name, "::")
	if !ok {
		return InvalidDispatchID
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.byName[name]; ok {
		return id
	}
	t, ok := o.loader.LookupType(typeName)
	if !ok {
		return InvalidDispatchID
	}
	o.build(t)
	if id, ok := o.byName[name]; ok {
		return id
	}
	return InvalidDispatchID
}

func (o *TypeOracle) Member(id DispatchID) (*Member, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id < 0 || int(id) >= len(o.members) {
		return nil, false
	}
	return o.members[id], true
}

// MemberOf resolves a member of t by its unqualified name.
func (o *TypeOracle) MemberOf(t *HostType, name string) (*Member, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.build(t)
	id, ok := o.byName[t.Name+"::"+name]
	if !ok {
		return nil, false
	}
	return o.members[id], true
}

// Members lists the members of t in id order.
func (o *TypeOracle) Members(t *HostType) []*Member {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.build(t)
	var out []*Member
	for _, m := range o.members {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (o *TypeOracle) build(t *HostType) {
	if o.built[t] {
		return
	}
	o.built[t] = true
	for _, m := range describe(t) {
		m.ID = DispatchID(len(o.members))
		o.members = append(o.members, m)
		o.byName[m.QualifiedName()] = m.ID
	}
}

// describe lists t's members: the class literal, then everything else sorted
// by name.
func describe(t *HostType) []*Member {
	var rest []*Member

	if t.ctor.IsValid() {
		rest = append(rest, funcMember(t, ctorMember, MemberConstructor, t.ctor, 0))
	}
	for name, fn := range t.statics {
		rest = append(rest, funcMember(t, name, MemberMethod, fn, 0))
	}
	for name, ptr := range t.staticFields {
		rest = append(rest, &Member{
			Kind:      MemberField,
			Type:      t,
			Name:      name,
			Static:    true,
			ptr:       ptr,
			fieldType: ptr.Type().Elem(),
		})
	}
	for name, fn := range t.methods {
		rest = append(rest, funcMember(t, name, MemberMethod, fn, 1))
	}

	methods := make(map[string]bool)
	for i := 0; i < t.Type.NumMethod(); i++ {
		gm := t.Type.Method(i)
		if !gm.IsExported() {
			continue
		}
		methods[gm.Name] = true
		if _, explicit := t.methods[gm.Name]; explicit {
			continue
		}
		if t.Type.Kind() == reflect.Interface {
			m := funcMember(t, gm.Name, MemberMethod, reflect.Value{}, 0)
			m.Static = false
			setSignature(m, gm.Type, 0)
			rest = append(rest, m)
			continue
		}
		rest = append(rest, funcMember(t, gm.Name, MemberMethod, gm.Func, 1))
	}

	for _, f := range structFields(t.Type) {
		if methods[f.Name] {
			continue
		}
		if _, explicit := t.methods[f.Name]; explicit {
			continue
		}
		rest = append(rest, &Member{
			Kind:      MemberField,
			Type:      t,
			Name:      f.Name,
			field:     f.Index,
			fieldType: f.Type,
		})
	}

	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	class := &Member{
		Kind:      MemberClassLiteral,
		Type:      t,
		Name:      classMember,
		Static:    true,
		fieldType: reflect.TypeOf(t),
	}
	return append([]*Member{class}, rest...)
}

// funcMember describes a function. skip is the number of leading parameters
// that are not supplied by script (the receiver).
func funcMember(t *HostType, name string, kind MemberKind, fn reflect.Value, skip int) *Member {
	m := &Member{
		Kind:   kind,
		Type:   t,
		Name:   name,
		Static: skip == 0,
		fn:     fn,
	}
	if fn.IsValid() {
		setSignature(m, fn.Type(), skip)
	}
	return m
}

func setSignature(m *Member, ft reflect.Type, skip int) {
	for i := skip; i < ft.NumIn(); i++ {
		m.in = append(m.in, ft.In(i))
	}
	for i := 0; i < ft.NumOut(); i++ {
		m.out = append(m.out, ft.Out(i))
	}
	m.variadic = ft.IsVariadic()
}

func structFields(t reflect.Type) []reflect.StructField {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	var out []reflect.StructField
	for _, f := range reflect.VisibleFields(t) {
		if f.IsExported() && !f.Anonymous {
			out = append(out, f)
		}
	}
	return out
}

func instanceMemberNames(t reflect.Type) []string {
	var names []string
	methods := make(map[string]bool)
	for i := 0; i < t.NumMethod(); i++ {
		if m := t.Method(i); m.IsExported() {
			names = append(names, m.Name)
			methods[m.Name] = true
		}
	}
	for _, f := range structFields(t) {
		if !methods[f.Name] {
			names = append(names, f.Name)
		}
	}
	return names
}
