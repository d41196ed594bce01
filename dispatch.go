package hostbridge

import (
	"fmt"
	"reflect"
	"weak"
)

// HostDispatch is the reflective accessor behind a wrapper. It is bound to
// one host object, or unbound (static) when it has no target. Static dispatch
// refuses instance members, but the class literal resolves either way.
//
// The loader is held weakly; once it is collected every lookup fails with
// ErrStaleReference.
type HostDispatch struct {
	target reflect.Value // invalid for static dispatch
	typ    *HostType     // nil for a module-wide static dispatch
	loader weak.Pointer[Loader]
}

// NewHostDispatch binds target, whose type is t, to loader.
func NewHostDispatch(loader *Loader, target reflect.Value, t *HostType) *HostDispatch {
	return &HostDispatch{target: target, typ: t, loader: weak.Make(loader)}
}

// NewStaticDispatch creates an unbound dispatch. t may be nil for a dispatch
// spanning every type of the loader.
func NewStaticDispatch(loader *Loader, t *HostType) *HostDispatch {
	return &HostDispatch{typ: t, loader: weak.Make(loader)}
}

func (d *HostDispatch) Static() bool { return !d.target.IsValid() }

// Type returns the dispatch's host type, or nil for a module-wide static
// dispatch.
func (d *HostDispatch) Type() *HostType { return d.typ }

// Target returns the bound host object.
func (d *HostDispatch) Target() (any, bool) {
	if d.Static() {
		return nil, false
	}
	return d.target.Interface(), true
}

// Loader returns the loader, or nil if it was collected.
func (d *HostDispatch) Loader() *Loader { return d.loader.Value() }

func (d *HostDispatch) oracle() (*TypeOracle, error) {
	l := d.loader.Value()
	if l == nil {
		return nil, ErrStaleReference
	}
	return l.oracle, nil
}

func (d *HostDispatch) member(id DispatchID) (*Member, error) {
	o, err := d.oracle()
	if err != nil {
		return nil, err
	}
	m, ok := o.Member(id)
	if !ok {
		return nil, fmt.Errorf("dispatch id %d: %w", id, ErrNotFound)
	}
	if !m.Static && m.Type != d.typ {
		return nil, fmt.Errorf("%s on %s: %w", m.QualifiedName(), d.describe(), ErrNotFound)
	}
	return m, nil
}

func (d *HostDispatch) describe() string {
	switch {
	case d.typ == nil:
		return "static dispatch"
	case d.Static():
		return d.typ.Name + " class"
	default:
		return d.typ.Name
	}
}

// IsField reports whether id is a field or the class literal.
func (d *HostDispatch) IsField(id DispatchID) bool {
	m, err := d.member(id)
	return err == nil && (m.Kind == MemberField || m.Kind == MemberClassLiteral)
}

// IsMethod reports whether id is a method or constructor.
func (d *HostDispatch) IsMethod(id DispatchID) bool {
	m, err := d.member(id)
	return err == nil && (m.Kind == MemberMethod || m.Kind == MemberConstructor)
}

// Field returns the field member for id.
func (d *HostDispatch) Field(id DispatchID) (*Member, error) {
	m, err := d.member(id)
	if err != nil {
		return nil, err
	}
	if m.Kind != MemberField && m.Kind != MemberClassLiteral {
		return nil, fmt.Errorf("%s is a %s, not a field: %w", m.QualifiedName(), m.Kind, ErrNotFound)
	}
	return m, nil
}

// FieldValue reads a field. The class literal yields the *HostType.
func (d *HostDispatch) FieldValue(id DispatchID) (reflect.Value, error) {
	m, err := d.Field(id)
	if err != nil {
		return reflect.Value{}, err
	}
	switch {
	case m.Kind == MemberClassLiteral:
		return reflect.ValueOf(m.Type), nil
	case m.Static:
		return m.ptr.Elem(), nil
	}
	fv, err := d.instanceField(m)
	if err != nil {
		return reflect.Value{}, err
	}
	return fv, nil
}

// SetFieldValue converts v to the field's type and stores it.
func (d *HostDispatch) SetFieldValue(id DispatchID, v reflect.Value) error {
	m, err := d.Field(id)
	if err != nil {
		return err
	}
	if m.Kind == MemberClassLiteral {
		return fmt.Errorf("%s: %w", m.QualifiedName(), ErrReadOnly)
	}

	var fv reflect.Value
	if m.Static {
		fv = m.ptr.Elem()
	} else if fv, err = d.instanceField(m); err != nil {
		return err
	}
	if !fv.CanSet() {
		return fmt.Errorf("%s: %w", m.QualifiedName(), ErrReadOnly)
	}
	if !v.IsValid() {
		fv.SetZero()
		return nil
	}
	if !v.Type().AssignableTo(fv.Type()) {
		if !v.Type().ConvertibleTo(fv.Type()) {
			return &MarshalError{Func: m.QualifiedName(), Expected: fv.Type().String(), Actual: kindOfGo(v)}
		}
		v = v.Convert(fv.Type())
	}
	fv.Set(v)
	return nil
}

// Method returns the method or constructor member for id.
func (d *HostDispatch) Method(id DispatchID) (*Member, error) {
	m, err := d.member(id)
	if err != nil {
		return nil, err
	}
	if m.Kind != MemberMethod && m.Kind != MemberConstructor {
		return nil, fmt.Errorf("%s is a %s, not a method: %w", m.QualifiedName(), m.Kind, ErrNotFound)
	}
	return m, nil
}

func (d *HostDispatch) instanceField(m *Member) (reflect.Value, error) {
	if d.Static() {
		return reflect.Value{}, fmt.Errorf("%s: %w", m.QualifiedName(), ErrInstanceRequired)
	}
	v := d.target
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("%s: nil %v", m.QualifiedName(), v.Type())
		}
		v = v.Elem()
	}
	fv, err := v.FieldByIndexErr(m.field)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%s: %w", m.QualifiedName(), err)
	}
	return fv, nil
}
