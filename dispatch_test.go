package hostbridge

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeID(t *testing.T, l *Loader, member string) DispatchID {
	t.Helper()
	id := l.Oracle().DispatchID("Gauge::" + member)
	require.NotEqual(t, InvalidDispatchID, id, member)
	return id
}

func TestStaticDispatchRejectsInstanceFields(t *testing.T) {
	l := NewLoader("test", nil)
	typ := registerGauge(t, l)
	d := NewStaticDispatch(l, typ)

	assert.True(t, d.Static())
	_, ok := d.Target()
	assert.False(t, ok)

	value := gaugeID(t, l, "Value")
	_, err := d.FieldValue(value)
	assert.ErrorIs(t, err, ErrInstanceRequired)
	err = d.SetFieldValue(value, reflect.ValueOf(1.0))
	assert.ErrorIs(t, err, ErrInstanceRequired)

	class := gaugeID(t, l, "class")
	assert.True(t, d.IsField(class))
	v, err := d.FieldValue(class)
	require.NoError(t, err)
	assert.Same(t, typ, v.Interface())
}

func TestInstanceDispatchFields(t *testing.T) {
	l := NewLoader("test", nil)
	typ := registerGauge(t, l)
	g := &gauge{Label: "temp", Value: 21.5}
	d := NewHostDispatch(l, reflect.ValueOf(g), typ)

	value := gaugeID(t, l, "Value")
	v, err := d.FieldValue(value)
	require.NoError(t, err)
	assert.Equal(t, 21.5, v.Float())

	require.NoError(t, d.SetFieldValue(value, reflect.ValueOf(int64(3))))
	assert.Equal(t, 3.0, g.Value)

	err = d.SetFieldValue(value, reflect.ValueOf("three"))
	var me *MarshalError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "Gauge::Value", me.Func)

	class := gaugeID(t, l, "class")
	v, err = d.FieldValue(class)
	require.NoError(t, err)
	assert.Same(t, typ, v.Interface())
	assert.ErrorIs(t, d.SetFieldValue(class, reflect.ValueOf(typ)), ErrReadOnly)

	obj, ok := d.Target()
	require.True(t, ok)
	assert.Same(t, g, obj)
}

func TestDispatchStaticField(t *testing.T) {
	l := NewLoader("test", nil)
	typ := registerGauge(t, l)
	old := gaugeLimit
	t.Cleanup(func() { gaugeLimit = old })

	limit := gaugeID(t, l, "limit")
	for _, d := range []*HostDispatch{
		NewStaticDispatch(l, typ),
		NewStaticDispatch(l, nil),
		NewHostDispatch(l, reflect.ValueOf(&gauge{}), typ),
	} {
		require.NoError(t, d.SetFieldValue(limit, reflect.ValueOf(12.0)))
		v, err := d.FieldValue(limit)
		require.NoError(t, err)
		assert.Equal(t, 12.0, v.Float())
	}
	assert.Equal(t, 12.0, gaugeLimit)
}

func TestDispatchMemberKinds(t *testing.T) {
	l := NewLoader("test", nil)
	typ := registerGauge(t, l)
	d := NewHostDispatch(l, reflect.ValueOf(&gauge{}), typ)

	tests := []struct {
		member   string
		isField  bool
		isMethod bool
	}{
		{"class", true, false},
		{"Label", true, false},
		{"limit", true, false},
		{"new", false, true},
		{"zero", false, true},
		{"Scale", false, true},
		{"double", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			id := gaugeID(t, l, tt.member)
			assert.Equal(t, tt.isField, d.IsField(id))
			assert.Equal(t, tt.isMethod, d.IsMethod(id))

			_, ferr := d.Field(id)
			_, merr := d.Method(id)
			assert.Equal(t, tt.isField, ferr == nil)
			assert.Equal(t, tt.isMethod, merr == nil)
		})
	}

	_, err := d.Field(InvalidDispatchID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.FieldValue(gaugeID(t, l, "Scale"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatchRejectsOtherTypesInstanceMembers(t *testing.T) {
	l := NewLoader("test", nil)
	registerGauge(t, l)
	other, err := RegisterType[*gauge](NewLoader("x", l), "Other", TypeDef[*gauge]{})
	require.NoError(t, err)

	d := NewStaticDispatch(l, other)
	_, err = d.FieldValue(gaugeID(t, l, "Label"))
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := d.FieldValue(gaugeID(t, l, "limit"))
	require.NoError(t, err, "static members resolve from any dispatch")
	assert.Equal(t, reflect.Float64, v.Kind())
}
