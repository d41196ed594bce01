package hostbridge

import (
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gauge struct {
	Label string
	Value float64
	note  string
}

func (g *gauge) Reset()            { g.Value = 0 }
func (g *gauge) Scale(f float64)   { g.Value *= f }
func (g *gauge) Describe() string  { return g.Label + " " + g.note }
func (g *gauge) unexportedMethod() {}

var gaugeLimit = 10.0

func registerGauge(t *testing.T, l *Loader) *HostType {
	t.Helper()
	typ, err := RegisterType[*gauge](l, "Gauge", TypeDef[*gauge]{
		New: func(label string) *gauge { return &gauge{Label: label} },
		Statics: Members{
			"zero": func() *gauge { return &gauge{} },
		},
		StaticFields: map[string]any{
			"limit": &gaugeLimit,
		},
		Methods: Members{
			"double": func(g *gauge) float64 { return g.Value * 2 },
		},
	})
	require.NoError(t, err)
	return typ
}

func TestOracleMemberOrder(t *testing.T) {
	l := NewLoader("test", nil)
	typ := registerGauge(t, l)

	var got []string
	for _, m := range l.Oracle().(*TypeOracle).Members(typ) {
		got = append(got, m.Name+":"+m.Kind.String())
	}
	want := []string{
		"class:class literal",
		"Describe:method",
		"Label:field",
		"Reset:method",
		"Scale:method",
		"Value:field",
		"double:method",
		"limit:field",
		"new:constructor",
		"zero:method",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestOracleDispatchIDStable(t *testing.T) {
	l := NewLoader("test", nil)
	registerGauge(t, l)
	o := l.Oracle()

	first := o.DispatchID("Gauge::Scale")
	require.NotEqual(t, InvalidDispatchID, first)
	assert.Equal(t, first, o.DispatchID("Gauge::Scale"))

	seen := make(map[DispatchID]string)
	for _, name := range []string{
		"Gauge::class", "Gauge::new", "Gauge::zero", "Gauge::limit",
		"Gauge::Label", "Gauge::Value", "Gauge::Reset", "Gauge::Scale",
		"Gauge::Describe", "Gauge::double",
	} {
		id := o.DispatchID(name)
		require.GreaterOrEqual(t, id, DispatchID(0), name)
		if prev, dup := seen[id]; dup {
			t.Fatalf("%s and %s share dispatch id %d", prev, name, id)
		}
		seen[id] = name

		m, ok := o.Member(id)
		require.True(t, ok)
		assert.Equal(t, name, m.QualifiedName())
	}
	assert.Equal(t, DispatchID(0), o.DispatchID("Gauge::class"))
}

func TestOracleNotFound(t *testing.T) {
	l := NewLoader("test", nil)
	registerGauge(t, l)
	o := l.Oracle()

	for _, name := range []string{
		"Gauge", "Gauge::missing", "Gauge::note", "Gauge::unexportedMethod", "Other::new", "",
	} {
		assert.Equal(t, InvalidDispatchID, o.DispatchID(name), name)
	}
	_, ok := o.Member(InvalidDispatchID)
	assert.False(t, ok)
	_, ok = o.Member(1000)
	assert.False(t, ok)
}

func TestOracleParentLookup(t *testing.T) {
	parent := NewLoader("dev", nil)
	registerGauge(t, parent)
	a := NewLoader("a", parent)
	b := NewLoader("b", parent)

	idA := a.Oracle().DispatchID("Gauge::Scale")
	idB := b.Oracle().DispatchID("Gauge::Scale")
	assert.NotEqual(t, InvalidDispatchID, idA)
	assert.Equal(t, idA, idB, "independent oracles number the same type identically")

	typ, ok := a.LookupType("Gauge")
	require.True(t, ok)
	assert.Equal(t, "Gauge", typ.Name)
	assert.Equal(t, []*HostType{typ}, a.Exported())
}

func TestOracleSignature(t *testing.T) {
	l := NewLoader("test", nil)
	typ := registerGauge(t, l)
	o := l.Oracle().(*TypeOracle)

	tests := []struct {
		name     string
		static   bool
		numIn    int
		required int
	}{
		{"new", true, 1, 1},
		{"zero", true, 0, 0},
		{"Scale", false, 1, 1},
		{"double", false, 0, 0},
		{"Describe", false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := o.MemberOf(typ, tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.static, m.Static)
			assert.Equal(t, tt.numIn, m.NumIn())
			assert.Equal(t, tt.required, m.required())
		})
	}
}

func TestRegisterTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		reg  func(l *Loader) error
	}{
		{"empty name", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "", TypeDef[*gauge]{})
			return err
		}},
		{"qualified name", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "a::b", TypeDef[*gauge]{})
			return err
		}},
		{"constructor result", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{New: func() int { return 0 }})
			return err
		}},
		{"constructor second result", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{New: func() (*gauge, int) { return nil, 0 }})
			return err
		}},
		{"method receiver", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{Methods: Members{"m": func(s string) {}}})
			return err
		}},
		{"static not a function", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{Statics: Members{"s": 1}})
			return err
		}},
		{"static field not a pointer", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{StaticFields: map[string]any{"f": 1}})
			return err
		}},
		{"duplicate member", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{Statics: Members{"Reset": func() {}}})
			return err
		}},
		{"reserved member", func(l *Loader) error {
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{Statics: Members{"class": func() {}}})
			return err
		}},
		{"registered twice", func(l *Loader) error {
			if _, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{}); err != nil {
				return nil
			}
			_, err := RegisterType[*gauge](l, "G", TypeDef[*gauge]{})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.reg(NewLoader("test", nil)))
		})
	}
}

type knob struct{ Level int }

func TestLoaderExported(t *testing.T) {
	l := NewLoader("test", nil)
	button, err := RegisterType[*gauge](l, "ui.Button", TypeDef[*gauge]{})
	require.NoError(t, err)
	implicit := l.typeFor(reflect.TypeOf(&knob{}))

	assert.ElementsMatch(t, []*HostType{button, implicit}, l.Types())
	assert.Equal(t, []*HostType{button}, l.Exported())

	shim := staticShim(l.Exported())
	assert.Contains(t, shim.Body, `global["ui.Button"] = p0["ui.Button::class"];`)
}
