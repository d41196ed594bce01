package hostbridge

import (
	"strconv"
	"strings"
)

// NativeMethod is a script function installed under a global name. Its
// parameters are named p0 through p<Arity-1>.
type NativeMethod struct {
	Name  string
	Arity int
	Body  string
}

// Source renders the method as
//
//	global["<name>"] = function(p0,...,pn) { <body> };
func (m NativeMethod) Source() string {
	var b strings.Builder
	b.WriteString("global[")
	b.WriteString(strconv.Quote(m.Name))
	b.WriteString("] = function(")
	for i := 0; i < m.Arity; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('p')
		b.WriteString(strconv.Itoa(i))
	}
	b.WriteString(") { ")
	b.WriteString(m.Body)
	b.WriteString(" };")
	return b.String()
}

// GenerateShim renders methods one per line, in order.
func GenerateShim(methods ...NativeMethod) string {
	lines := make([]string, len(methods))
	for i, m := range methods {
		lines[i] = m.Source()
	}
	return strings.Join(lines, "\n")
}

// Global names used by the static shim.
const (
	defineStaticName = "__defineStatic"
	staticGlobalName = "__static"
)

// staticShim defines __defineStatic(p0), which publishes the static adapter
// p0 as __static and each exported type's class view under the type's name.
func staticShim(types []*HostType) NativeMethod {
	var body strings.Builder
	body.WriteString("global[")
	body.WriteString(strconv.Quote(staticGlobalName))
	body.WriteString("] = p0;")
	for _, t := range types {
		body.WriteString(" global[")
		body.WriteString(strconv.Quote(t.Name))
		body.WriteString("] = p0[")
		body.WriteString(strconv.Quote(t.Name + "::" + classMember))
		body.WriteString("];")
	}
	return NativeMethod{Name: defineStaticName, Arity: 1, Body: body.String()}
}
