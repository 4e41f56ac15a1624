// Package types defines the structural types that describe component
// function parameters and results.
//
// A Type is a closed tagged union discriminated by Kind. Only the fields
// relevant to the kind are populated:
//
//	option, list      Elem
//	result            Ok, Err (either may be nil)
//	tuple             Elems
//	record            Fields
//	variant           Cases (case Type may be nil)
//	enum, flags       Names
//
// Types are read from the component's type section and are never inferred
// from JSON.
package types

import (
	"strings"
)

// Type describes the shape of one parameter or result.
type Type struct {
	Elem   *Type
	Ok     *Type
	Err    *Type
	Name   string // declared name of a named type definition, if any
	Elems  []Type
	Fields []Field
	Cases  []Case
	Names  []string
	Kind   Kind
}

// Field is a named record member.
type Field struct {
	Name string
	Type Type
}

// Case is a variant case; Type is nil for payload-less cases.
type Case struct {
	Type *Type
	Name string
}

// Constructors keep test tables and schema code short.

func Prim(k Kind) Type            { return Type{Kind: k} }
func Option(elem Type) Type       { return Type{Kind: KindOption, Elem: &elem} }
func List(elem Type) Type         { return Type{Kind: KindList, Elem: &elem} }
func Tuple(elems ...Type) Type    { return Type{Kind: KindTuple, Elems: elems} }
func Record(fields ...Field) Type { return Type{Kind: KindRecord, Fields: fields} }
func Variant(cases ...Case) Type  { return Type{Kind: KindVariant, Cases: cases} }
func Enum(names ...string) Type   { return Type{Kind: KindEnum, Names: names} }
func Flags(names ...string) Type  { return Type{Kind: KindFlags, Names: names} }
func Resource(name string) Type   { return Type{Kind: KindResource, Name: name} }
func Result(ok, err *Type) Type   { return Type{Kind: KindResult, Ok: ok, Err: err} }
func Ptr(t Type) *Type            { return &t }
func F(name string, t Type) Field { return Field{Name: name, Type: t} }
func C(name string, t *Type) Case { return Case{Name: name, Type: t} }

// CaseIndex returns the index of the variant case, or -1.
func (t Type) CaseIndex(name string) int {
	for i, c := range t.Cases {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// NameIndex returns the index of an enum case or flag, or -1.
func (t Type) NameIndex(name string) int {
	for i, n := range t.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// CaseNames lists variant case names in declaration order.
func (t Type) CaseNames() []string {
	names := make([]string, len(t.Cases))
	for i, c := range t.Cases {
		names[i] = c.Name
	}
	return names
}

// String renders the type in WIT syntax.
func (t Type) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Type) write(b *strings.Builder) {
	switch t.Kind {
	case KindOption:
		b.WriteString("option<")
		t.Elem.write(b)
		b.WriteByte('>')
	case KindList:
		b.WriteString("list<")
		t.Elem.write(b)
		b.WriteByte('>')
	case KindResult:
		b.WriteString("result")
		if t.Ok == nil && t.Err == nil {
			return
		}
		b.WriteByte('<')
		if t.Ok != nil {
			t.Ok.write(b)
		} else {
			b.WriteByte('_')
		}
		if t.Err != nil {
			b.WriteString(", ")
			t.Err.write(b)
		}
		b.WriteByte('>')
	case KindTuple:
		b.WriteString("tuple<")
		for i, e := range t.Elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.write(b)
		}
		b.WriteByte('>')
	case KindRecord, KindVariant, KindEnum, KindFlags:
		if t.Name != "" {
			b.WriteString(t.Name)
			return
		}
		t.writeAnonymous(b)
	case KindResource:
		b.WriteString("resource")
		if t.Name != "" {
			b.WriteByte('<')
			b.WriteString(t.Name)
			b.WriteByte('>')
		}
	default:
		b.WriteString(t.Kind.String())
	}
}

func (t Type) writeAnonymous(b *strings.Builder) {
	b.WriteString(t.Kind.String())
	b.WriteString(" { ")
	switch t.Kind {
	case KindRecord:
		for i, f := range t.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Name)
			b.WriteString(": ")
			f.Type.write(b)
		}
	case KindVariant:
		for i, c := range t.Cases {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.Name)
			if c.Type != nil {
				b.WriteByte('(')
				c.Type.write(b)
				b.WriteByte(')')
			}
		}
	default:
		b.WriteString(strings.Join(t.Names, ", "))
	}
	b.WriteString(" }")
}

// MaxFlatParams is the canonical ABI limit above which parameters are
// passed through linear memory instead of the value stack.
const MaxFlatParams = 16

// MaxFlags is the widest flags type the engine accepts. Any flags value
// occupies a single flat slot.
const MaxFlags = 32

// FlatCount returns the number of core values t occupies when flattened.
func (t Type) FlatCount() int {
	switch t.Kind {
	case KindString, KindList:
		return 2
	case KindOption:
		return 1 + t.Elem.FlatCount()
	case KindResult:
		n := 0
		if t.Ok != nil {
			n = t.Ok.FlatCount()
		}
		if t.Err != nil {
			n = max(n, t.Err.FlatCount())
		}
		return 1 + n
	case KindTuple:
		n := 0
		for _, e := range t.Elems {
			n += e.FlatCount()
		}
		return n
	case KindRecord:
		n := 0
		for _, f := range t.Fields {
			n += f.Type.FlatCount()
		}
		return n
	case KindVariant:
		n := 0
		for _, c := range t.Cases {
			if c.Type != nil {
				n = max(n, c.Type.FlatCount())
			}
		}
		return 1 + n
	case KindFlags:
		if len(t.Names) == 0 {
			return 0
		}
		return 1
	default:
		return 1
	}
}

// FlatParams reports whether params fit on the value stack.
func FlatParams(params []Type) bool {
	n := 0
	for _, p := range params {
		n += p.FlatCount()
	}
	return n <= MaxFlatParams
}
