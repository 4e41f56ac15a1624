package marshal

import (
	"github.com/gnufoo/MeCP/types"
)

// Value is a component value. Like types.Type it is a closed union
// discriminated by Kind; only the fields for that kind are meaningful:
//
//	bool                 Bool
//	s8..s64              Int
//	u8..u64              Uint
//	f32, f64             Float (f32 values are already rounded)
//	char                 Char
//	string               Str
//	option               Elem (nil for none)
//	result               IsErr, Elem (nil for an empty payload)
//	list, tuple          Items
//	record               Fields, in declaration order
//	variant              Index, Str (case name), Elem (nil if payload-less)
//	enum                 Index, Str (case name)
//	flags                Names (set flags in declaration order), Uint (bitmask)
//	resource             Uint (handle)
//
// Values carry the names needed to render JSON, so ToJSON needs no type.
type Value struct {
	Elem   *Value
	Str    string
	Items  []Value
	Fields []FieldValue
	Names  []string
	Float  float64
	Int    int64
	Uint   uint64
	Index  int
	Char   rune
	Kind   types.Kind
	Bool   bool
	IsErr  bool
}

// FieldValue is one record member.
type FieldValue struct {
	Name  string
	Value Value
}

func Bool(b bool) Value          { return Value{Kind: types.KindBool, Bool: b} }
func Char(r rune) Value          { return Value{Kind: types.KindChar, Char: r} }
func String(s string) Value      { return Value{Kind: types.KindString, Str: s} }
func F32(f float32) Value        { return Value{Kind: types.KindF32, Float: float64(f)} }
func F64(f float64) Value        { return Value{Kind: types.KindF64, Float: f} }
func None() Value                { return Value{Kind: types.KindOption} }
func Some(v Value) Value         { return Value{Kind: types.KindOption, Elem: &v} }
func List(items ...Value) Value  { return Value{Kind: types.KindList, Items: items} }
func Tuple(items ...Value) Value { return Value{Kind: types.KindTuple, Items: items} }

// Int builds a signed integer value of kind k.
func Int(k types.Kind, v int64) Value { return Value{Kind: k, Int: v} }

// Uint builds an unsigned integer value of kind k.
func Uint(k types.Kind, v uint64) Value { return Value{Kind: k, Uint: v} }

// Ok builds result::ok; payload may be nil.
func Ok(payload *Value) Value { return Value{Kind: types.KindResult, Elem: payload} }

// Err builds result::err; payload may be nil.
func Err(payload *Value) Value {
	return Value{Kind: types.KindResult, IsErr: true, Elem: payload}
}

// Record builds a record from fields in declaration order.
func Record(fields ...FieldValue) Value { return Value{Kind: types.KindRecord, Fields: fields} }

// Variant builds a variant case; payload may be nil.
func Variant(index int, name string, payload *Value) Value {
	return Value{Kind: types.KindVariant, Index: index, Str: name, Elem: payload}
}

// Enum builds an enum case.
func Enum(index int, name string) Value {
	return Value{Kind: types.KindEnum, Index: index, Str: name}
}

// Flags builds a flags value from the set names and their bitmask.
func Flags(mask uint64, names ...string) Value {
	if names == nil {
		names = []string{}
	}
	return Value{Kind: types.KindFlags, Uint: mask, Names: names}
}

// Handle builds an opaque resource handle value.
func Handle(h uint32) Value { return Value{Kind: types.KindResource, Uint: uint64(h)} }

// IsNone reports whether v is option::none.
func (v Value) IsNone() bool {
	return v.Kind == types.KindOption && v.Elem == nil
}

// Field returns the named record field.
func (v Value) Field(name string) (Value, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}
