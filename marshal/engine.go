package marshal

import (
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/types"
)

// The execution engine encodes dynamic Go values through the canonical
// ABI. Its conventions differ by where a value lives: values flattened onto
// the stack take enums as integer discriminants and flags as a bitmask,
// while values stored in linear memory (list elements) take enums by case
// name and flags as map[string]bool. Lower follows both.

// LowerParams converts call arguments into engine values.
func LowerParams(vals []Value, params []types.Type) ([]any, error) {
	if len(vals) != len(params) {
		return nil, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Detail("%d arguments for %d parameters", len(vals), len(params)).Build()
	}
	if !types.FlatParams(params) {
		return nil, errors.Unsupported(errors.PhaseMarshal, nil,
			fmt.Sprintf("parameters flatten to more than %d values", types.MaxFlatParams))
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		lv, err := lower(v, false, []string{fmt.Sprintf("param%d", i)})
		if err != nil {
			return nil, err
		}
		out[i] = lv
	}
	return out, nil
}

// Lower converts a single value for the stack-flattened position.
func Lower(v Value) (any, error) {
	return lower(v, false, nil)
}

func lower(v Value, inMemory bool, path []string) (any, error) {
	switch v.Kind {
	case types.KindBool:
		return v.Bool, nil
	case types.KindS8:
		return int8(v.Int), nil
	case types.KindS16:
		return int16(v.Int), nil
	case types.KindS32:
		return int32(v.Int), nil
	case types.KindS64:
		return v.Int, nil
	case types.KindU8:
		return uint8(v.Uint), nil
	case types.KindU16:
		return uint16(v.Uint), nil
	case types.KindU32:
		return uint32(v.Uint), nil
	case types.KindU64:
		return v.Uint, nil
	case types.KindF32:
		return float32(v.Float), nil
	case types.KindF64:
		return v.Float, nil
	case types.KindChar:
		return v.Char, nil
	case types.KindString:
		return v.Str, nil
	case types.KindOption:
		if v.Elem == nil {
			return nil, nil
		}
		inner, err := lower(*v.Elem, inMemory, path)
		if err != nil || v.Elem.Kind != types.KindOption {
			return inner, err
		}
		// The engine reads a nil option as none at every nesting level. In
		// memory it unwraps one pointer per level, so some(x) of an option
		// is passed as a pointer; on the stack some(none) has no encoding.
		if inMemory {
			return &inner, nil
		}
		if inner == nil {
			return nil, errors.Unsupported(errors.PhaseMarshal, path,
				"some(none) of a nested option cannot be passed as a flat value")
		}
		return inner, nil
	case types.KindResult:
		key := "ok"
		if v.IsErr {
			key = "err"
		}
		var payload any
		if v.Elem != nil {
			p, err := lower(*v.Elem, inMemory, at(path, key))
			if err != nil {
				return nil, err
			}
			payload = p
		}
		return map[string]any{key: payload}, nil
	case types.KindList:
		return lowerList(v.Items, path)
	case types.KindTuple:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			lv, err := lower(item, inMemory, index(path, i))
			if err != nil {
				return nil, err
			}
			out[i] = lv
		}
		return out, nil
	case types.KindRecord:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			lv, err := lower(f.Value, inMemory, at(path, f.Name))
			if err != nil {
				return nil, err
			}
			out[f.Name] = lv
		}
		return out, nil
	case types.KindVariant:
		var payload any
		if v.Elem != nil {
			p, err := lower(*v.Elem, inMemory, at(path, v.Str))
			if err != nil {
				return nil, err
			}
			payload = p
		}
		return map[string]any{v.Str: payload}, nil
	case types.KindEnum:
		if inMemory {
			return v.Str, nil
		}
		return uint32(v.Index), nil
	case types.KindFlags:
		if inMemory {
			set := make(map[string]bool, len(v.Names))
			for _, n := range v.Names {
				set[n] = true
			}
			return set, nil
		}
		return v.Uint, nil
	case types.KindResource:
		return nil, errors.Unsupported(errors.PhaseMarshal, path, "resource handles cannot be passed to a component")
	}
	return nil, errors.Unsupported(errors.PhaseMarshal, path, "unknown value kind "+v.Kind.String())
}

// lowerList produces typed slices for primitive elements, matching what the
// engine's list fast paths expect, and []any otherwise.
func lowerList(items []Value, path []string) (any, error) {
	if len(items) > 0 {
		switch items[0].Kind {
		case types.KindU8:
			return typedSlice(items, func(v Value) uint8 { return uint8(v.Uint) }), nil
		case types.KindS8:
			return typedSlice(items, func(v Value) int8 { return int8(v.Int) }), nil
		case types.KindU16:
			return typedSlice(items, func(v Value) uint16 { return uint16(v.Uint) }), nil
		case types.KindS16:
			return typedSlice(items, func(v Value) int16 { return int16(v.Int) }), nil
		case types.KindU32:
			return typedSlice(items, func(v Value) uint32 { return uint32(v.Uint) }), nil
		case types.KindS32:
			return typedSlice(items, func(v Value) int32 { return int32(v.Int) }), nil
		case types.KindU64:
			return typedSlice(items, func(v Value) uint64 { return v.Uint }), nil
		case types.KindS64:
			return typedSlice(items, func(v Value) int64 { return v.Int }), nil
		case types.KindF32:
			return typedSlice(items, func(v Value) float32 { return float32(v.Float) }), nil
		case types.KindF64:
			return typedSlice(items, func(v Value) float64 { return v.Float }), nil
		case types.KindBool:
			return typedSlice(items, func(v Value) bool { return v.Bool }), nil
		case types.KindString:
			return typedSlice(items, func(v Value) string { return v.Str }), nil
		}
	}
	out := make([]any, len(items))
	for i, item := range items {
		lv, err := lower(item, true, index(path, i))
		if err != nil {
			return nil, err
		}
		out[i] = lv
	}
	return out, nil
}

func typedSlice[T any](items []Value, conv func(Value) T) []T {
	out := make([]T, len(items))
	for i, item := range items {
		out[i] = conv(item)
	}
	return out
}

// LiftResults converts the engine's call result into values. The engine
// returns nothing for zero results, the bare value for one, and a slice
// for several.
func LiftResults(raw any, results []types.Type) ([]Value, error) {
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		v, err := Lift(raw, results[0])
		if err != nil {
			return nil, err
		}
		return []Value{v}, nil
	}
	items, ok := raw.([]any)
	if !ok || len(items) != len(results) {
		return nil, errors.New(errors.PhaseUnmarshal, errors.KindTypeMismatch).
			Got(fmt.Sprintf("%T", raw)).
			Detail("expected %d results", len(results)).Build()
	}
	out := make([]Value, len(items))
	for i, item := range items {
		v, err := lift(item, results[i], []string{fmt.Sprintf("result%d", i)})
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Lift converts an engine-decoded Go value of type t into a Value.
func Lift(raw any, t types.Type) (Value, error) {
	return lift(raw, t, nil)
}

func lift(raw any, t types.Type, path []string) (Value, error) {
	mismatch := func() error {
		return errors.TypeMismatch(errors.PhaseUnmarshal, path, fmt.Sprintf("%T", raw), t.String())
	}

	switch t.Kind {
	case types.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, mismatch()
		}
		return Bool(b), nil
	case types.KindS8, types.KindS16, types.KindS32, types.KindS64:
		rv := reflect.ValueOf(raw)
		switch {
		case rv.CanInt():
			return Int(t.Kind, rv.Int()), nil
		case rv.CanUint():
			return Int(t.Kind, signExtend(rv.Uint(), t.Kind.Bits())), nil
		}
		return Value{}, mismatch()
	case types.KindU8, types.KindU16, types.KindU32, types.KindU64:
		rv := reflect.ValueOf(raw)
		switch {
		case rv.CanUint():
			return Uint(t.Kind, rv.Uint()), nil
		case rv.CanInt():
			return Uint(t.Kind, uint64(rv.Int())&widthMask(t.Kind.Bits())), nil
		}
		return Value{}, mismatch()
	case types.KindF32, types.KindF64:
		var f float64
		switch x := raw.(type) {
		case float32:
			f = float64(x)
		case float64:
			f = x
		default:
			return Value{}, mismatch()
		}
		if t.Kind == types.KindF32 {
			return F32(float32(f)), nil
		}
		return F64(f), nil
	case types.KindChar:
		switch x := raw.(type) {
		case rune:
			return Char(x), nil
		case uint32:
			return Char(rune(x)), nil
		case string:
			r, _ := utf8.DecodeRuneInString(x)
			return Char(r), nil
		}
		return Value{}, mismatch()
	case types.KindString:
		switch x := raw.(type) {
		case string:
			return String(x), nil
		case []byte:
			return String(string(x)), nil
		}
		return Value{}, mismatch()
	case types.KindOption:
		// a non-nil pointer is some, even when it points at a none
		some := isPointer(raw)
		raw = deref(raw)
		if raw == nil && !some {
			return None(), nil
		}
		inner, err := lift(raw, *t.Elem, path)
		if err != nil {
			return Value{}, err
		}
		return Some(inner), nil
	case types.KindResult:
		m, ok := raw.(map[string]any)
		if !ok {
			return Value{}, mismatch()
		}
		if payload, found := m["ok"]; found {
			p, err := liftPayload(payload, t.Ok, at(path, "ok"))
			if err != nil {
				return Value{}, err
			}
			return Ok(p), nil
		}
		if payload, found := m["err"]; found {
			p, err := liftPayload(payload, t.Err, at(path, "err"))
			if err != nil {
				return Value{}, err
			}
			return Err(p), nil
		}
		return Value{}, errors.New(errors.PhaseUnmarshal, errors.KindInvalidCase).
			Path(path...).Detail("result has neither ok nor err").Build()
	case types.KindList, types.KindTuple:
		rv := reflect.ValueOf(raw)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return Value{}, mismatch()
		}
		if t.Kind == types.KindTuple && rv.Len() != len(t.Elems) {
			return Value{}, mismatch()
		}
		items := make([]Value, rv.Len())
		for i := range items {
			et := t.Elem
			if t.Kind == types.KindTuple {
				et = &t.Elems[i]
			}
			item, err := lift(rv.Index(i).Interface(), *et, index(path, i))
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		if t.Kind == types.KindTuple {
			return Tuple(items...), nil
		}
		return List(items...), nil
	case types.KindRecord:
		m, ok := raw.(map[string]any)
		if !ok {
			return Value{}, mismatch()
		}
		fields := make([]FieldValue, len(t.Fields))
		for i, f := range t.Fields {
			fraw, found := m[f.Name]
			if !found {
				return Value{}, errors.FieldMissing(errors.PhaseUnmarshal, at(path, f.Name), f.Name)
			}
			fv, err := lift(fraw, f.Type, at(path, f.Name))
			if err != nil {
				return Value{}, err
			}
			fields[i] = FieldValue{Name: f.Name, Value: fv}
		}
		return Record(fields...), nil
	case types.KindVariant:
		switch x := raw.(type) {
		case string:
			i := t.CaseIndex(x)
			if i < 0 {
				return Value{}, errors.InvalidCase(errors.PhaseUnmarshal, path, "variant case", x, t.CaseNames())
			}
			return Variant(i, x, nil), nil
		case map[string]any:
			for name, payload := range x {
				i := t.CaseIndex(name)
				if i < 0 {
					return Value{}, errors.InvalidCase(errors.PhaseUnmarshal, path, "variant case", name, t.CaseNames())
				}
				p, err := liftPayload(payload, t.Cases[i].Type, at(path, name))
				if err != nil {
					return Value{}, err
				}
				return Variant(i, name, p), nil
			}
		}
		return Value{}, mismatch()
	case types.KindEnum:
		if s, ok := raw.(string); ok {
			i := t.NameIndex(s)
			if i < 0 {
				return Value{}, errors.InvalidCase(errors.PhaseUnmarshal, path, "enum case", s, t.Names)
			}
			return Enum(i, s), nil
		}
		disc, ok := discriminant(raw)
		if !ok {
			return Value{}, mismatch()
		}
		if disc >= uint64(len(t.Names)) {
			return Value{}, errors.New(errors.PhaseUnmarshal, errors.KindInvalidCase).
				Path(path...).Value(disc).
				Detail("enum discriminant %d out of range (%d cases)", disc, len(t.Names)).Build()
		}
		return Enum(int(disc), t.Names[disc]), nil
	case types.KindFlags:
		var mask uint64
		switch x := raw.(type) {
		case map[string]bool:
			for i, n := range t.Names {
				if x[n] && i < types.MaxFlags {
					mask |= 1 << uint(i)
				}
			}
		case []string:
			for _, n := range x {
				if i := t.NameIndex(n); i >= 0 && i < types.MaxFlags {
					mask |= 1 << uint(i)
				}
			}
		default:
			bits, ok := discriminant(raw)
			if !ok {
				return Value{}, mismatch()
			}
			mask = bits
		}
		return Flags(mask, flagNames(t.Names, mask)...), nil
	case types.KindResource:
		h, ok := discriminant(raw)
		if !ok || h > math.MaxUint32 {
			return Value{}, mismatch()
		}
		return Handle(uint32(h)), nil
	}
	return Value{}, errors.Unsupported(errors.PhaseUnmarshal, path, "unknown type kind "+t.Kind.String())
}

func liftPayload(raw any, t *types.Type, path []string) (*Value, error) {
	if t == nil {
		return nil, nil
	}
	v, err := lift(raw, *t, path)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func discriminant(raw any) (uint64, bool) {
	rv := reflect.ValueOf(raw)
	switch {
	case rv.CanUint():
		return rv.Uint(), true
	case rv.CanInt() && rv.Int() >= 0:
		return uint64(rv.Int()), true
	}
	return 0, false
}

func deref(raw any) any {
	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return rv.Elem().Interface()
	}
	return raw
}

func isPointer(raw any) bool {
	rv := reflect.ValueOf(raw)
	return rv.Kind() == reflect.Pointer && !rv.IsNil()
}

func signExtend(u uint64, bits int) int64 {
	shift := 64 - bits
	return int64(u<<shift) >> shift
}

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(bits) - 1
}
