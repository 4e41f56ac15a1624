package marshal

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/types"
)

// FromJSON converts a decoded JSON value into a component value of type t.
//
// v is what encoding/json produces for an `any` target: nil, bool, string,
// float64 or json.Number, []any and map[string]any. Plain Go integers are
// accepted too so callers can build arguments by hand. Errors name the
// offending path relative to the value; callers prefix the parameter name.
func FromJSON(v any, t types.Type) (Value, error) {
	return fromJSON(v, t, nil)
}

// at returns path extended with elem without aliasing the caller's slice.
func at(path []string, elem string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = elem
	return out
}

func index(path []string, i int) []string {
	return at(path, "["+strconv.Itoa(i)+"]")
}

func fromJSON(v any, t types.Type, path []string) (Value, error) {
	switch t.Kind {
	case types.KindBool:
		return boolFromJSON(v, path)
	case types.KindS8, types.KindS16, types.KindS32, types.KindS64:
		n, err := signedFromJSON(v, t.Kind, path)
		if err != nil {
			return Value{}, err
		}
		return Int(t.Kind, n), nil
	case types.KindU8, types.KindU16, types.KindU32, types.KindU64:
		n, err := unsignedFromJSON(v, t.Kind, path)
		if err != nil {
			return Value{}, err
		}
		return Uint(t.Kind, n), nil
	case types.KindF32:
		f, err := floatFromJSON(v, t.Kind, path)
		if err != nil {
			return Value{}, err
		}
		return F32(float32(f)), nil
	case types.KindF64:
		f, err := floatFromJSON(v, t.Kind, path)
		if err != nil {
			return Value{}, err
		}
		return F64(f), nil
	case types.KindChar:
		s, ok := v.(string)
		if !ok {
			return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), "char")
		}
		if s == "" {
			return Value{}, errors.New(errors.PhaseMarshal, errors.KindOutOfRange).
				Path(path...).Want("char").Detail("empty string has no character").Build()
		}
		r, _ := utf8.DecodeRuneInString(s)
		return Char(r), nil
	case types.KindString:
		return stringFromJSON(v, path)
	case types.KindOption:
		if v == nil {
			return None(), nil
		}
		if s, ok := v.(string); ok && s == "" {
			return None(), nil
		}
		inner, err := fromJSON(v, *t.Elem, path)
		if err != nil {
			return Value{}, err
		}
		return Some(inner), nil
	case types.KindResult:
		return resultFromJSON(v, t, path)
	case types.KindList:
		items, ok := v.([]any)
		if !ok {
			return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), t.String())
		}
		out := make([]Value, len(items))
		for i, item := range items {
			iv, err := fromJSON(item, *t.Elem, index(path, i))
			if err != nil {
				return Value{}, err
			}
			out[i] = iv
		}
		return List(out...), nil
	case types.KindTuple:
		items, ok := v.([]any)
		if !ok {
			return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), t.String())
		}
		if len(items) != len(t.Elems) {
			return Value{}, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
				Path(path...).
				Want(t.String()).
				Detail("tuple needs %d elements, got %d", len(t.Elems), len(items)).
				Build()
		}
		out := make([]Value, len(items))
		for i, item := range items {
			iv, err := fromJSON(item, t.Elems[i], index(path, i))
			if err != nil {
				return Value{}, err
			}
			out[i] = iv
		}
		return Tuple(out...), nil
	case types.KindRecord:
		return recordFromJSON(v, t, path)
	case types.KindVariant:
		return variantFromJSON(v, t, path)
	case types.KindEnum:
		return enumFromJSON(v, t, path)
	case types.KindFlags:
		return flagsFromJSON(v, t, path)
	case types.KindResource:
		return Value{}, errors.Unsupported(errors.PhaseMarshal, path, "resource handles cannot be passed as JSON")
	default:
		return Value{}, errors.Unsupported(errors.PhaseMarshal, path, "unknown type kind "+t.Kind.String())
	}
}

func boolFromJSON(v any, path []string) (Value, error) {
	switch x := v.(type) {
	case bool:
		return Bool(x), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes":
			return Bool(true), nil
		case "false", "0", "no", "":
			return Bool(false), nil
		}
		return Value{}, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Path(path...).Got("string").Want("bool").
			Detail("%q is not a boolean", x).Build()
	}
	if f, ok := numberOf(v); ok {
		switch f {
		case 0:
			return Bool(false), nil
		case 1:
			return Bool(true), nil
		}
		return Value{}, errors.OutOfRange(errors.PhaseMarshal, path, f, "bool")
	}
	return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), "bool")
}

// numericText returns the textual form of a JSON number or numeric string.
func numericText(v any) (string, bool) {
	switch x := v.(type) {
	case json.Number:
		return string(x), true
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	}
	return "", false
}

func signedFromJSON(v any, k types.Kind, path []string) (int64, error) {
	lo, hi := signedBounds(k)
	switch x := v.(type) {
	case bool:
		return boolInt(x), nil
	case int, int8, int16, int32, int64:
		n := reflect.ValueOf(x).Int()
		if n < lo || n > hi {
			return 0, errors.OutOfRange(errors.PhaseMarshal, path, n, k.String())
		}
		return n, nil
	case uint, uint8, uint16, uint32, uint64:
		n := reflect.ValueOf(x).Uint()
		if n > uint64(hi) {
			return 0, errors.OutOfRange(errors.PhaseMarshal, path, n, k.String())
		}
		return int64(n), nil
	}
	s, ok := numericText(v)
	if !ok {
		return 0, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), k.String())
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < lo || n > hi {
			return 0, errors.OutOfRange(errors.PhaseMarshal, path, s, k.String())
		}
		return n, nil
	}
	f, err := parseIntegral(s, k, path)
	if err != nil {
		return 0, err
	}
	if f < float64(lo) || f >= -float64(math.MinInt64) || f > float64(hi) {
		return 0, errors.OutOfRange(errors.PhaseMarshal, path, s, k.String())
	}
	return int64(f), nil
}

func unsignedFromJSON(v any, k types.Kind, path []string) (uint64, error) {
	hi := unsignedBound(k)
	switch x := v.(type) {
	case bool:
		return uint64(boolInt(x)), nil
	case int, int8, int16, int32, int64:
		n := reflect.ValueOf(x).Int()
		if n < 0 || uint64(n) > hi {
			return 0, errors.OutOfRange(errors.PhaseMarshal, path, n, k.String())
		}
		return uint64(n), nil
	case uint, uint8, uint16, uint32, uint64:
		n := reflect.ValueOf(x).Uint()
		if n > hi {
			return 0, errors.OutOfRange(errors.PhaseMarshal, path, n, k.String())
		}
		return n, nil
	}
	s, ok := numericText(v)
	if !ok {
		return 0, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), k.String())
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		if n > hi {
			return 0, errors.OutOfRange(errors.PhaseMarshal, path, s, k.String())
		}
		return n, nil
	}
	f, err := parseIntegral(s, k, path)
	if err != nil {
		return 0, err
	}
	// 2^64 is exactly representable; anything at or above it overflows.
	if f < 0 || f >= math.Ldexp(1, 64) || f > float64(hi) {
		return 0, errors.OutOfRange(errors.PhaseMarshal, path, s, k.String())
	}
	return uint64(f), nil
}

// parseIntegral parses s as a float that must have no fractional part.
// It handles forms like "2.0" and "1e3" that ParseInt rejects.
func parseIntegral(s string, k types.Kind, path []string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return 0, errors.OutOfRange(errors.PhaseMarshal, path, s, k.String())
		}
		return 0, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Path(path...).Want(k.String()).
			Detail("%q is not a number", s).Build()
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.OutOfRange(errors.PhaseMarshal, path, s, k.String())
	}
	if f != math.Trunc(f) {
		return 0, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Path(path...).Want(k.String()).
			Detail("%s has a fractional part", s).Build()
	}
	return f, nil
}

func floatFromJSON(v any, k types.Kind, path []string) (float64, error) {
	var f float64
	switch x := v.(type) {
	case bool:
		f = float64(boolInt(x))
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int, int8, int16, int32, int64:
		f = float64(reflect.ValueOf(x).Int())
	case uint, uint8, uint16, uint32, uint64:
		f = float64(reflect.ValueOf(x).Uint())
	default:
		s, ok := numericText(v)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), k.String())
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
				return 0, errors.OutOfRange(errors.PhaseMarshal, path, s, k.String())
			}
			return 0, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
				Path(path...).Want(k.String()).
				Detail("%q is not a number", s).Build()
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.OutOfRange(errors.PhaseMarshal, path, f, k.String())
	}
	if k == types.KindF32 && math.Abs(f) > math.MaxFloat32 {
		return 0, errors.OutOfRange(errors.PhaseMarshal, path, f, k.String())
	}
	return f, nil
}

func stringFromJSON(v any, path []string) (Value, error) {
	switch x := v.(type) {
	case nil:
		return String(""), nil
	case string:
		return String(x), nil
	case bool:
		return String(strconv.FormatBool(x)), nil
	case json.Number:
		return String(x.String()), nil
	case float64:
		return String(strconv.FormatFloat(x, 'f', -1, 64)), nil
	case float32:
		return String(strconv.FormatFloat(float64(x), 'f', -1, 32)), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return String(fmt.Sprint(x)), nil
	}
	return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), "string")
}

// resultFromJSON keeps the lenient behaviour of treating any value without
// an "ok" or "err" key as an implicit ok payload.
func resultFromJSON(v any, t types.Type, path []string) (Value, error) {
	if m, ok := v.(map[string]any); ok {
		if payload, found := m["ok"]; found {
			p, err := optionalPayload(payload, t.Ok, at(path, "ok"))
			if err != nil {
				return Value{}, err
			}
			return Ok(p), nil
		}
		if payload, found := m["err"]; found {
			p, err := optionalPayload(payload, t.Err, at(path, "err"))
			if err != nil {
				return Value{}, err
			}
			return Err(p), nil
		}
	}
	p, err := optionalPayload(v, t.Ok, at(path, "ok"))
	if err != nil {
		return Value{}, err
	}
	return Ok(p), nil
}

func optionalPayload(v any, t *types.Type, path []string) (*Value, error) {
	if t == nil {
		return nil, nil
	}
	p, err := fromJSON(v, *t, path)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func recordFromJSON(v any, t types.Type, path []string) (Value, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), t.String())
	}
	fields := make([]FieldValue, len(t.Fields))
	for i, f := range t.Fields {
		raw, found := m[f.Name]
		if !found {
			// accept the key ToJSON emits
			raw, found = m[jsonFieldName(f.Name)]
		}
		if !found {
			return Value{}, errors.FieldMissing(errors.PhaseMarshal, at(path, f.Name), f.Name)
		}
		fv, err := fromJSON(raw, f.Type, at(path, f.Name))
		if err != nil {
			return Value{}, err
		}
		fields[i] = FieldValue{Name: f.Name, Value: fv}
	}
	return Record(fields...), nil
}

func variantFromJSON(v any, t types.Type, path []string) (Value, error) {
	switch x := v.(type) {
	case string:
		i := t.CaseIndex(x)
		if i < 0 {
			return Value{}, errors.InvalidCase(errors.PhaseMarshal, path, "variant case", x, t.CaseNames())
		}
		if t.Cases[i].Type != nil {
			return Value{}, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
				Path(path...).Want(t.String()).
				Detail("case %q carries a payload; use {%q: value}", x, x).Build()
		}
		return Variant(i, x, nil), nil
	case map[string]any:
		if len(x) != 1 {
			return Value{}, errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
				Path(path...).Want(t.String()).
				Detail("variant object must have exactly one key, got %d", len(x)).Build()
		}
		for name, payload := range x {
			i := t.CaseIndex(name)
			if i < 0 {
				return Value{}, errors.InvalidCase(errors.PhaseMarshal, path, "variant case", name, t.CaseNames())
			}
			p, err := optionalPayload(payload, t.Cases[i].Type, at(path, name))
			if err != nil {
				return Value{}, err
			}
			return Variant(i, name, p), nil
		}
	}
	return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), t.String())
}

func enumFromJSON(v any, t types.Type, path []string) (Value, error) {
	s, ok := v.(string)
	if !ok {
		return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), t.String())
	}
	if i := t.NameIndex(s); i >= 0 {
		return Enum(i, s), nil
	}
	match := -1
	for i, name := range t.Names {
		if strings.EqualFold(name, s) {
			if match >= 0 {
				return Value{}, errors.New(errors.PhaseMarshal, errors.KindInvalidCase).
					Path(path...).Value(s).
					Detail("enum case %q is ambiguous between %q and %q", s, t.Names[match], name).Build()
			}
			match = i
		}
	}
	if match < 0 {
		return Value{}, errors.InvalidCase(errors.PhaseMarshal, path, "enum case", s, t.Names)
	}
	return Enum(match, t.Names[match]), nil
}

func flagsFromJSON(v any, t types.Type, path []string) (Value, error) {
	if len(t.Names) > types.MaxFlags {
		return Value{}, errors.Unsupported(errors.PhaseMarshal, path,
			fmt.Sprintf("flags with %d members exceed %d", len(t.Names), types.MaxFlags))
	}
	var requested []string
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) != "" {
			for _, part := range strings.Split(x, ",") {
				requested = append(requested, strings.TrimSpace(part))
			}
		}
	case []any:
		for i, item := range x {
			s, ok := item.(string)
			if !ok {
				return Value{}, errors.TypeMismatch(errors.PhaseMarshal, index(path, i), jsonKind(item), "flag name")
			}
			requested = append(requested, strings.TrimSpace(s))
		}
	default:
		return Value{}, errors.TypeMismatch(errors.PhaseMarshal, path, jsonKind(v), t.String())
	}

	var mask uint64
	for _, name := range requested {
		i := t.NameIndex(name)
		if i < 0 {
			return Value{}, errors.InvalidCase(errors.PhaseMarshal, path, "flag", name, t.Names)
		}
		mask |= 1 << uint(i)
	}
	return Flags(mask, flagNames(t.Names, mask)...), nil
}

// flagNames lists the names whose bit is set, in declaration order.
func flagNames(declared []string, mask uint64) []string {
	names := []string{}
	for i, name := range declared {
		if i < types.MaxFlags && mask&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return names
}

func numberOf(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int, int8, int16, int32, int64:
		return float64(reflect.ValueOf(x).Int()), true
	case uint, uint8, uint16, uint32, uint64:
		return float64(reflect.ValueOf(x).Uint()), true
	}
	return 0, false
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func signedBounds(k types.Kind) (int64, int64) {
	switch k {
	case types.KindS8:
		return math.MinInt8, math.MaxInt8
	case types.KindS16:
		return math.MinInt16, math.MaxInt16
	case types.KindS32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func unsignedBound(k types.Kind) uint64 {
	switch k {
	case types.KindU8:
		return math.MaxUint8
	case types.KindU16:
		return math.MaxUint16
	case types.KindU32:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

// jsonKind names the JSON shape of v for error messages.
func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
