package types

import (
	"fmt"

	"go.bytecodealliance.org/wit"
)

// maxDepth bounds recursion through type definitions of malformed binaries.
const maxDepth = 64

// FromWIT converts a resolved WIT type into a structural Type.
// Handle types (own, borrow, resources and any kind this runtime does not
// marshal) become KindResource so that marshalling fails explicitly.
func FromWIT(t wit.Type) (Type, error) {
	return fromWIT(t, 0)
}

// FromWITList converts a parameter or result list.
func FromWITList(ts []wit.Type) ([]Type, error) {
	out := make([]Type, len(ts))
	for i, t := range ts {
		c, err := FromWIT(t)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func fromWIT(t wit.Type, depth int) (Type, error) {
	if depth > maxDepth {
		return Type{}, fmt.Errorf("type nesting exceeds %d levels", maxDepth)
	}
	switch t := t.(type) {
	case nil:
		return Type{}, fmt.Errorf("nil type")
	case wit.Bool:
		return Prim(KindBool), nil
	case wit.S8:
		return Prim(KindS8), nil
	case wit.U8:
		return Prim(KindU8), nil
	case wit.S16:
		return Prim(KindS16), nil
	case wit.U16:
		return Prim(KindU16), nil
	case wit.S32:
		return Prim(KindS32), nil
	case wit.U32:
		return Prim(KindU32), nil
	case wit.S64:
		return Prim(KindS64), nil
	case wit.U64:
		return Prim(KindU64), nil
	case wit.F32:
		return Prim(KindF32), nil
	case wit.F64:
		return Prim(KindF64), nil
	case wit.Char:
		return Prim(KindChar), nil
	case wit.String:
		return Prim(KindString), nil
	case *wit.TypeDef:
		c, err := fromTypeDef(t, depth)
		if err != nil {
			return Type{}, err
		}
		if t.Name != nil && c.Name == "" {
			c.Name = *t.Name
		}
		return c, nil
	default:
		return Resource(fmt.Sprintf("%T", t)), nil
	}
}

func fromTypeDef(td *wit.TypeDef, depth int) (Type, error) {
	sub := func(t wit.Type) (Type, error) { return fromWIT(t, depth+1) }
	opt := func(t wit.Type) (*Type, error) {
		if t == nil {
			return nil, nil
		}
		c, err := sub(t)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}

	switch k := td.Kind.(type) {
	case *wit.Record:
		fields := make([]Field, len(k.Fields))
		for i, f := range k.Fields {
			ft, err := sub(f.Type)
			if err != nil {
				return Type{}, fmt.Errorf("record field %s: %w", f.Name, err)
			}
			fields[i] = Field{Name: f.Name, Type: ft}
		}
		return Record(fields...), nil
	case *wit.Variant:
		cases := make([]Case, len(k.Cases))
		for i, c := range k.Cases {
			ct, err := opt(c.Type)
			if err != nil {
				return Type{}, fmt.Errorf("variant case %s: %w", c.Name, err)
			}
			cases[i] = Case{Name: c.Name, Type: ct}
		}
		return Variant(cases...), nil
	case *wit.Enum:
		names := make([]string, len(k.Cases))
		for i, c := range k.Cases {
			names[i] = c.Name
		}
		return Enum(names...), nil
	case *wit.Flags:
		names := make([]string, len(k.Flags))
		for i, f := range k.Flags {
			names[i] = f.Name
		}
		return Flags(names...), nil
	case *wit.Tuple:
		elems := make([]Type, len(k.Types))
		for i, e := range k.Types {
			et, err := sub(e)
			if err != nil {
				return Type{}, fmt.Errorf("tuple element %d: %w", i, err)
			}
			elems[i] = et
		}
		return Tuple(elems...), nil
	case *wit.List:
		et, err := sub(k.Type)
		if err != nil {
			return Type{}, fmt.Errorf("list element: %w", err)
		}
		return List(et), nil
	case *wit.Option:
		et, err := sub(k.Type)
		if err != nil {
			return Type{}, fmt.Errorf("option payload: %w", err)
		}
		return Option(et), nil
	case *wit.Result:
		ok, err := opt(k.OK)
		if err != nil {
			return Type{}, fmt.Errorf("result ok: %w", err)
		}
		errT, err := opt(k.Err)
		if err != nil {
			return Type{}, fmt.Errorf("result err: %w", err)
		}
		return Result(ok, errT), nil
	case *wit.Own:
		return Resource("own"), nil
	case *wit.Borrow:
		return Resource("borrow"), nil
	case wit.Type:
		return sub(k)
	default:
		return Resource(fmt.Sprintf("%T", k)), nil
	}
}
