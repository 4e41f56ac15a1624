package introspect

import (
	"math"

	"github.com/gnufoo/MeCP/tool"
	"github.com/gnufoo/MeCP/types"
)

// InputSchema builds the JSON Schema of a function's argument object: one
// required property per parameter, keyed by its positional name. declared
// holds the component's own parameter names and may be shorter than params.
func InputSchema(params []types.Type, declared []string) map[string]any {
	props := make(map[string]any, len(params))
	required := make([]any, len(params))
	for i, p := range params {
		name := tool.ParamName(i)
		s := TypeSchema(p)
		s["description"] = p.String()
		if i < len(declared) && declared[i] != "" {
			s["title"] = declared[i]
		}
		props[name] = s
		required[i] = name
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// TypeSchema returns the JSON Schema of a single structural type. The
// schema describes the canonical JSON form; the marshaller additionally
// accepts the lenient forms (numeric strings and the like).
func TypeSchema(t types.Type) map[string]any {
	switch t.Kind {
	case types.KindBool:
		return map[string]any{"type": "boolean"}
	case types.KindS8, types.KindS16, types.KindS32, types.KindS64:
		lo, hi := signedRange(t.Kind)
		return map[string]any{"type": "integer", "minimum": lo, "maximum": hi}
	case types.KindU8, types.KindU16, types.KindU32, types.KindU64:
		return map[string]any{"type": "integer", "minimum": 0, "maximum": unsignedMax(t.Kind)}
	case types.KindF32, types.KindF64:
		return map[string]any{"type": "number"}
	case types.KindChar:
		return map[string]any{"type": "string", "minLength": 1}
	case types.KindString:
		return map[string]any{"type": "string"}
	case types.KindOption:
		return map[string]any{"anyOf": []any{TypeSchema(*t.Elem), map[string]any{"type": "null"}}}
	case types.KindResult:
		return map[string]any{"anyOf": []any{
			singleKey("ok", t.Ok),
			singleKey("err", t.Err),
		}}
	case types.KindList:
		return map[string]any{"type": "array", "items": TypeSchema(*t.Elem)}
	case types.KindTuple:
		items := make([]any, len(t.Elems))
		for i, e := range t.Elems {
			items[i] = TypeSchema(e)
		}
		return map[string]any{
			"type":     "array",
			"items":    items,
			"minItems": len(items),
			"maxItems": len(items),
		}
	case types.KindRecord:
		props := make(map[string]any, len(t.Fields))
		required := make([]any, len(t.Fields))
		for i, f := range t.Fields {
			props[f.Name] = TypeSchema(f.Type)
			required[i] = f.Name
		}
		s := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			s["required"] = required
		}
		return s
	case types.KindVariant:
		alts := make([]any, 0, len(t.Cases)+1)
		var bare []any
		for _, c := range t.Cases {
			alts = append(alts, singleKey(c.Name, c.Type))
			if c.Type == nil {
				bare = append(bare, c.Name)
			}
		}
		if len(bare) > 0 {
			alts = append(alts, map[string]any{"type": "string", "enum": bare})
		}
		return map[string]any{"anyOf": alts}
	case types.KindEnum:
		return map[string]any{"type": "string", "enum": stringsToAny(t.Names)}
	case types.KindFlags:
		return map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string", "enum": stringsToAny(t.Names)},
			"uniqueItems": true,
		}
	default:
		return map[string]any{"type": "string", "description": "unsupported resource handle"}
	}
}

// singleKey describes {key: payload}; a nil payload type accepts anything.
func singleKey(key string, payload *types.Type) map[string]any {
	ps := map[string]any{}
	if payload != nil {
		ps = TypeSchema(*payload)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{key: ps},
		"required":             []any{key},
		"additionalProperties": false,
	}
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func signedRange(k types.Kind) (int64, int64) {
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

func unsignedMax(k types.Kind) uint64 {
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
