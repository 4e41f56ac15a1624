package marshal

import (
	"math"
	"strings"

	"github.com/gnufoo/MeCP/types"
)

// ToJSON converts a component value into a value encoding/json can marshal.
// It is the structural inverse of FromJSON.
func ToJSON(v Value) any {
	switch v.Kind {
	case types.KindBool:
		return v.Bool
	case types.KindS8, types.KindS16, types.KindS32, types.KindS64:
		return v.Int
	case types.KindU8, types.KindU16, types.KindU32, types.KindU64:
		return v.Uint
	case types.KindF32:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return nil
		}
		// float32 keeps encoding/json from printing widening noise
		return float32(v.Float)
	case types.KindF64:
		if math.IsNaN(v.Float) || math.IsInf(v.Float, 0) {
			return nil
		}
		return v.Float
	case types.KindChar:
		return string(v.Char)
	case types.KindString:
		return v.Str
	case types.KindOption:
		if v.Elem == nil {
			return nil
		}
		return ToJSON(*v.Elem)
	case types.KindResult:
		key := "ok"
		if v.IsErr {
			key = "err"
		}
		return map[string]any{key: payloadJSON(v.Elem)}
	case types.KindList, types.KindTuple:
		out := make([]any, len(v.Items))
		for i, item := range v.Items {
			out[i] = ToJSON(item)
		}
		return out
	case types.KindRecord:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[jsonFieldName(f.Name)] = ToJSON(f.Value)
		}
		return out
	case types.KindVariant:
		if v.Elem == nil {
			return v.Str
		}
		return map[string]any{v.Str: ToJSON(*v.Elem)}
	case types.KindEnum:
		return v.Str
	case types.KindFlags:
		out := make([]any, len(v.Names))
		for i, n := range v.Names {
			out[i] = n
		}
		return out
	case types.KindResource:
		return map[string]any{"resource": "opaque", "handle": v.Uint}
	default:
		return nil
	}
}

func payloadJSON(p *Value) any {
	if p == nil {
		return nil
	}
	return ToJSON(*p)
}

// ResultsToJSON renders a call's results: null for none, the value for
// one, an array for several.
func ResultsToJSON(vals []Value) any {
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return ToJSON(vals[0])
	default:
		out := make([]any, len(vals))
		for i, v := range vals {
			out[i] = ToJSON(v)
		}
		return out
	}
}

// jsonFieldName maps a kebab-case WIT field name to the snake_case key
// used in JSON output.
func jsonFieldName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
