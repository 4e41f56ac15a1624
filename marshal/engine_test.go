package marshal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/types"
)

func TestLowerPrimitives(t *testing.T) {
	tests := []struct {
		in   Value
		want any
	}{
		{Bool(true), true},
		{Int(types.KindS8, -1), int8(-1)},
		{Int(types.KindS16, -2), int16(-2)},
		{Int(types.KindS32, -3), int32(-3)},
		{Int(types.KindS64, -4), int64(-4)},
		{Uint(types.KindU8, 1), uint8(1)},
		{Uint(types.KindU16, 2), uint16(2)},
		{Uint(types.KindU32, 3), uint32(3)},
		{Uint(types.KindU64, 4), uint64(4)},
		{F32(1.5), float32(1.5)},
		{F64(2.5), 2.5},
		{Char('x'), 'x'},
		{String("s"), "s"},
		{None(), nil},
		{Some(Uint(types.KindU32, 9)), uint32(9)},
	}
	for _, tt := range tests {
		got, err := Lower(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestLowerEnumAndFlagsByPosition(t *testing.T) {
	e := Enum(2, "blue")
	f := Flags(0b101, "read", "exec")

	got, err := Lower(e)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got)

	got, err = Lower(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b101), got)

	// list elements live in linear memory and use names
	got, err = Lower(List(Record(FieldValue{"c", e}, FieldValue{"p", f})))
	require.NoError(t, err)
	items, ok := got.([]any)
	require.True(t, ok)
	rec := items[0].(map[string]any)
	assert.Equal(t, "blue", rec["c"])
	assert.Equal(t, map[string]bool{"read": true, "exec": true}, rec["p"])
}

func TestLowerNestedOption(t *testing.T) {
	u := Uint(types.KindU32, 7)

	// on the stack the engine only sees nil or a payload
	got, err := Lower(Some(Some(u)))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got)
	got, err = Lower(None())
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = LowerParams([]Value{Some(None())}, []types.Type{types.Option(types.Option(types.Prim(types.KindU32)))})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindUnsupported))
	assert.Contains(t, err.Error(), "param0")

	// list elements carry one pointer per extra option level
	got, err = Lower(List(Some(None()), Some(Some(u)), None()))
	require.NoError(t, err)
	items := got.([]any)
	require.Len(t, items, 3)

	someNone, ok := items[0].(*any)
	require.True(t, ok, "some(none) must not collapse to none")
	assert.Nil(t, *someNone)

	someSome, ok := items[1].(*any)
	require.True(t, ok)
	assert.Equal(t, uint32(7), *someSome)

	assert.Nil(t, items[2])

	nested := types.List(types.Option(types.Option(types.Prim(types.KindU32))))
	back, err := Lift(got, nested)
	require.NoError(t, err)
	assert.Equal(t, List(Some(None()), Some(Some(u)), None()), back)
}

func TestFlagsLimit(t *testing.T) {
	names := make([]string, types.MaxFlags+1)
	for i := range names {
		names[i] = string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	_, err := FromJSON([]any{"aa"}, types.Flags(names...))
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindUnsupported))

	// the widest accepted type still lowers to one mask
	top := names[types.MaxFlags-1]
	v, err := FromJSON([]any{top}, types.Flags(names[:types.MaxFlags]...))
	require.NoError(t, err)
	got, err := Lower(v)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<(types.MaxFlags-1), got)
	assert.Equal(t, 1, types.Flags(names[:types.MaxFlags]...).FlatCount())
}

func TestLowerCompound(t *testing.T) {
	payload := Uint(types.KindU32, 7)
	got, err := Lower(Ok(&payload))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": uint32(7)}, got)

	got, err = Lower(Err(nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"err": nil}, got)

	got, err = Lower(Variant(1, "empty", nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"empty": nil}, got)

	got, err = Lower(Tuple(String("a"), Bool(false)))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", false}, got)

	got, err = Lower(List(Uint(types.KindU8, 1), Uint(types.KindU8, 2)))
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2}, got)

	got, err = Lower(List(String("a"), String("b")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = Lower(List())
	require.NoError(t, err)
	assert.Equal(t, []any{}, got)

	_, err = Lower(Handle(1))
	assert.True(t, errors.HasKind(err, errors.KindUnsupported))
}

func TestLowerParams(t *testing.T) {
	params := []types.Type{u32, u32}
	got, err := LowerParams([]Value{Uint(types.KindU32, 2), Uint(types.KindU32, 3)}, params)
	require.NoError(t, err)
	assert.Equal(t, []any{uint32(2), uint32(3)}, got)

	_, err = LowerParams([]Value{Uint(types.KindU32, 2)}, params)
	assert.Error(t, err)

	wide := make([]types.Type, 9)
	vals := make([]Value, 9)
	for i := range wide {
		wide[i] = str
		vals[i] = String("x")
	}
	_, err = LowerParams(vals, wide)
	assert.True(t, errors.HasKind(err, errors.KindUnsupported))
}

func TestLift(t *testing.T) {
	v, err := Lift(uint32(5), u32)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v.Uint)

	v, err = Lift(uint8(0xff), s8)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v.Int)

	v, err = Lift(int32(-1), types.Prim(types.KindU16))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffff), v.Uint)

	v, err = Lift(float32(1.5), types.Prim(types.KindF64))
	require.NoError(t, err)
	assert.Equal(t, 1.5, v.Float)

	v, err = Lift('z', types.Prim(types.KindChar))
	require.NoError(t, err)
	assert.Equal(t, 'z', v.Char)

	v, err = Lift(nil, types.Option(str))
	require.NoError(t, err)
	assert.True(t, v.IsNone())

	s := "hi"
	v, err = Lift(&s, types.Option(str))
	require.NoError(t, err)
	assert.Equal(t, "hi", v.Elem.Str)

	v, err = Lift(map[string]any{"err": "bad"}, status)
	require.NoError(t, err)
	assert.True(t, v.IsErr)
	assert.Equal(t, "bad", v.Elem.Str)

	_, err = Lift(map[string]any{}, status)
	assert.True(t, errors.HasKind(err, errors.KindInvalidCase))

	v, err = Lift([]uint32{1, 2}, types.List(u32))
	require.NoError(t, err)
	require.Len(t, v.Items, 2)
	assert.Equal(t, uint64(2), v.Items[1].Uint)

	v, err = Lift([]any{uint32(1), "a"}, types.Tuple(u32, str))
	require.NoError(t, err)
	assert.Equal(t, "a", v.Items[1].Str)

	_, err = Lift([]any{uint32(1)}, types.Tuple(u32, str))
	assert.Error(t, err)

	v, err = Lift(map[string]any{"x": int32(1), "y-pos": int32(2)}, point)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y_pos":2}`, encode(t, ToJSON(v)))

	_, err = Lift(map[string]any{"x": int32(1)}, point)
	assert.True(t, errors.HasKind(err, errors.KindFieldMissing))

	v, err = Lift(map[string]any{"circle": 3.0}, shape)
	require.NoError(t, err)
	assert.Equal(t, "circle", v.Str)
	assert.Equal(t, 3.0, v.Elem.Float)

	v, err = Lift(map[string]any{"empty": nil}, shape)
	require.NoError(t, err)
	assert.Nil(t, v.Elem)
}

func TestLiftEnumAndFlags(t *testing.T) {
	v, err := Lift(uint32(1), color)
	require.NoError(t, err)
	assert.Equal(t, "green", v.Str)

	v, err = Lift("blue", color)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Index)

	_, err = Lift(uint32(9), color)
	assert.True(t, errors.HasKind(err, errors.KindInvalidCase))

	v, err = Lift(uint64(0b110), perms)
	require.NoError(t, err)
	assert.Equal(t, []string{"write", "exec"}, v.Names)

	v, err = Lift(map[string]bool{"read": true}, perms)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Uint)

	v, err = Lift(uint32(4), types.Resource("own"))
	require.NoError(t, err)
	assert.Equal(t, types.KindResource, v.Kind)
}

func TestLiftResults(t *testing.T) {
	vals, err := LiftResults(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, vals)

	vals, err = LiftResults(uint32(5), []types.Type{u32})
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, uint64(5), vals[0].Uint)

	vals, err = LiftResults([]any{uint32(1), "x"}, []types.Type{u32, str})
	require.NoError(t, err)
	require.Len(t, vals, 2)

	_, err = LiftResults(uint32(1), []types.Type{u32, str})
	assert.Error(t, err)
}

// A value lowered for the engine and lifted back is unchanged.
func TestLowerLiftSymmetry(t *testing.T) {
	typ := types.Record(
		types.F("name", str),
		types.F("count", u32),
		types.F("color", color),
		types.F("perms", perms),
		types.F("maybe", types.Option(s8)),
	)
	v, err := FromJSON(decode(t, `{"name":"n","count":3,"color":"blue","perms":["write"],"maybe":-2}`), typ)
	require.NoError(t, err)

	raw, err := Lower(v)
	require.NoError(t, err)
	back, err := Lift(raw, typ)
	require.NoError(t, err)
	assert.Equal(t, v, back)
}
