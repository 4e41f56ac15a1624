package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wippyai/wasm-runtime/wat"

	"github.com/gnufoo/MeCP/config"
	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/executor"
)

// newEngineRuntime builds a runtime on the real component engine with the
// given fixtures from ../testdata loaded.
func newEngineRuntime(t *testing.T, mutate func(*config.Config), fixtures ...string) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.ComponentDir = t.TempDir()
	cfg.KV.Backend = "none"
	if mutate != nil {
		mutate(cfg)
	}
	rt, err := New(context.Background(), Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	for _, name := range fixtures {
		wasm, err := os.ReadFile(filepath.Join("..", "testdata", name+".wasm"))
		require.NoError(t, err)
		_, err = rt.LoadComponentBytes(context.Background(), wasm, name)
		require.NoError(t, err, name)
	}
	return rt
}

func TestEngineCalls(t *testing.T) {
	rt := newEngineRuntime(t, nil, "complex", "mapper", "strings")

	tests := []struct {
		name    string
		tool    string
		args    string
		want    string
		isError bool
	}{
		{"tuple", "triple", `{"param0": 7}`, `[7, 14, 21]`, false},
		{"numeric string", "triple", `{"param0": "7"}`, `[7, 14, 21]`, false},
		{"two params", "swap-pair", `{"param0": 1, "param1": 2}`, `[2, 1]`, false},
		{"enum", "echo-color", `{"param0": "green"}`, `"green"`, false},
		{"enum case-insensitive", "echo-color", `{"param0": "GREEN"}`, `"green"`, false},
		{"flags array", "echo-permissions", `{"param0": ["read", "execute"]}`, `["read", "execute"]`, false},
		{"flags string", "echo-permissions", `{"param0": "write, read"}`, `["read", "write"]`, false},
		{"no flags", "echo-permissions", `{"param0": ""}`, `[]`, false},
		{"record", "echo-person", `{"param0": {"name": "al", "age": 3}}`, `{"name": "al", "age": 3}`, false},
		{
			"nested record with both field spellings", "echo-rectangle",
			`{"param0": {"top-left": {"x": 1, "y": 2}, "bottom_right": {"x": 3, "y": 4}}}`,
			`{"top_left": {"x": 1, "y": 2}, "bottom_right": {"x": 3, "y": 4}}`, false,
		},
		{"variant payload", "echo-shape", `{"param0": {"circle": 5}}`, `{"circle": 5}`, false},
		{"variant without payload", "echo-shape", `{"param0": "none"}`, `"none"`, false},
		{
			"variant record payload", "echo-shape",
			`{"param0": {"rect": {"top-left": {"x": 1, "y": 2}, "bottom-right": {"x": 3, "y": 4}}}}`,
			`{"rect": {"top_left": {"x": 1, "y": 2}, "bottom_right": {"x": 3, "y": 4}}}`, false,
		},
		{"option some", "maybe-point", `{"param0": true}`, `{"x": 42, "y": 24}`, false},
		{"option none", "maybe-point", `{"param0": false}`, `null`, false},
		{"option string from yes", "maybe-string", `{"param0": "yes"}`, `"hello"`, false},
		{"list sum", "sum-list", `{"param0": [1, 2, 3]}`, `6`, false},
		{"empty list", "sum-list", `{"param0": []}`, `0`, false},
		{"list map", "double-list", `{"param0": [1, 2, 3]}`, `[2, 4, 6]`, false},
		{"list of strings", "echo-list-string", `{"param0": ["a", "b"]}`, `["a", "b"]`, false},
		{"list of records", "echo-list-point", `{"param0": [{"x": 1, "y": 2}]}`, `[{"x": 1, "y": 2}]`, false},
		{
			"filtered records", "filter-adults",
			`{"param0": [{"name": "Alice", "age": 25}, {"name": "Bob", "age": 15}, {"name": "Charlie", "age": 30}]}`,
			`[{"name": "Alice", "age": 25}, {"name": "Charlie", "age": 30}]`, false,
		},
		{"result ok", "try-divide", `{"param0": 6, "param1": 3}`, `{"ok": 2}`, false},
		{
			"result err", "try-divide", `{"param0": 6, "param1": 0}`,
			`{"err": {"code": 1, "message": "division by zero"}}`, true,
		},
		{"parse ok", "try-parse", `{"param0": "42"}`, `{"ok": 42}`, false},
		{
			"record with list field", "transform-users",
			`{"param0": [{"id": 42, "name": "Test", "tags": ["a", "b"], "active": true}]}`,
			`[{"id": 42, "display": "Test [a, b]", "tag_count": 2}]`, false,
		},
		{"string", "echo", `{"param0": "héllo"}`, `"héllo"`, false},
		{"stringified number", "echo", `{"param0": 12}`, `"12"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := rt.CallTool(context.Background(), tt.tool, json.RawMessage(tt.args), "", "")
			require.NoError(t, err)
			require.Nil(t, res.Failure)
			out, err := json.Marshal(res.Output)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
			assert.Equal(t, tt.isError, res.IsError)
		})
	}
}

func TestEngineGuestError(t *testing.T) {
	rt := newEngineRuntime(t, nil, "complex")

	res, err := rt.CallTool(context.Background(), "try-parse", json.RawMessage(`{"param0": "not-a-number"}`), "complex", "")
	require.NoError(t, err)
	assert.True(t, res.IsError)
	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, out, "err")
}

func TestEngineArgumentErrors(t *testing.T) {
	rt := newEngineRuntime(t, nil, "complex")

	tests := []struct {
		name string
		tool string
		args string
		kind errors.Kind
		path string
	}{
		{"missing parameter", "try-divide", `{"param0": 6}`, errors.KindFieldMissing, "param1"},
		{"unknown enum case", "echo-color", `{"param0": "purple"}`, errors.KindInvalidCase, "param0"},
		{"unknown flag", "echo-permissions", `{"param0": ["admin"]}`, errors.KindInvalidCase, "param0"},
		{"record field missing", "echo-person", `{"param0": {"name": "al"}}`, errors.KindFieldMissing, "param0.age"},
		{"out of range", "echo-person", `{"param0": {"name": "al", "age": -1}}`, errors.KindOutOfRange, "param0.age"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.CallTool(context.Background(), tt.tool, json.RawMessage(tt.args), "", "")
			require.Error(t, err)
			assert.True(t, errors.HasKind(err, tt.kind), "%v", err)
			assert.Contains(t, err.Error(), tt.path)
		})
	}
}

func TestEngineToolCatalog(t *testing.T) {
	rt := newEngineRuntime(t, nil, "calculator", "complex")

	owner, ok := rt.FindTool("process")
	require.True(t, ok)
	assert.Equal(t, "calculator", owner)
	owner, ok = rt.FindTool("echo-shape")
	require.True(t, ok)
	assert.Equal(t, "complex", owner)

	var schema map[string]any
	for _, info := range rt.ListTools() {
		if info.Name == "echo-color" {
			schema = info.InputSchema
		}
	}
	require.NotNil(t, schema)
	props := schema["properties"].(map[string]any)
	color := props["param0"].(map[string]any)
	assert.Equal(t, "string", color["type"])
	assert.ElementsMatch(t, []any{"red", "green", "blue"}, color["enum"])
}

// spinComponent wraps a core module whose only export loops forever into a
// component exporting it as "spin".
func spinComponent(t *testing.T) []byte {
	t.Helper()
	core, err := wat.Compile(`(module (func (export "run") (loop $l br $l)))`)
	require.NoError(t, err)

	section := func(id byte, body []byte) []byte {
		require.Less(t, len(body), 128)
		return append([]byte{id, byte(len(body))}, body...)
	}
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}
	// core module, core instance, func type () -> ()
	b = append(b, section(1, core)...)
	b = append(b, section(2, []byte{1, 0x00, 0x00, 0x00})...)
	b = append(b, section(7, []byte{1, 0x40, 0x00, 0x01, 0x00})...)
	// alias the core export, lift it, export the lifted func
	b = append(b, section(6, append([]byte{1, 0x00, 0x00, 0x01, 0x00, 3}, "run"...))...)
	b = append(b, section(8, []byte{1, 0x00, 0x00, 0x00, 0x00, 0x00})...)
	b = append(b, section(11, append(append([]byte{1, 0x00, 4}, "spin"...), 0x01, 0x00, 0x00))...)
	return b
}

type callOutcome struct {
	res *executor.Result
	err error
}

func callAsync(rt *Runtime, tool string) <-chan callOutcome {
	done := make(chan callOutcome, 1)
	go func() {
		res, err := rt.CallTool(context.Background(), tool, nil, "", "")
		done <- callOutcome{res, err}
	}()
	return done
}

func TestEngineCallTimeout(t *testing.T) {
	rt := newEngineRuntime(t, func(c *config.Config) {
		c.CallTimeout = config.Duration{Duration: 100 * time.Millisecond}
	})
	_, err := rt.LoadComponentBytes(context.Background(), spinComponent(t), "spin")
	require.NoError(t, err)

	// a terminated call leaves the component usable for the next one
	for i := 0; i < 2; i++ {
		select {
		case o := <-callAsync(rt, "spin"):
			require.NoError(t, o.err)
			require.NotNil(t, o.res.Failure)
			assert.Equal(t, errors.KindTimeout, o.res.Failure.Kind)
		case <-time.After(10 * time.Second):
			t.Fatal("call outlived its 100ms timeout")
		}
	}
}
