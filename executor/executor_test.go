package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/sys"

	"github.com/gnufoo/MeCP/component"
	"github.com/gnufoo/MeCP/engine/enginetest"
	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/introspect"
	"github.com/gnufoo/MeCP/kv"
	"github.com/gnufoo/MeCP/registry"
	"github.com/gnufoo/MeCP/tool"
	"github.com/gnufoo/MeCP/types"
)

var (
	u32    = types.Prim(types.KindU32)
	str    = types.Prim(types.KindString)
	strOpt = types.Option(str)
)

func add(_ context.Context, args ...any) (any, error) {
	return args[0].(uint32) + args[1].(uint32), nil
}

// publish compiles def under id and registers it.
func publish(t *testing.T, reg *registry.Registry, id string, def enginetest.Def) *enginetest.Module {
	t.Helper()
	c := enginetest.NewCompiler()
	wasm := []byte(id)
	c.Register(wasm, def)
	compiled, err := c.Compile(context.Background(), id, wasm)
	require.NoError(t, err)
	tools, err := introspect.New().Tools(id, compiled.Functions)
	require.NoError(t, err)
	reg.Publish(component.New(id, wasm, compiled, tools))
	return c.Modules()[0]
}

func call(t *testing.T, e *Executor, toolName, args string) (*Result, error) {
	t.Helper()
	return e.Call(context.Background(), Request{Tool: toolName, Args: json.RawMessage(args)})
}

func TestCall(t *testing.T) {
	reg := registry.New()
	mod := publish(t, reg, "calc", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("add", []types.Type{u32, u32}, []types.Type{u32}, add),
		enginetest.Fn("local:calc/ops@0.1.0#neg", []types.Type{types.Prim(types.KindS32)}, []types.Type{types.Prim(types.KindS32)},
			func(_ context.Context, args ...any) (any, error) { return -args[0].(int32), nil }),
		enginetest.Fn("noop", nil, nil, func(context.Context, ...any) (any, error) { return nil, nil }),
		enginetest.Fn("pair", nil, []types.Type{u32, str}, func(context.Context, ...any) (any, error) {
			return []any{uint32(7), "seven"}, nil
		}),
	}})
	e := New(reg, Options{})

	tests := []struct {
		name string
		tool string
		args string
		want any
	}{
		{"numbers", "add", `{"param0": 2, "param1": 3}`, uint64(5)},
		{"numeric string", "add", `{"param0": "2", "param1": 3}`, uint64(5)},
		{"interface export", "local_calc_ops_neg", `{"param0": 4}`, int64(-4)},
		{"no results", "noop", ``, nil},
		{"null args", "noop", `null`, nil},
		{"several results", "pair", `{}`, []any{uint64(7), "seven"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := call(t, e, tt.tool, tt.args)
			require.NoError(t, err)
			assert.Nil(t, res.Failure)
			assert.False(t, res.IsError)
			assert.Equal(t, "calc", res.Component)
			assert.Equal(t, tt.tool, res.Tool)
			assert.NotEmpty(t, res.CallID)
			assert.EqualValues(t, tt.want, res.Output)
		})
	}

	assert.EqualValues(t, len(tests), mod.Opened.Load(), "every call instantiates")
	assert.Zero(t, mod.Live.Load(), "every instance is closed")
}

func TestCallArgumentErrors(t *testing.T) {
	reg := registry.New()
	mod := publish(t, reg, "calc", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("add", []types.Type{u32, u32}, []types.Type{u32}, add),
	}})
	e := New(reg, Options{})

	_, err := call(t, e, "add", `{"param0": 2}`)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindFieldMissing))
	assert.Contains(t, err.Error(), "missing parameter: param1")

	_, err = call(t, e, "add", `{"param0": 2, "param1": -1}`)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindOutOfRange))
	assert.Contains(t, err.Error(), "param1")

	_, err = call(t, e, "add", `[1, 2]`)
	assert.True(t, errors.HasKind(err, errors.KindTypeMismatch))

	_, err = call(t, e, "add", `{"param0": `)
	assert.True(t, errors.HasKind(err, errors.KindInvalidInput))

	_, err = call(t, e, "missing", `{}`)
	assert.True(t, errors.HasKind(err, errors.KindNotFound))

	_, err = e.Call(context.Background(), Request{Tool: "add", Component: "other", Args: json.RawMessage(`{}`)})
	assert.True(t, errors.HasKind(err, errors.KindNotFound))

	assert.Zero(t, mod.Live.Load())
}

func TestCallStrictSchema(t *testing.T) {
	reg := registry.New()
	publish(t, reg, "calc", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("add", []types.Type{u32, u32}, []types.Type{u32}, add),
	}})

	res, err := call(t, New(reg, Options{}), "add", `{"param0": "2", "param1": 3}`)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Output)

	_, err = call(t, New(reg, Options{StrictSchema: true}), "add", `{"param0": "2", "param1": 3}`)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindSchemaViolation))
}

func TestCallFailures(t *testing.T) {
	reg := registry.New()
	resultType := types.Result(types.Ptr(u32), types.Ptr(str))
	mod := publish(t, reg, "faulty", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("trap", nil, nil, func(context.Context, ...any) (any, error) {
			return nil, fmt.Errorf("wasm error: unreachable")
		}),
		enginetest.Fn("hang", nil, nil, func(ctx context.Context, _ ...any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		enginetest.Fn("exit", nil, nil, func(context.Context, ...any) (any, error) {
			return nil, sys.NewExitError(sys.ExitCodeDeadlineExceeded)
		}),
		enginetest.Fn("refuse", nil, []types.Type{resultType}, func(context.Context, ...any) (any, error) {
			return map[string]any{"err": "no"}, nil
		}),
		enginetest.Fn("bad-result", nil, []types.Type{u32}, func(context.Context, ...any) (any, error) {
			return "not a number", nil
		}),
	}})
	e := New(reg, Options{CallTimeout: 20 * time.Millisecond})

	res, err := call(t, e, "trap", `{}`)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errors.KindTrap, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "unreachable")
	assert.True(t, res.IsError)
	assert.True(t, errors.HasKind(res.Failure, errors.KindTrap))

	res, err = call(t, e, "hang", `{}`)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errors.KindTimeout, res.Failure.Kind)

	res, err = call(t, e, "exit", `{}`)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, errors.KindTimeout, res.Failure.Kind)

	res, err = call(t, e, "refuse", `{}`)
	require.NoError(t, err)
	assert.Nil(t, res.Failure)
	assert.True(t, res.IsError)
	assert.Equal(t, map[string]any{"err": "no"}, res.Output)

	_, err = call(t, e, "bad-result", `{}`)
	assert.True(t, errors.HasKind(err, errors.KindTypeMismatch))

	assert.Zero(t, mod.Live.Load())
}

func TestCallInstantiateError(t *testing.T) {
	reg := registry.New()
	publish(t, reg, "broken", enginetest.Def{
		Exports:        []enginetest.Export{enginetest.Fn("f", nil, nil, nil)},
		InstantiateErr: fmt.Errorf("missing import"),
	})
	_, err := call(t, New(reg, Options{}), "f", `{}`)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindInstantiation))
	assert.Contains(t, err.Error(), "broken")
}

func TestCallRetiredComponent(t *testing.T) {
	reg := registry.New()
	publish(t, reg, "calc", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("add", []types.Type{u32, u32}, []types.Type{u32}, add),
	}})
	a, ok := reg.Component("calc")
	require.True(t, ok)
	require.NoError(t, a.Retire(context.Background()))

	_, err := call(t, New(reg, Options{}), "add", `{"param0": 1, "param1": 1}`)
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
}

func TestCallFollowsReplacement(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	publish(t, reg, "calc", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("add", []types.Type{u32, u32}, []types.Type{u32}, add),
	}})
	old, ok := reg.Component("calc")
	require.True(t, ok)

	e := New(reg, Options{})
	resolves := 0
	e.resolve = func(name, componentID string) (*component.Artifact, *tool.Descriptor, error) {
		resolves++
		a, d, err := reg.Resolve(name, componentID)
		if resolves == 1 {
			// a reload lands between lookup and acquisition
			publish(t, reg, "calc", enginetest.Def{Exports: []enginetest.Export{
				enginetest.Fn("add", []types.Type{u32, u32}, []types.Type{u32}, func(ctx context.Context, args ...any) (any, error) {
					sum, err := add(ctx, args...)
					return sum.(uint32) + 100, err
				}),
			}})
			require.NoError(t, old.Retire(ctx))
		}
		return a, d, err
	}

	res, err := call(t, e, "add", `{"param0": 1, "param1": 1}`)
	require.NoError(t, err)
	assert.Equal(t, uint64(102), res.Output)
	assert.Equal(t, 2, resolves)
	assert.Zero(t, old.InUse())
}

func TestCallHoldsArtifact(t *testing.T) {
	reg := registry.New()
	started, finish := make(chan struct{}), make(chan struct{})
	mod := publish(t, reg, "slow", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("wait", nil, nil, func(context.Context, ...any) (any, error) {
			close(started)
			<-finish
			return nil, nil
		}),
	}})
	e := New(reg, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := call(t, e, "wait", `{}`)
		done <- err
	}()
	<-started

	a, _ := reg.Remove("slow")
	require.NoError(t, a.Retire(context.Background()))
	assert.False(t, mod.Closed(), "module stays open while a call runs")

	close(finish)
	require.NoError(t, <-done)
	assert.True(t, mod.Closed())
}

// counter is a tool that keeps a per-tenant count in its store.
func counter(host *kv.Host) enginetest.Func {
	return func(ctx context.Context, _ ...any) (any, error) {
		n := 0
		if v := host.Get(ctx, "count"); v != nil {
			n, _ = strconv.Atoi(*v)
		}
		n++
		if !host.Set(ctx, "count", strconv.Itoa(n)) {
			return uint32(0), nil
		}
		return uint32(n), nil
	}
}

func TestCallTenantIsolation(t *testing.T) {
	reg := registry.New()
	host := kv.NewHost(nil)
	publish(t, reg, "counter", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("bump", nil, []types.Type{u32}, counter(host)),
		enginetest.Fn("peek", nil, []types.Type{strOpt}, func(ctx context.Context, _ ...any) (any, error) {
			return host.Get(ctx, "count"), nil
		}),
	}})
	backend := kv.NewMemoryBackend()
	e := New(reg, Options{KV: kv.NewFactory(backend)})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string][]uint64{}
	for _, tenant := range []string{"alice", "bob"} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := e.Call(ctx, Request{Tool: "bump", Tenant: tenant})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[tenant] = append(seen[tenant], res.Output.(uint64))
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	// Calls race on the read-modify-write, so counts are bounded rather
	// than exact; what matters is that no tenant sees the other's writes.
	for _, tenant := range []string{"alice", "bob"} {
		res, err := e.Call(ctx, Request{Tool: "peek", Tenant: tenant})
		require.NoError(t, err)
		n, err := strconv.Atoi(res.Output.(string))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 5)
		for _, v := range seen[tenant] {
			assert.LessOrEqual(t, v, uint64(5))
		}
	}

	res, err := e.Call(ctx, Request{Tool: "peek", Tenant: "carol"})
	require.NoError(t, err)
	assert.Nil(t, res.Output)

	keys, err := backend.Scan(ctx, "mecp:app:counter:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mecp:app:counter:alice:count", "mecp:app:counter:bob:count"}, keys)
}

func TestCallWithoutTenantHasNoStore(t *testing.T) {
	reg := registry.New()
	host := kv.NewHost(nil)
	publish(t, reg, "counter", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("bump", nil, []types.Type{u32}, counter(host)),
	}})

	for _, f := range []kv.Factory{kv.NewFactory(kv.NewMemoryBackend()), kv.Disabled()} {
		e := New(reg, Options{KV: f})
		res, err := e.Call(context.Background(), Request{Tool: "bump"})
		require.NoError(t, err)
		assert.EqualValues(t, 0, res.Output)
	}

	e := New(reg, Options{KV: kv.Disabled()})
	res, err := e.Call(context.Background(), Request{Tool: "bump", Tenant: "alice"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Output)
}

func TestCallRejectsBadTenant(t *testing.T) {
	reg := registry.New()
	publish(t, reg, "counter", enginetest.Def{Exports: []enginetest.Export{
		enginetest.Fn("bump", nil, []types.Type{u32}, counter(kv.NewHost(nil))),
	}})
	e := New(reg, Options{KV: kv.NewFactory(kv.NewMemoryBackend())})
	_, err := e.Call(context.Background(), Request{Tool: "bump", Tenant: "a:b"})
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindInvalidInput))
}
