package loader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnufoo/MeCP/engine/enginetest"
	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/introspect"
	"github.com/gnufoo/MeCP/registry"
	"github.com/gnufoo/MeCP/store"
	"github.com/gnufoo/MeCP/types"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}

func wasm(body string) []byte {
	return append(append([]byte{}, header...), body...)
}

func exports(names ...string) enginetest.Def {
	def := enginetest.Def{}
	for _, n := range names {
		def.Exports = append(def.Exports, enginetest.Fn(n, []types.Type{types.Prim(types.KindU32)}, nil, nil))
	}
	return def
}

type fixture struct {
	loader   *Loader
	compiler *enginetest.Compiler
	reg      *registry.Registry
	store    *store.Store
	fs       afero.Fs
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	st, err := store.New(fs, "/components")
	require.NoError(t, err)
	c := enginetest.NewCompiler()
	reg := registry.New()
	if opts.Fs == nil {
		opts.Fs = fs
	}
	return &fixture{
		loader:   New(c, introspect.New(), st, reg, opts),
		compiler: c,
		reg:      reg,
		store:    st,
		fs:       fs,
	}
}

func TestLoadBytes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := wasm("calc-v1")
	f.compiler.Register(b, exports("add", "sub"))

	res, err := f.loader.LoadBytes(ctx, b, "calc")
	require.NoError(t, err)
	assert.Equal(t, "calc", res.ID)
	assert.Equal(t, registry.StatusNew, res.Status)
	require.Len(t, res.Tools, 2)
	assert.Equal(t, "add", res.Tools[0].Name)
	assert.Equal(t, "calc", res.Tools[0].Component)

	persisted, err := f.store.Get("calc")
	require.NoError(t, err)
	assert.Equal(t, b, persisted)
	assert.Equal(t, []string{"calc"}, f.reg.Components())
}

func TestReloadReplaces(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	v1, v2 := wasm("v1"), wasm("v2")
	f.compiler.Register(v1, exports("add", "sub"))
	f.compiler.Register(v2, exports("add", "mul"))

	_, err := f.loader.LoadBytes(ctx, v1, "calc")
	require.NoError(t, err)
	res, err := f.loader.LoadBytes(ctx, v2, "calc")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusReplaced, res.Status)

	mods := f.compiler.Modules()
	require.Len(t, mods, 2)
	assert.True(t, mods[0].Closed())
	assert.False(t, mods[1].Closed())

	_, _, err = f.reg.Resolve("sub", "")
	assert.Error(t, err)
	_, _, err = f.reg.Resolve("mul", "")
	assert.NoError(t, err)
}

func TestLoadRejects(t *testing.T) {
	f := newFixture(t, Options{MaxBytes: 64})
	ctx := context.Background()

	core := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := f.loader.LoadBytes(ctx, core, "core")
	assert.True(t, errors.HasKind(err, errors.KindInvalidBinary))

	_, err = f.loader.LoadBytes(ctx, []byte("\x00asn\x0d\x00\x01\x00"), "badmagic")
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindInvalidBinary))
	assert.Contains(t, err.Error(), "badmagic")

	_, err = f.loader.LoadBytes(ctx, wasm(string(make([]byte, 100))), "big")
	assert.True(t, errors.HasKind(err, errors.KindOutOfRange))

	_, err = f.loader.LoadBytes(ctx, wasm("x"), "../escape")
	assert.True(t, errors.HasKind(err, errors.KindInvalidInput))

	assert.Empty(t, f.reg.Components())
	ids, err := f.store.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFailedLoadLeavesNoTrace(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	broken := wasm("broken")
	f.compiler.Register(broken, enginetest.Def{CompileErr: fmt.Errorf("bad import")})
	_, err := f.loader.LoadBytes(ctx, broken, "broken")
	require.Error(t, err)
	assert.True(t, errors.HasKind(err, errors.KindCompile))

	dup := wasm("dup")
	f.compiler.Register(dup, exports("a:b/c@1.0.0#run", "a:b/c@2.0.0#run"))
	_, err = f.loader.LoadBytes(ctx, dup, "dup")
	assert.True(t, errors.HasKind(err, errors.KindDuplicate))
	assert.True(t, f.compiler.Modules()[0].Closed())

	assert.Empty(t, f.reg.Components())
	ids, _ := f.store.List()
	assert.Empty(t, ids)
}

func TestFailedReloadKeepsPrevious(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	good, bad := wasm("good"), wasm("bad")
	f.compiler.Register(good, exports("add"))
	f.compiler.Register(bad, enginetest.Def{CompileErr: fmt.Errorf("boom")})

	_, err := f.loader.LoadBytes(ctx, good, "calc")
	require.NoError(t, err)
	_, err = f.loader.LoadBytes(ctx, bad, "calc")
	require.Error(t, err)

	_, _, err = f.reg.Resolve("add", "calc")
	assert.NoError(t, err)
	persisted, _ := f.store.Get("calc")
	assert.Equal(t, good, persisted)
}

func TestUnload(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := wasm("calc")
	f.compiler.Register(b, exports("add"))

	_, err := f.loader.LoadBytes(ctx, b, "calc")
	require.NoError(t, err)
	require.NoError(t, f.loader.Unload(ctx, "calc"))

	_, _, err = f.reg.Resolve("add", "")
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
	_, err = f.store.Get("calc")
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
	assert.True(t, f.compiler.Modules()[0].Closed())

	err = f.loader.Unload(ctx, "calc")
	assert.True(t, errors.HasKind(err, errors.KindNotFound))
}

func TestUnloadWaitsForHolders(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := wasm("calc")
	f.compiler.Register(b, exports("add"))
	_, err := f.loader.LoadBytes(ctx, b, "calc")
	require.NoError(t, err)

	a, _ := f.reg.Component("calc")
	require.True(t, a.Acquire())
	require.NoError(t, f.loader.Unload(ctx, "calc"))
	assert.False(t, f.compiler.Modules()[0].Closed())

	require.NoError(t, a.Release(ctx))
	assert.True(t, f.compiler.Modules()[0].Closed())
}

func TestLoadFromPathAndFileURI(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	b := wasm("greeter")
	f.compiler.Register(b, exports("greet"))
	require.NoError(t, afero.WriteFile(f.fs, "/src/greeter.wasm", b, 0o644))

	res, err := f.loader.Load(ctx, "/src/greeter.wasm", "")
	require.NoError(t, err)
	assert.Equal(t, "greeter", res.ID)

	res, err = f.loader.Load(ctx, "file:///src/greeter.wasm", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.ID)
	assert.Equal(t, registry.StatusNew, res.Status)

	_, err = f.loader.Load(ctx, "/src/missing.wasm", "")
	assert.True(t, errors.HasKind(err, errors.KindIO))

	_, err = f.loader.Load(ctx, "ftp://example.com/x.wasm", "")
	assert.True(t, errors.HasKind(err, errors.KindUnsupported))
}

func TestLoadFromHTTP(t *testing.T) {
	b := wasm("remote")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/components/remote.wasm" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	f := newFixture(t, Options{Client: srv.Client()})
	f.compiler.Register(b, exports("ping"))
	ctx := context.Background()

	res, err := f.loader.Load(ctx, srv.URL+"/components/remote.wasm", "")
	require.NoError(t, err)
	assert.Equal(t, "remote", res.ID)

	_, err = f.loader.Load(ctx, srv.URL+"/nope.wasm", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestLoadDir(t *testing.T) {
	f := newFixture(t, Options{Concurrency: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b := wasm(fmt.Sprintf("c%d", i))
		f.compiler.Register(b, exports(fmt.Sprintf("fn%d", i)))
		require.NoError(t, f.store.Put(fmt.Sprintf("c%d", i), b))
	}
	require.NoError(t, f.store.Put("junk", []byte("not a component")))

	sum, err := f.loader.LoadDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3", "c4"}, sum.Loaded)
	require.Contains(t, sum.Failed, "junk")
	assert.True(t, errors.HasKind(sum.Failed["junk"], errors.KindInvalidBinary))
	assert.Len(t, f.reg.Tools(), 5)

	// persisted bytes are left alone on failure
	_, err = f.store.Get("junk")
	assert.NoError(t, err)
}

func TestConcurrentLoadsOfSameID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	var bins [][]byte
	for i := 0; i < 10; i++ {
		b := wasm(fmt.Sprintf("v%d", i))
		f.compiler.Register(b, exports("add"))
		bins = append(bins, b)
	}

	var wg sync.WaitGroup
	for _, b := range bins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.loader.LoadBytes(ctx, b, "calc")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mods := f.compiler.Modules()
	require.Len(t, mods, 10)
	open := 0
	for _, m := range mods {
		if !m.Closed() {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, f.reg.Len())
}

func TestSync(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	v1, v2 := wasm("v1"), wasm("v2")
	f.compiler.Register(v1, exports("add"))
	f.compiler.Register(v2, exports("add", "sub"))

	require.NoError(t, f.store.Put("calc", v1))
	changed, err := f.loader.Sync(ctx, "calc")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.loader.Sync(ctx, "calc")
	require.NoError(t, err)
	assert.False(t, changed, "unchanged bytes are not recompiled")
	assert.Equal(t, 1, f.compiler.Compiled())

	require.NoError(t, f.store.Put("calc", v2))
	changed, err = f.loader.Sync(ctx, "calc")
	require.NoError(t, err)
	assert.True(t, changed)
	_, _, err = f.reg.Resolve("sub", "calc")
	assert.NoError(t, err)

	require.NoError(t, f.store.Delete("calc"))
	changed, err = f.loader.Sync(ctx, "calc")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Zero(t, f.reg.Len())

	changed, err = f.loader.Sync(ctx, "calc")
	require.NoError(t, err)
	assert.False(t, changed)
}
