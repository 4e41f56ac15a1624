// Package loader installs components: it fetches, validates, compiles,
// introspects, persists and publishes them, and removes them again.
package loader

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/gnufoo/MeCP/component"
	"github.com/gnufoo/MeCP/engine"
	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/introspect"
	"github.com/gnufoo/MeCP/registry"
	"github.com/gnufoo/MeCP/store"
	"github.com/gnufoo/MeCP/tool"
	"github.com/gnufoo/MeCP/validator"
)

// Options tunes the loader.
type Options struct {
	// Fs is read for local sources. Defaults to the OS filesystem.
	Fs          afero.Fs
	Client      *http.Client
	Logger      *zap.Logger
	MaxBytes    int64
	Concurrency int
	// FetchTimeout bounds remote downloads; zero means no limit.
	FetchTimeout time.Duration
}

// Result describes a completed load.
type Result struct {
	ID     string          `json:"id"`
	Digest string          `json:"digest"`
	Tools  []tool.Info     `json:"tools"`
	Status registry.Status `json:"status"`
}

// Loader serializes operations on the same component id; different ids
// load in parallel.
type Loader struct {
	compiler engine.Compiler
	intro    *introspect.Introspector
	store    *store.Store
	reg      *registry.Registry
	fs       afero.Fs
	client   *http.Client
	logger   *zap.Logger
	locks    *keyedMutex
	opts     Options
}

// DefaultMaxBytes is used when Options.MaxBytes is not positive.
const DefaultMaxBytes = 64 << 20

// New returns a loader publishing into reg and persisting into st.
func New(compiler engine.Compiler, intro *introspect.Introspector, st *store.Store, reg *registry.Registry, opts Options) *Loader {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	l := &Loader{
		compiler: compiler,
		intro:    intro,
		store:    st,
		reg:      reg,
		fs:       opts.Fs,
		client:   opts.Client,
		logger:   opts.Logger,
		locks:    newKeyedMutex(),
		opts:     opts,
	}
	if l.fs == nil {
		l.fs = afero.NewOsFs()
	}
	if l.client == nil {
		l.client = http.DefaultClient
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.Named("loader")
	return l
}

// Load fetches uri and installs it under id. An empty id is derived from
// the file stem of uri.
func (l *Loader) Load(ctx context.Context, uri, id string) (*Result, error) {
	wasm, derived, err := l.Fetch(ctx, uri)
	if err != nil {
		return nil, withComponent(err, firstNonEmpty(id, derived))
	}
	if id == "" {
		id = derived
	}
	return l.install(ctx, id, wasm, true)
}

// LoadBytes installs wasm under id.
func (l *Loader) LoadBytes(ctx context.Context, wasm []byte, id string) (*Result, error) {
	if int64(len(wasm)) > l.opts.MaxBytes {
		return nil, errors.New(errors.PhaseLoad, errors.KindOutOfRange).
			Component(id).Detail("component exceeds %d bytes", l.opts.MaxBytes).Build()
	}
	return l.install(ctx, id, wasm, true)
}

// install runs the pipeline. Nothing is published or written unless every
// step before publication succeeds.
func (l *Loader) install(ctx context.Context, id string, wasm []byte, persist bool) (*Result, error) {
	if !store.ValidID(id) {
		return nil, errors.InvalidInput(errors.PhaseLoad, "invalid component id "+strconv.Quote(id))
	}
	if err := validator.Validate(wasm); err != nil {
		return nil, withComponent(err, id)
	}

	unlock := l.locks.lock(id)
	defer unlock()

	start := time.Now()
	compiled, err := l.compiler.Compile(ctx, id, wasm)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			return nil, withComponent(err, id)
		}
		return nil, errors.Compile(id, err)
	}

	tools, err := l.intro.Tools(id, compiled.Functions)
	if err != nil {
		_ = compiled.Module.Close(ctx)
		return nil, err
	}

	if persist {
		if err := l.store.Put(id, wasm); err != nil {
			_ = compiled.Module.Close(ctx)
			return nil, withComponent(err, id)
		}
	}

	a := component.New(id, wasm, compiled, tools)
	status, prev := l.reg.Publish(a)
	if prev != nil {
		if err := prev.Retire(ctx); err != nil {
			l.logger.Warn("closing replaced component failed", zap.String("component", id), zap.Error(err))
		}
	}

	infos := make([]tool.Info, len(tools))
	for i, d := range tools {
		infos[i] = d.Info()
		infos[i].Component = id
	}
	l.logger.Info("component loaded",
		zap.String("component", id),
		zap.Stringer("status", status),
		zap.Int("tools", len(tools)),
		zap.Int("bytes", len(wasm)),
		zap.Duration("duration", time.Since(start)))

	return &Result{ID: id, Digest: a.Digest, Tools: infos, Status: status}, nil
}

// Unload removes id from the registry and deletes its persisted bytes.
// In-flight calls keep the compiled module alive until they finish.
func (l *Loader) Unload(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()

	a, ok := l.reg.Remove(id)
	if !ok {
		return errors.NotFound(errors.PhaseLoad, "component", id)
	}
	if err := a.Retire(ctx); err != nil {
		l.logger.Warn("closing component failed", zap.String("component", id), zap.Error(err))
	}
	if err := l.store.Delete(id); err != nil {
		return withComponent(err, id)
	}
	l.logger.Info("component unloaded", zap.String("component", id))
	return nil
}

// Summary reports the outcome of LoadDir.
type Summary struct {
	Failed map[string]error
	Loaded []string
}

// LoadDir installs every component persisted in the store, in parallel.
// Failures are logged and collected; they do not stop the others.
func (l *Loader) LoadDir(ctx context.Context) (*Summary, error) {
	ids, err := l.store.List()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		err error
		id  string
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(l.opts.Concurrency)
	for _, id := range ids {
		p.Go(func() outcome {
			return outcome{id: id, err: l.Reload(ctx, id)}
		})
	}

	sum := &Summary{Failed: make(map[string]error)}
	for _, o := range p.Wait() {
		if o.err != nil {
			l.logger.Warn("skipping component", zap.String("component", o.id), zap.Error(o.err))
			sum.Failed[o.id] = o.err
			continue
		}
		sum.Loaded = append(sum.Loaded, o.id)
	}
	sort.Strings(sum.Loaded)
	l.logger.Info("component directory loaded",
		zap.String("dir", l.store.Dir()),
		zap.Int("loaded", len(sum.Loaded)),
		zap.Int("failed", len(sum.Failed)))
	return sum, nil
}

// Reload installs id from its persisted bytes without rewriting them.
func (l *Loader) Reload(ctx context.Context, id string) error {
	wasm, err := l.store.Get(id)
	if err != nil {
		return err
	}
	if int64(len(wasm)) > l.opts.MaxBytes {
		return errors.New(errors.PhaseLoad, errors.KindOutOfRange).
			Component(id).Detail("component exceeds %d bytes", l.opts.MaxBytes).Build()
	}
	_, err = l.install(ctx, id, wasm, false)
	return err
}

// Sync brings the registry in line with the persisted file of id: a
// missing file forgets the component, changed bytes reload it and
// unchanged bytes are left alone. It reports whether anything changed.
func (l *Loader) Sync(ctx context.Context, id string) (bool, error) {
	if !l.store.Exists(id) {
		return l.Forget(ctx, id), nil
	}
	wasm, err := l.store.Get(id)
	if err != nil {
		return false, err
	}
	if a, ok := l.reg.Component(id); ok && a.Digest == component.Digest(wasm) {
		return false, nil
	}
	if int64(len(wasm)) > l.opts.MaxBytes {
		return false, errors.New(errors.PhaseLoad, errors.KindOutOfRange).
			Component(id).Detail("component exceeds %d bytes", l.opts.MaxBytes).Build()
	}
	if _, err := l.install(ctx, id, wasm, false); err != nil {
		return false, err
	}
	return true, nil
}

// Forget removes id from the registry without touching the store. It is
// used when the file disappeared on its own.
func (l *Loader) Forget(ctx context.Context, id string) bool {
	unlock := l.locks.lock(id)
	defer unlock()

	a, ok := l.reg.Remove(id)
	if !ok {
		return false
	}
	if err := a.Retire(ctx); err != nil {
		l.logger.Warn("closing component failed", zap.String("component", id), zap.Error(err))
	}
	l.logger.Info("component forgotten", zap.String("component", id))
	return true
}

// Store returns the loader's content store.
func (l *Loader) Store() *store.Store { return l.store }

func withComponent(err error, id string) error {
	var e *errors.Error
	if id == "" || !errors.As(err, &e) || e.Component != "" {
		return err
	}
	cp := *e
	cp.Component = id
	return &cp
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	locks map[string]*refMutex
	mu    sync.Mutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
