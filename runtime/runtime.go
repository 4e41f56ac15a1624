// Package runtime is the entry point for hosting component tools. It ties
// together the loader, registry and executor behind the operations a
// protocol front end needs: load, unload, list and call.
//
// Basic usage:
//
//	rt, err := runtime.New(ctx, runtime.Options{Config: cfg, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer rt.Shutdown(ctx)
//
//	if _, err := rt.LoadComponent(ctx, "./calculator.wasm", ""); err != nil {
//	    return err
//	}
//	res, err := rt.CallTool(ctx, "add", json.RawMessage(`{"param0":2,"param1":3}`), "", "")
package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/spf13/afero"
	wasmrt "github.com/wippyai/wasm-runtime/runtime"
	"go.uber.org/zap"

	"github.com/gnufoo/MeCP/component"
	"github.com/gnufoo/MeCP/config"
	"github.com/gnufoo/MeCP/engine"
	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/executor"
	"github.com/gnufoo/MeCP/introspect"
	"github.com/gnufoo/MeCP/kv"
	"github.com/gnufoo/MeCP/loader"
	"github.com/gnufoo/MeCP/registry"
	"github.com/gnufoo/MeCP/store"
	"github.com/gnufoo/MeCP/tool"
	"github.com/gnufoo/MeCP/watch"
)

// LoadResult reports a completed load.
type LoadResult = loader.Result

// Options configures a Runtime. Only Config is consulted when the other
// fields are nil.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Compiler replaces the engine compiler, mostly for tests.
	Compiler engine.Compiler
	// KV replaces the backend selected by Config.KV.
	KV kv.Factory
	// Fs holds the component directory and local sources. Defaults to
	// the OS filesystem.
	Fs     afero.Fs
	Client *http.Client
	// SkipAutoload leaves the component directory unread at startup.
	SkipAutoload bool
}

// Runtime hosts components and dispatches tool calls. It is safe for
// concurrent use.
type Runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	reg     *registry.Registry
	loader  *loader.Loader
	exec    *executor.Executor
	kv      kv.Factory
	watcher *watch.Watcher
	stop    context.CancelFunc
	wg      sync.WaitGroup
	// calls counts running CallTool invocations; Shutdown waits for them
	// before closing the key-value backend.
	calls   sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

// New builds a runtime and loads every component persisted in the
// component directory. Components that fail to load are logged and
// skipped.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	factory := opts.KV
	if factory == nil {
		f, err := openKV(cfg.KV, logger)
		if err != nil {
			return nil, err
		}
		factory = f
	}

	compiler := opts.Compiler
	if compiler == nil {
		compiler = engine.NewCompiler(engine.Config{
			Logger: logger,
			Hosts:  []wasmrt.Host{kv.NewHost(logger.Named("kv"))},
			IO:     cfg.EngineIO(),
		})
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	st, err := store.New(fs, cfg.ComponentDir)
	if err != nil {
		_ = factory.Close()
		return nil, err
	}

	reg := registry.New()
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		kv:     factory,
		loader: loader.New(compiler, introspect.New(cfg.Denylist...), st, reg, loader.Options{
			Fs:           fs,
			Client:       opts.Client,
			Logger:       logger,
			MaxBytes:     cfg.MaxComponentBytes,
			Concurrency:  cfg.LoadConcurrency,
			FetchTimeout: cfg.FetchTimeout.Duration,
		}),
		exec: executor.New(reg, executor.Options{
			Logger:       logger,
			KV:           factory,
			CallTimeout:  cfg.CallTimeout.Duration,
			StrictSchema: cfg.StrictSchema,
		}),
	}

	if !opts.SkipAutoload {
		if _, err := r.loader.LoadDir(ctx); err != nil {
			logger.Warn("component directory not loaded", zap.String("dir", cfg.ComponentDir), zap.Error(err))
		}
	}

	if cfg.Watch {
		if err := r.startWatch(); err != nil {
			_ = r.Shutdown(ctx)
			return nil, err
		}
	}

	logger.Info("runtime started",
		zap.String("component_dir", cfg.ComponentDir),
		zap.Int("components", reg.Len()),
		zap.String("kv", cfg.KV.Backend),
		zap.String("io", cfg.IO.Policy))
	return r, nil
}

func openKV(c config.KVConfig, logger *zap.Logger) (kv.Factory, error) {
	switch c.Backend {
	case config.BackendNone:
		return kv.Disabled(), nil
	case config.BackendSQLite:
		b, err := kv.NewSQLiteBackend(c.Path)
		if err != nil {
			return nil, err
		}
		return kv.NewFactory(b, kv.WithLogger(logger)), nil
	default:
		return kv.NewFactory(kv.NewMemoryBackend(), kv.WithLogger(logger)), nil
	}
}

func (r *Runtime) startWatch() error {
	w, err := watch.New(r.cfg.ComponentDir, r.loader, r.logger, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.watcher = w
	r.stop = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = w.Run(ctx)
	}()
	return nil
}

func (r *Runtime) check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errShutdown()
	}
	return nil
}

func errShutdown() error {
	return errors.InvalidInput(errors.PhaseResolve, "runtime is shut down")
}

// LoadComponent fetches uri (path, file:// or http(s)://) and installs it
// under id, deriving the id from the file name when empty.
func (r *Runtime) LoadComponent(ctx context.Context, uri, id string) (*LoadResult, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.loader.Load(ctx, uri, id)
}

// LoadComponentBytes installs b under id.
func (r *Runtime) LoadComponentBytes(ctx context.Context, b []byte, id string) (*LoadResult, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.loader.LoadBytes(ctx, b, id)
}

// UnloadComponent removes id and its persisted file.
func (r *Runtime) UnloadComponent(ctx context.Context, id string) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.loader.Unload(ctx, id)
}

// ListComponents returns the loaded component ids, sorted.
func (r *Runtime) ListComponents() []string {
	return r.reg.Components()
}

// Components returns a listing entry per loaded component.
func (r *Runtime) Components() []component.Info {
	snap := r.reg.Snapshot()
	out := make([]component.Info, 0, len(snap))
	for _, id := range r.reg.Components() {
		if a, ok := snap[id]; ok {
			out = append(out, a.Info())
		}
	}
	return out
}

// ListTools returns the tools of every loaded component, sorted by name and
// component. Tools hidden behind a later component's tool of the same name
// are marked shadowed.
func (r *Runtime) ListTools() []tool.Info {
	return r.reg.Tools()
}

// FindTool returns the component that currently owns name.
func (r *Runtime) FindTool(name string) (string, bool) {
	return r.reg.Owner(name)
}

// CallTool invokes a tool. componentID pins the owning component and
// tenantID attaches that tenant's key-value store; both may be empty.
func (r *Runtime) CallTool(ctx context.Context, name string, args json.RawMessage, componentID, tenantID string) (*executor.Result, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, errShutdown()
	}
	r.calls.Add(1)
	r.mu.RUnlock()
	defer r.calls.Done()

	return r.exec.Call(ctx, executor.Request{
		Args:      args,
		Tool:      name,
		Component: componentID,
		Tenant:    tenantID,
	})
}

// Shutdown rejects new calls, stops watching, waits for running calls,
// releases every component and closes the key-value backend. When ctx ends
// before the calls drain, the remaining resources are released anyway and
// ctx's error is returned.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.watcher != nil {
		r.stop()
		_ = r.watcher.Close()
		r.wg.Wait()
	}

	drainErr := r.drain(ctx)
	if drainErr != nil {
		r.logger.Warn("shutting down with calls still running", zap.Error(drainErr))
	}
	for _, id := range r.reg.Components() {
		if a, ok := r.reg.Remove(id); ok {
			if err := a.Retire(ctx); err != nil {
				r.logger.Warn("closing component failed", zap.String("component", id), zap.Error(err))
			}
		}
	}
	err := r.kv.Close()
	r.logger.Info("runtime stopped")
	if drainErr != nil {
		return drainErr
	}
	return err
}

func (r *Runtime) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
