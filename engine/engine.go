package engine

import (
	"context"
	"sync"

	wasmrt "github.com/wippyai/wasm-runtime/runtime"
	"github.com/wippyai/wasm-runtime/wasi/preview2"
	"go.uber.org/zap"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/introspect"
)

// Instance is one instantiation of a compiled component. It serves a single
// call and is closed afterwards.
type Instance interface {
	// Call invokes the export with its canonical name ("fn" or
	// "ns:pkg/iface@ver#fn").
	Call(ctx context.Context, name string, args ...any) (any, error)
	Close(ctx context.Context) error
}

// Module is a compiled component that can be instantiated repeatedly.
type Module interface {
	Instantiate(ctx context.Context) (Instance, error)
	Close(ctx context.Context) error
}

// Compiled is the outcome of compiling one component binary.
type Compiled struct {
	Module    Module
	Functions []introspect.Function
}

// Compiler turns validated component bytes into a Module.
type Compiler interface {
	Compile(ctx context.Context, id string, wasm []byte) (*Compiled, error)
}

// Config configures the component compiler.
type Config struct {
	Logger *zap.Logger
	// Hosts are registered on every private runtime, after WASI.
	Hosts []wasmrt.Host
	IO    IOConfig
}

// WazeroCompiler compiles every component into its own engine runtime.
type WazeroCompiler struct {
	logger *zap.Logger
	hosts  []wasmrt.Host
	io     IOConfig
}

// NewCompiler returns a compiler using cfg.
func NewCompiler(cfg Config) *WazeroCompiler {
	l := cfg.Logger
	if l == nil {
		l = Logger()
	}
	return &WazeroCompiler{
		logger: l.Named("engine"),
		hosts:  cfg.Hosts,
		io:     cfg.IO,
	}
}

// Compile introspects wasm, links it against WASI and the configured hosts
// and pre-compiles it so that import errors surface at load time. On error
// everything allocated for the component is released.
func (c *WazeroCompiler) Compile(ctx context.Context, id string, wasm []byte) (*Compiled, error) {
	fns, err := Inspect(wasm)
	if err != nil {
		return nil, withComponent(err, id)
	}

	// Without CloseOnContextDone a guest that never calls the host ignores
	// the call deadline.
	rt, err := wasmrt.NewWithConfig(ctx, &wasmrt.Config{CloseOnContextDone: true})
	if err != nil {
		return nil, errors.Compile(id, err)
	}

	wasi := c.io.build()
	mod, err := c.link(ctx, rt, wasi, wasm)
	if err != nil {
		wasi.Close()
		_ = rt.Close(ctx)
		return nil, errors.Compile(id, err)
	}

	c.logger.Debug("component compiled",
		zap.String("component", id),
		zap.Int("functions", len(fns)),
		zap.Int("bytes", len(wasm)),
		zap.String("io", string(c.io.Policy)))

	return &Compiled{
		Module:    &module{id: id, rt: rt, mod: mod, wasi: wasi},
		Functions: fns,
	}, nil
}

func (c *WazeroCompiler) link(ctx context.Context, rt *wasmrt.Runtime, wasi *preview2.WASI, wasm []byte) (*wasmrt.Module, error) {
	if err := rt.RegisterWASI(wasi); err != nil {
		return nil, err
	}
	for _, h := range c.hosts {
		if err := rt.RegisterHost(h); err != nil {
			return nil, err
		}
	}
	mod, err := rt.LoadComponent(ctx, wasm)
	if err != nil {
		return nil, err
	}
	if err := mod.Compile(ctx); err != nil {
		return nil, err
	}
	return mod, nil
}

func withComponent(err error, id string) error {
	var e *errors.Error
	if errors.As(err, &e) {
		cp := *e
		cp.Component = id
		return &cp
	}
	return err
}

type module struct {
	rt        *wasmrt.Runtime
	mod       *wasmrt.Module
	wasi      *preview2.WASI
	id        string
	closeOnce sync.Once
	closeErr  error
}

func (m *module) Instantiate(ctx context.Context) (Instance, error) {
	inst, err := m.mod.Instantiate(ctx)
	if err != nil {
		return nil, errors.New(errors.PhaseBind, errors.KindInstantiation).
			Component(m.id).Cause(err).Build()
	}
	return &instance{inst: inst}, nil
}

func (m *module) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.wasi.Close()
		m.closeErr = m.rt.Close(ctx)
	})
	return m.closeErr
}

type instance struct {
	inst *wasmrt.Instance
}

func (i *instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	return i.inst.Call(ctx, name, args...)
}

func (i *instance) Close(ctx context.Context) error {
	return i.inst.Close(ctx)
}
