// Package enginetest provides an in-process stand-in for the component
// engine. Components are described by Go functions instead of binaries so
// that loader, executor and runtime behavior can be tested without a wasm
// toolchain.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gnufoo/MeCP/engine"
	"github.com/gnufoo/MeCP/introspect"
	"github.com/gnufoo/MeCP/types"
)

// Func is the Go body of a fake export.
type Func func(ctx context.Context, args ...any) (any, error)

// Export pairs a lifted function signature with its body.
type Export struct {
	Body Func
	introspect.Function
}

// Def describes a fake component.
type Def struct {
	Exports []Export
	// CompileErr, when set, fails compilation.
	CompileErr error
	// InstantiateErr, when set, fails every instantiation.
	InstantiateErr error
}

// Fn builds an export.
func Fn(name string, params, results []types.Type, body Func) Export {
	return Export{
		Function: introspect.Function{Name: name, Params: params, Results: results},
		Body:     body,
	}
}

// Compiler resolves binaries to registered definitions by content.
type Compiler struct {
	defs     map[string]Def
	compiled atomic.Int64
	mu       sync.Mutex
	modules  []*Module
}

// NewCompiler returns an empty fake compiler.
func NewCompiler() *Compiler {
	return &Compiler{defs: make(map[string]Def)}
}

// Register associates wasm bytes with a definition.
func (c *Compiler) Register(wasm []byte, def Def) {
	c.mu.Lock()
	c.defs[string(wasm)] = def
	c.mu.Unlock()
}

func (c *Compiler) Compile(_ context.Context, id string, wasm []byte) (*engine.Compiled, error) {
	c.mu.Lock()
	def, ok := c.defs[string(wasm)]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("enginetest: no definition registered for %s", id)
	}
	if def.CompileErr != nil {
		return nil, def.CompileErr
	}
	c.compiled.Add(1)

	fns := make([]introspect.Function, len(def.Exports))
	bodies := make(map[string]Func, len(def.Exports))
	for i, e := range def.Exports {
		fns[i] = e.Function
		bodies[e.Name] = e.Body
	}
	m := &Module{ID: id, bodies: bodies, instErr: def.InstantiateErr}
	c.mu.Lock()
	c.modules = append(c.modules, m)
	c.mu.Unlock()
	return &engine.Compiled{Module: m, Functions: fns}, nil
}

// Compiled returns the number of successful compilations.
func (c *Compiler) Compiled() int { return int(c.compiled.Load()) }

// Modules returns every module compiled so far.
func (c *Compiler) Modules() []*Module {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Module(nil), c.modules...)
}

// Module is a fake compiled component.
type Module struct {
	bodies  map[string]Func
	instErr error
	ID      string
	Opened  atomic.Int64
	Live    atomic.Int64
	closed  atomic.Bool
}

func (m *Module) Instantiate(context.Context) (engine.Instance, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("enginetest: module %s is closed", m.ID)
	}
	if m.instErr != nil {
		return nil, m.instErr
	}
	m.Opened.Add(1)
	m.Live.Add(1)
	return &Instance{module: m}, nil
}

func (m *Module) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (m *Module) Closed() bool { return m.closed.Load() }

// Instance is a fake instantiation.
type Instance struct {
	module *Module
	closed atomic.Bool
}

func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	if i.closed.Load() {
		return nil, fmt.Errorf("enginetest: call on closed instance")
	}
	body, ok := i.module.bodies[name]
	if !ok {
		return nil, fmt.Errorf("enginetest: export %q not found", name)
	}
	return body(ctx, args...)
}

func (i *Instance) Close(context.Context) error {
	if i.closed.CompareAndSwap(false, true) {
		i.module.Live.Add(-1)
	}
	return nil
}
