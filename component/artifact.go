// Package component holds the compiled, immutable representation of a
// loaded component.
package component

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/gnufoo/MeCP/engine"
	"github.com/gnufoo/MeCP/tool"
)

// Artifact is a compiled component and its tool catalog. It is never
// mutated after construction and may be shared by concurrent calls.
//
// The compiled module is reference counted: calls Acquire the artifact
// before instantiating it and Release it afterwards. Retire marks the
// artifact as replaced or unloaded; the module is closed once the last
// holder releases it.
type Artifact struct {
	LoadedAt   time.Time
	module     engine.Module
	byName     map[string]*tool.Descriptor
	exports    map[string]struct{}
	interfaces map[string]struct{}
	ID         string
	Digest     string // hex sha256 of the binary
	Tools      []*tool.Descriptor
	Size       int
	refs       int
	mu         sync.Mutex
	retired    bool
	closed     bool
}

// New builds an artifact from a compilation result and its tool catalog.
func New(id string, wasm []byte, compiled *engine.Compiled, tools []*tool.Descriptor) *Artifact {
	a := &Artifact{
		LoadedAt:   time.Now(),
		module:     compiled.Module,
		byName:     make(map[string]*tool.Descriptor, len(tools)),
		exports:    make(map[string]struct{}, len(compiled.Functions)),
		interfaces: make(map[string]struct{}),
		ID:         id,
		Digest:     Digest(wasm),
		Tools:      tools,
		Size:       len(wasm),
	}
	for _, d := range tools {
		a.byName[d.Name] = d
	}
	for _, fn := range compiled.Functions {
		a.exports[fn.Name] = struct{}{}
		if e := tool.ParseExport(fn.Name); e.Kind == tool.ExportInterface {
			a.interfaces[e.Interface] = struct{}{}
		}
	}
	return a
}

// Digest returns the hex sha256 of a binary, as stored in Artifact.Digest.
func Digest(wasm []byte) string {
	sum := sha256.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}

// Tool returns the descriptor published under name.
func (a *Artifact) Tool(name string) (*tool.Descriptor, bool) {
	d, ok := a.byName[name]
	return d, ok
}

// ToolNames lists the published tool names, sorted.
func (a *Artifact) ToolNames() []string {
	names := make([]string, 0, len(a.byName))
	for n := range a.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasExport reports whether the component exports the canonical name,
// including exports filtered out of the catalog.
func (a *Artifact) HasExport(name string) bool {
	_, ok := a.exports[name]
	return ok
}

// HasInterface reports whether the component exports the interface.
func (a *Artifact) HasInterface(iface string) bool {
	_, ok := a.interfaces[iface]
	return ok
}

// Module returns the compiled module. Callers must hold a reference.
func (a *Artifact) Module() engine.Module { return a.module }

// Functions is the number of exported functions, denied ones included.
func (a *Artifact) Functions() int { return len(a.exports) }

// Acquire takes a reference. It fails once the artifact is retired.
func (a *Artifact) Acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retired {
		return false
	}
	a.refs++
	return true
}

// Release drops a reference taken by Acquire.
func (a *Artifact) Release(ctx context.Context) error {
	a.mu.Lock()
	if a.refs > 0 {
		a.refs--
	}
	closeNow := a.retired && a.refs == 0 && !a.closed
	if closeNow {
		a.closed = true
	}
	a.mu.Unlock()

	if closeNow {
		return a.module.Close(context.WithoutCancel(ctx))
	}
	return nil
}

// Retire marks the artifact as no longer published. The module is closed
// immediately when unused, otherwise by the last Release.
func (a *Artifact) Retire(ctx context.Context) error {
	a.mu.Lock()
	a.retired = true
	closeNow := a.refs == 0 && !a.closed
	if closeNow {
		a.closed = true
	}
	a.mu.Unlock()

	if closeNow {
		return a.module.Close(context.WithoutCancel(ctx))
	}
	return nil
}

// InUse returns the number of outstanding references.
func (a *Artifact) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs
}

// Info summarizes the artifact for listings.
type Info struct {
	LoadedAt time.Time `json:"loadedAt"`
	ID       string    `json:"id"`
	Digest   string    `json:"digest"`
	Tools    []string  `json:"tools"`
	Size     int       `json:"size"`
}

// Info returns the listing view of a.
func (a *Artifact) Info() Info {
	return Info{
		LoadedAt: a.LoadedAt,
		ID:       a.ID,
		Digest:   a.Digest,
		Tools:    a.ToolNames(),
		Size:     a.Size,
	}
}
