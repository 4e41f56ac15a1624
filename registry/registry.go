// Package registry maps component ids to artifacts and tool names to the
// component that publishes them.
package registry

import (
	"sort"
	"sync"

	"github.com/gnufoo/MeCP/component"
	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/tool"
)

// Status reports what Publish did.
type Status uint8

const (
	// StatusNew means the id was not registered before.
	StatusNew Status = iota
	// StatusReplaced means an earlier artifact with the id was swapped out.
	StatusReplaced
)

func (s Status) String() string {
	if s == StatusReplaced {
		return "replaced"
	}
	return "new"
}

// MarshalText renders the status in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Registry is safe for concurrent use. Reads share the lock, writes take it
// exclusively; the lock is only held for map access.
type Registry struct {
	components map[string]*component.Artifact
	// owners stacks the components publishing each tool name in
	// registration order. The last entry wins.
	owners map[string][]string
	mu     sync.RWMutex
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		components: make(map[string]*component.Artifact),
		owners:     make(map[string][]string),
	}
}

// Publish registers a, replacing any artifact with the same id. The caller
// is responsible for retiring the replaced artifact.
func (r *Registry) Publish(a *component.Artifact) (Status, *component.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.components[a.ID]
	if replaced {
		r.unindex(a.ID)
	}
	r.components[a.ID] = a
	for _, d := range a.Tools {
		r.owners[d.Name] = append(r.owners[d.Name], a.ID)
	}
	if replaced {
		return StatusReplaced, prev
	}
	return StatusNew, nil
}

// Remove unregisters id. Tool names it shadowed fall back to their earlier
// owners.
func (r *Registry) Remove(id string) (*component.Artifact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.components[id]
	if !ok {
		return nil, false
	}
	delete(r.components, id)
	r.unindex(id)
	return a, true
}

func (r *Registry) unindex(id string) {
	for name, stack := range r.owners {
		kept := stack[:0]
		for _, owner := range stack {
			if owner != id {
				kept = append(kept, owner)
			}
		}
		if len(kept) == 0 {
			delete(r.owners, name)
		} else {
			r.owners[name] = kept
		}
	}
}

// Component returns the artifact registered under id.
func (r *Registry) Component(id string) (*component.Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.components[id]
	return a, ok
}

// Owner returns the component currently publishing the tool name.
func (r *Registry) Owner(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stack := r.owners[name]
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1], true
}

// Resolve finds the artifact and descriptor of a tool. With a component id
// the lookup is confined to that component; otherwise the flat index picks
// the current owner.
func (r *Registry) Resolve(name, componentID string) (*component.Artifact, *tool.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if componentID == "" {
		stack := r.owners[name]
		if len(stack) == 0 {
			return nil, nil, errors.NotFound(errors.PhaseResolve, "tool", name)
		}
		componentID = stack[len(stack)-1]
	}

	a, ok := r.components[componentID]
	if !ok {
		return nil, nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Component(componentID).Tool(name).
			Detail("component %q not found", componentID).Build()
	}
	d, ok := a.Tool(name)
	if !ok {
		return nil, nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
			Component(componentID).Tool(name).
			Detail("tool %q not found", name).Build()
	}
	return a, d, nil
}

// Components lists registered ids, sorted.
func (r *Registry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tools lists the tools of every component, sorted by name and then by
// component. Tools whose name the flat index resolves to another component
// are marked shadowed.
func (r *Registry) Tools() []tool.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tool.Info
	for id, a := range r.components {
		for _, d := range a.Tools {
			info := d.Info()
			info.Component = id
			if stack := r.owners[d.Name]; len(stack) > 0 {
				info.Shadowed = stack[len(stack)-1] != id
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Component < out[j].Component
	})
	return out
}

// Snapshot returns a copy of the component map.
func (r *Registry) Snapshot() map[string]*component.Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]*component.Artifact, len(r.components))
	for id, a := range r.components {
		cp[id] = a
	}
	return cp
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}
