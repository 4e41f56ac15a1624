// Package introspect turns a component's export surface into a tool catalog.
package introspect

import (
	"sort"
	"strings"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/tool"
	"github.com/gnufoo/MeCP/types"
)

// Function is one lifted export as reported by the engine.
type Function struct {
	Name       string // canonical export name
	ParamNames []string
	Params     []types.Type
	Results    []types.Type
}

// Description is attached to every published tool.
const Description = "Function exported from WebAssembly Component"

// DefaultDenylist holds host-management operations that components must
// not publish as tenant-facing tools.
var DefaultDenylist = []string{
	"load-component",
	"unload-component",
	"list-components",
	"search-components",
	"grant-network-permission",
	"revoke-network-permission",
	"grant-storage-permission",
	"revoke-storage-permission",
	"grant-environment-variable-permission",
	"revoke-environment-variable-permission",
	"reset-permission",
	"get-policy",
}

// Introspector builds tool descriptors. It is immutable and safe for
// concurrent use.
type Introspector struct {
	deny map[string]struct{}
}

// New returns an introspector denying DefaultDenylist plus extra.
func New(extra ...string) *Introspector {
	deny := make(map[string]struct{}, len(DefaultDenylist)+len(extra))
	for _, n := range DefaultDenylist {
		deny[n] = struct{}{}
	}
	for _, n := range extra {
		if n = strings.TrimSpace(n); n != "" {
			deny[n] = struct{}{}
		}
	}
	return &Introspector{deny: deny}
}

// Denied reports whether a function name is excluded from the catalog.
// Both the kebab-case and snake_case spellings match.
func (in *Introspector) Denied(function string) bool {
	if _, ok := in.deny[function]; ok {
		return true
	}
	_, ok := in.deny[strings.ReplaceAll(function, "_", "-")]
	return ok
}

// Tools derives the catalog of component from its lifted functions. The
// result is sorted by export name so it does not depend on the order the
// engine enumerates exports in.
func (in *Introspector) Tools(component string, fns []Function) ([]*tool.Descriptor, error) {
	sorted := make([]Function, 0, len(fns))
	for _, fn := range fns {
		if fn.Name != "" {
			sorted = append(sorted, fn)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	seen := make(map[string]string, len(sorted))
	out := make([]*tool.Descriptor, 0, len(sorted))
	for _, fn := range sorted {
		export := tool.ParseExport(fn.Name)
		if export.Function == "" || in.Denied(export.Function) {
			continue
		}
		name := ToolName(export)
		if prev, dup := seen[name]; dup {
			return nil, errors.New(errors.PhaseIntrospect, errors.KindDuplicate).
				Component(component).Tool(name).
				Detail("exports %q and %q map to the same tool name", prev, fn.Name).
				Build()
		}
		seen[name] = fn.Name

		desc := Description
		if export.Kind == tool.ExportInterface {
			desc += " (interface " + export.Interface + ")"
		}
		d, err := tool.New(name, desc, export, fn.Params, fn.Results, fn.ParamNames, InputSchema(fn.Params, fn.ParamNames))
		if err != nil {
			var e *errors.Error
			if errors.As(err, &e) {
				e.Component = component
			}
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ToolName returns the published name of an export: the function name for
// direct exports, and the normalized interface joined with the function
// for interface exports.
func ToolName(e tool.Export) string {
	if e.Kind == tool.ExportDirect {
		return e.Function
	}
	return NormalizeInterface(e.Interface) + "_" + e.Function
}

var separators = strings.NewReplacer(":", "_", "/", "_")

// NormalizeInterface drops the version suffix of an interface name and
// replaces namespace separators: "local:counter/ops@0.1.0" becomes
// "local_counter_ops".
func NormalizeInterface(iface string) string {
	if i := strings.IndexByte(iface, '@'); i >= 0 {
		iface = iface[:i]
	}
	return separators.Replace(iface)
}
