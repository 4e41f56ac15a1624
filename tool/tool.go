// Package tool defines the descriptors under which component functions are
// published.
package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/types"
)

// ExportKind distinguishes the two export shapes a tool can come from.
type ExportKind uint8

const (
	// ExportDirect is a function exported at the component's top level.
	ExportDirect ExportKind = iota
	// ExportInterface is a function nested in a named interface export.
	ExportInterface
)

func (k ExportKind) String() string {
	if k == ExportInterface {
		return "interface"
	}
	return "direct"
}

// Export locates a function in a component's export surface.
type Export struct {
	Interface string // empty for direct exports
	Function  string
	Kind      ExportKind
}

// Direct returns the export of a top-level function.
func Direct(function string) Export {
	return Export{Kind: ExportDirect, Function: function}
}

// InInterface returns the export of a function inside an interface.
func InInterface(iface, function string) Export {
	return Export{Kind: ExportInterface, Interface: iface, Function: function}
}

// ParseExport splits a canonical export name ("ns:pkg/iface@1.0.0#fn" or
// "fn") into its shape.
func ParseExport(name string) Export {
	if iface, fn, ok := strings.Cut(name, "#"); ok {
		return InInterface(iface, fn)
	}
	return Direct(name)
}

// Name returns the canonical export name the engine resolves.
func (e Export) Name() string {
	if e.Kind == ExportInterface {
		return e.Interface + "#" + e.Function
	}
	return e.Function
}

// Info is the catalog entry published to callers. Component and Shadowed
// are set by catalog listings: a shadowed tool's name is currently served by
// another component, and it is reached by naming its component in the call.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Component   string         `json:"component,omitempty"`
	Shadowed    bool           `json:"shadowed,omitempty"`
}

// Descriptor is the immutable description of one callable tool.
type Descriptor struct {
	schema        *gojsonschema.Schema
	InputSchema   map[string]any
	Name          string
	Description   string
	Export        Export
	ParamNames    []string // positional names used as JSON keys
	DeclaredNames []string // names the component declares, may be empty
	Params        []types.Type
	Results       []types.Type
}

// New builds a descriptor and compiles its input schema.
func New(name, description string, export Export, params, results []types.Type, declared []string, schema map[string]any) (*Descriptor, error) {
	names := make([]string, len(params))
	for i := range params {
		names[i] = ParamName(i)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, errors.New(errors.PhaseIntrospect, errors.KindSchemaViolation).
			Tool(name).Cause(err).Detail("compile input schema").Build()
	}
	return &Descriptor{
		schema:        compiled,
		InputSchema:   schema,
		Name:          name,
		Description:   description,
		Export:        export,
		ParamNames:    names,
		DeclaredNames: declared,
		Params:        params,
		Results:       results,
	}, nil
}

// ParamName returns the positional JSON key of parameter i.
func ParamName(i int) string {
	return fmt.Sprintf("param%d", i)
}

// Info returns the catalog view of d.
func (d *Descriptor) Info() Info {
	return Info{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
}

// Validate checks raw JSON arguments against the input schema. It is
// stricter than the marshaller: lenient coercions such as numeric strings
// are rejected here.
func (d *Descriptor) Validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	res, err := d.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return errors.New(errors.PhaseMarshal, errors.KindSchemaViolation).
			Tool(d.Name).Cause(err).Detail("arguments are not valid JSON").Build()
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(errors.PhaseMarshal, errors.KindSchemaViolation).
		Tool(d.Name).Detail("%s", strings.Join(msgs, "; ")).Build()
}
