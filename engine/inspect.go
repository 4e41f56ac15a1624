package engine

import (
	"sort"

	wasmcomponent "github.com/wippyai/wasm-runtime/component"

	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/introspect"
	"github.com/gnufoo/MeCP/types"
)

// Inspect decodes a component binary and returns its canonical lifts as
// functions, sorted by export name. It does not compile anything.
func Inspect(wasm []byte) ([]introspect.Function, error) {
	validated, err := wasmcomponent.DecodeAndValidate(wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseIntrospect, errors.KindCompile, err, "decode component")
	}

	resolver := wasmcomponent.NewTypeResolverWithInstances(
		validated.Raw.TypeIndexSpace,
		validated.Raw.InstanceTypes,
	)
	reg, err := wasmcomponent.NewCanonRegistry(validated.Raw, resolver)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseIntrospect, errors.KindCompile, err, "build canon registry")
	}

	lifts := reg.AllLifts()
	fns := make([]introspect.Function, 0, len(lifts))
	for _, lift := range lifts {
		params, err := types.FromWITList(lift.Params)
		if err != nil {
			return nil, errors.Prefix(err, lift.Name)
		}
		results, err := types.FromWITList(lift.Results)
		if err != nil {
			return nil, errors.Prefix(err, lift.Name)
		}
		fns = append(fns, introspect.Function{
			Name:       lift.Name,
			ParamNames: lift.ParamNames,
			Params:     params,
			Results:    results,
		})
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	return fns, nil
}
