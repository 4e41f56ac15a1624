// Package errors provides the structured error type shared by the MeCP runtime.
//
// Errors are categorized by Phase (which stage of load or call failed) and
// Kind (error category). The Error type carries the offending path, the
// component and tool involved, what was supplied and what was expected, and
// the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
//		Path("param0", "name").
//		Got("number").
//		Want("string").
//		Detail("record field must be a string").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.MissingParameter("param1")
//	err := errors.NotFound(errors.PhaseResolve, "tool", name)
//
// Errors match with errors.Is by phase and kind; a target with an empty
// phase matches any phase, which is what HasKind relies on.
package errors
