package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates which stage of the component lifecycle failed
type Phase string

const (
	PhaseValidate   Phase = "validate"   // binary header checks
	PhaseLoad       Phase = "load"       // fetch and compile
	PhaseIntrospect Phase = "introspect" // export walk and schema synthesis
	PhaseMarshal    Phase = "marshal"    // JSON to component values
	PhaseUnmarshal  Phase = "unmarshal"  // component values to JSON
	PhaseResolve    Phase = "resolve"    // tool and component lookup
	PhaseBind       Phase = "bind"       // export binding on a fresh instance
	PhaseInvoke     Phase = "invoke"     // guest execution
	PhaseStore      Phase = "store"      // persisted bytes and key-value state
	PhaseConfig     Phase = "config"     // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidBinary   Kind = "invalid_binary"
	KindCompile         Kind = "compile"
	KindNotFound        Kind = "not_found"
	KindTypeMismatch    Kind = "type_mismatch"
	KindFieldMissing    Kind = "field_missing"
	KindOutOfRange      Kind = "out_of_range"
	KindInvalidCase     Kind = "invalid_case"
	KindUnsupported     Kind = "unsupported"
	KindDuplicate       Kind = "duplicate"
	KindSchemaViolation Kind = "schema_violation"
	KindInvalidInput    Kind = "invalid_input"
	KindIO              Kind = "io"
	KindTimeout         Kind = "timeout"
	KindTrap            Kind = "trap"
	KindInstantiation   Kind = "instantiation"
)

// Error is the structured error type returned by every package of the runtime.
type Error struct {
	Value     any
	Cause     error
	Phase     Phase
	Kind      Kind
	Component string
	Tool      string
	Got       string // JSON or Go shape that was supplied
	Want      string // structural type that was expected
	Detail    string
	Path      []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Component != "" || e.Tool != "" {
		b.WriteString(" (")
		switch {
		case e.Component != "" && e.Tool != "":
			b.WriteString(e.Component)
			b.WriteByte('/')
			b.WriteString(e.Tool)
		case e.Component != "":
			b.WriteString(e.Component)
		default:
			b.WriteString(e.Tool)
		}
		b.WriteByte(')')
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Got != "" || e.Want != "" {
		b.WriteString(": ")
		switch {
		case e.Got != "" && e.Want != "":
			b.WriteString("got ")
			b.WriteString(e.Got)
			b.WriteString(", want ")
			b.WriteString(e.Want)
		case e.Got != "":
			b.WriteString("got ")
			b.WriteString(e.Got)
		default:
			b.WriteString("want ")
			b.WriteString(e.Want)
		}
	}

	if e.Detail != "" {
		if e.Got != "" || e.Want != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. An empty phase on the
// target matches any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && e.Phase != t.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Component sets the owning component id
func (b *Builder) Component(id string) *Builder {
	b.err.Component = id
	return b
}

// Tool sets the tool name
func (b *Builder) Tool(name string) *Builder {
	b.err.Tool = name
	return b
}

// Got sets the shape that was supplied
func (b *Builder) Got(s string) *Builder {
	b.err.Got = s
	return b
}

// Want sets the expected structural type
func (b *Builder) Want(s string) *Builder {
	b.err.Want = s
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, got, want string) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindTypeMismatch,
		Path:  path,
		Got:   got,
		Want:  want,
	}
}

// FieldMissing creates a missing field error
func FieldMissing(phase Phase, path []string, fieldName string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindFieldMissing,
		Path:   path,
		Detail: fmt.Sprintf("required field %q not found", fieldName),
	}
}

// MissingParameter creates the error reported when a call omits a parameter.
func MissingParameter(name string) *Error {
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindFieldMissing,
		Path:   []string{name},
		Detail: fmt.Sprintf("missing parameter: %s", name),
	}
}

// OutOfRange creates a numeric range error
func OutOfRange(phase Phase, path []string, value any, target string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfRange,
		Path:   path,
		Want:   target,
		Detail: fmt.Sprintf("value %v out of range for %s", value, target),
		Value:  value,
	}
}

// InvalidCase creates an error for unknown variant, enum or flag names
func InvalidCase(phase Phase, path []string, what, name string, allowed []string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidCase,
		Path:   path,
		Detail: fmt.Sprintf("unknown %s %q (allowed: %s)", what, name, strings.Join(allowed, ", ")),
		Value:  name,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, path []string, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Path:   path,
		Detail: what,
	}
}

// InvalidBinary creates a validator rejection
func InvalidBinary(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseValidate,
		Kind:   KindInvalidBinary,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Compile creates a compilation failure for a component
func Compile(component string, cause error) *Error {
	return &Error{
		Phase:     PhaseLoad,
		Kind:      KindCompile,
		Component: component,
		Detail:    "compile component",
		Cause:     cause,
	}
}

// IO creates a storage or fetch failure
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HasKind reports whether err carries kind anywhere in its chain.
func HasKind(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

// Prefix returns a copy of err with path prepended, leaving non-structured
// errors untouched. Used when a nested marshalling error bubbles out of a
// parameter.
func Prefix(err error, path ...string) error {
	var e *Error
	if !stderrors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Path = append(append([]string{}, path...), e.Path...)
	return &cp
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
