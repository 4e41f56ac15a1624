// Package executor runs tool calls. Every call gets a fresh instance of the
// owning component and, for tenant calls, a key-value store scoped to the
// (component, tenant) pair. Nothing is shared between calls except the
// compiled artifact.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/gnufoo/MeCP/component"
	"github.com/gnufoo/MeCP/errors"
	"github.com/gnufoo/MeCP/kv"
	"github.com/gnufoo/MeCP/marshal"
	"github.com/gnufoo/MeCP/registry"
	"github.com/gnufoo/MeCP/tool"
	"github.com/gnufoo/MeCP/types"
)

// Request names a tool and carries its JSON arguments. Component and
// Tenant are optional.
type Request struct {
	Args      json.RawMessage
	Tool      string
	Component string
	Tenant    string
}

// Failure is a guest-side failure: a trap, an engine error or a timeout.
type Failure struct {
	err     error
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string { return f.Message }
func (f *Failure) Unwrap() error { return f.err }

// Result is the outcome of a call that reached the guest.
type Result struct {
	Output    any           `json:"output"`
	Failure   *Failure      `json:"failure,omitempty"`
	CallID    string        `json:"callId"`
	Component string        `json:"component"`
	Tool      string        `json:"tool"`
	Tenant    string        `json:"tenant,omitempty"`
	Duration  time.Duration `json:"duration"`
	// IsError is set when the invocation failed or the tool returned the
	// err case of a result.
	IsError bool `json:"isError"`
}

// Options configures an Executor.
type Options struct {
	Logger *zap.Logger
	KV     kv.Factory
	// CallTimeout bounds a single call; zero means no limit.
	CallTimeout time.Duration
	// StrictSchema validates arguments against the tool's input schema
	// before the lenient marshaller sees them.
	StrictSchema bool
}

// Executor dispatches calls against a registry.
type Executor struct {
	resolve func(name, componentID string) (*component.Artifact, *tool.Descriptor, error)
	kv      kv.Factory
	logger  *zap.Logger
	opts    Options
}

// New returns an executor resolving tools in reg.
func New(reg *registry.Registry, opts Options) *Executor {
	e := &Executor{resolve: reg.Resolve, kv: opts.KV, logger: opts.Logger, opts: opts}
	if e.kv == nil {
		e.kv = kv.Disabled()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("executor")
	return e
}

// Call runs one tool invocation. Resolution, binding and argument errors
// are returned as errors; failures inside the guest are reported in the
// Result so the caller always learns the call id.
func (e *Executor) Call(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	a, d, err := e.acquire(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := a.Release(ctx); err != nil {
			e.logger.Warn("releasing component failed", zap.String("component", a.ID), zap.Error(err))
		}
	}()

	callID := uuid.New().String()
	log := e.logger.With(
		zap.String("call", callID),
		zap.String("component", a.ID),
		zap.String("tool", d.Name),
		zap.String("tenant", req.Tenant))
	log.Debug("resolved")

	res := &Result{CallID: callID, Component: a.ID, Tool: d.Name, Tenant: req.Tenant}

	if e.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
	}
	ctx, closeStore, err := e.attachStore(ctx, a.ID, req.Tenant)
	if err != nil {
		return nil, withCall(err, a.ID, d.Name)
	}
	defer closeStore()
	log.Debug("context allocated", zap.Bool("kv", kv.FromContext(ctx) != nil))

	inst, err := a.Module().Instantiate(ctx)
	if err != nil {
		if errors.KindOf(err) == "" {
			err = errors.Wrap(errors.PhaseBind, errors.KindInstantiation, err, "instantiate component")
		}
		return nil, withCall(err, a.ID, d.Name)
	}
	defer func() {
		if err := inst.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("closing instance failed", zap.Error(err))
		}
		log.Debug("torn down")
	}()
	log.Debug("instantiated")

	export, err := bind(a, d)
	if err != nil {
		return nil, err
	}
	log.Debug("bound", zap.String("export", export))

	if e.opts.StrictSchema {
		if err := d.Validate(req.Args); err != nil {
			return nil, withCall(err, a.ID, d.Name)
		}
	}
	args, err := marshalArgs(d, req.Args)
	if err != nil {
		return nil, withCall(err, a.ID, d.Name)
	}
	log.Debug("arguments marshalled", zap.Int("args", len(args)))

	raw, err := inst.Call(ctx, export, args...)
	res.Duration = time.Since(start)
	if err != nil {
		res.Failure = classify(ctx, err, a.ID, d.Name)
		res.IsError = true
		log.Debug("invocation failed",
			zap.String("kind", string(res.Failure.Kind)),
			zap.Duration("duration", res.Duration),
			zap.Error(err))
		return res, nil
	}
	log.Debug("invoked", zap.Duration("duration", res.Duration))

	vals, err := marshal.LiftResults(raw, d.Results)
	if err != nil {
		return nil, withCall(err, a.ID, d.Name)
	}
	res.Output = marshal.ResultsToJSON(vals)
	res.IsError = len(vals) == 1 && vals[0].Kind == types.KindResult && vals[0].IsErr
	log.Debug("result marshalled", zap.Bool("isError", res.IsError))
	return res, nil
}

// acquire resolves the request and pins the owning artifact. A reload can
// retire the resolved artifact before it is pinned; the lookup is then
// repeated once so the call lands on the replacement.
func (e *Executor) acquire(req Request) (*component.Artifact, *tool.Descriptor, error) {
	for attempt := 0; ; attempt++ {
		a, d, err := e.resolve(req.Tool, req.Component)
		if err != nil {
			return nil, nil, err
		}
		if a.Acquire() {
			return a, d, nil
		}
		if attempt > 0 {
			return nil, nil, errors.New(errors.PhaseResolve, errors.KindNotFound).
				Component(a.ID).Tool(req.Tool).Detail("component %q was unloaded", a.ID).Build()
		}
	}
}

// attachStore opens the tenant's store when one applies. The returned
// close func is never nil.
func (e *Executor) attachStore(ctx context.Context, componentID, tenant string) (context.Context, func(), error) {
	if tenant == "" || !e.kv.Enabled() {
		return ctx, func() {}, nil
	}
	st, err := e.kv.Open(ctx, componentID, tenant)
	if err != nil {
		return ctx, nil, err
	}
	closeStore := func() {
		if c, ok := st.(io.Closer); ok {
			if err := c.Close(); err != nil {
				e.logger.Warn("closing kv store failed", zap.String("component", componentID), zap.Error(err))
			}
		}
	}
	return kv.WithStore(ctx, st), closeStore, nil
}

// bind returns the engine export name of d on a, checking the interface
// before the function so the two failures are told apart.
func bind(a *component.Artifact, d *tool.Descriptor) (string, error) {
	name := d.Export.Name()
	if d.Export.Kind == tool.ExportInterface {
		if !a.HasInterface(d.Export.Interface) {
			return "", errors.New(errors.PhaseBind, errors.KindNotFound).
				Component(a.ID).Tool(d.Name).
				Detail("interface not found: %s", d.Export.Interface).Build()
		}
		if !a.HasExport(name) {
			return "", errors.New(errors.PhaseBind, errors.KindNotFound).
				Component(a.ID).Tool(d.Name).
				Detail("function '%s' not found in interface '%s'", d.Export.Function, d.Export.Interface).Build()
		}
		return name, nil
	}
	if !a.HasExport(name) {
		return "", errors.New(errors.PhaseBind, errors.KindNotFound).
			Component(a.ID).Tool(d.Name).
			Detail("function '%s' not found", name).Build()
	}
	return name, nil
}

// marshalArgs converts the JSON argument object into engine values,
// parameter by parameter, so the first missing or invalid one is named.
func marshalArgs(d *tool.Descriptor, raw json.RawMessage) ([]any, error) {
	obj, err := decodeArgs(raw)
	if err != nil {
		return nil, err
	}
	vals := make([]marshal.Value, len(d.Params))
	for i, t := range d.Params {
		name := d.ParamNames[i]
		v, ok := obj[name]
		if !ok && i < len(d.DeclaredNames) && d.DeclaredNames[i] != "" {
			v, ok = obj[d.DeclaredNames[i]]
		}
		if !ok {
			return nil, errors.MissingParameter(name)
		}
		val, err := marshal.FromJSON(v, t)
		if err != nil {
			return nil, errors.Prefix(err, name)
		}
		vals[i] = val
	}
	return marshal.LowerParams(vals, d.Params)
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.New(errors.PhaseMarshal, errors.KindInvalidInput).
			Cause(err).Detail("arguments are not valid JSON").Build()
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseMarshal, nil, fmt.Sprintf("%T", v), "object")
	}
	return obj, nil
}

// classify maps an invocation error to a failure kind. Context expiry and
// the engine's forced exits on cancellation are timeouts; everything else
// is a trap.
func classify(ctx context.Context, err error, componentID, toolName string) *Failure {
	kind := errors.KindTrap
	var exit *sys.ExitError
	switch {
	case errors.As(err, &exit):
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			kind = errors.KindTimeout
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		kind = errors.KindTimeout
	}
	wrapped := errors.New(errors.PhaseInvoke, kind).
		Component(componentID).Tool(toolName).Cause(err).Build()
	return &Failure{err: wrapped, Kind: kind, Message: err.Error()}
}

func withCall(err error, componentID, toolName string) error {
	var e *errors.Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	if cp.Component == "" {
		cp.Component = componentID
	}
	if cp.Tool == "" {
		cp.Tool = toolName
	}
	return &cp
}
