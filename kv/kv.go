// Package kv provides the key-value capability granted to component calls.
//
// State is partitioned by (component, tenant): every key a guest touches is
// stored under the prefix "mecp:app:<component>:<tenant>:" so two tenants of
// the same component, or two components of the same tenant, never observe
// each other's data. Backends see only full keys; scoping happens here.
package kv

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gnufoo/MeCP/errors"
)

// Store is the key-value view of a single (component, tenant) pair.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Keys lists the scoped keys (without prefix) in ascending order.
	Keys(ctx context.Context) ([]string, error)
}

// Backend is the unscoped storage behind every Store.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
	// Scan returns every full key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Factory opens stores scoped to a component and tenant.
type Factory interface {
	Open(ctx context.Context, componentID, tenantID string) (Store, error)
	Enabled() bool
	Close() error
}

// Prefix returns the key prefix of a (component, tenant) pair.
func Prefix(componentID, tenantID string) string {
	return "mecp:app:" + componentID + ":" + tenantID + ":"
}

// BackendFactory scopes a shared backend per (component, tenant).
type BackendFactory struct {
	backend Backend
	logger  *zap.Logger
}

// Option configures a BackendFactory.
type Option func(*BackendFactory)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(f *BackendFactory) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFactory returns a factory over backend. The factory owns the backend
// and closes it on Close.
func NewFactory(backend Backend, opts ...Option) *BackendFactory {
	f := &BackendFactory{backend: backend, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open returns the store of componentID and tenantID. Both must be
// non-empty and must not contain the ':' separator.
func (f *BackendFactory) Open(_ context.Context, componentID, tenantID string) (Store, error) {
	if componentID == "" || tenantID == "" {
		return nil, errors.InvalidInput(errors.PhaseStore, "component and tenant ids are required")
	}
	if strings.Contains(componentID, ":") || strings.Contains(tenantID, ":") {
		return nil, errors.InvalidInput(errors.PhaseStore, "component and tenant ids must not contain ':'")
	}
	f.logger.Debug("kv store opened",
		zap.String("component", componentID),
		zap.String("tenant", tenantID))
	return &scoped{backend: f.backend, prefix: Prefix(componentID, tenantID)}, nil
}

func (f *BackendFactory) Enabled() bool { return true }

func (f *BackendFactory) Close() error {
	return f.backend.Close()
}

type scoped struct {
	backend Backend
	prefix  string
}

func (s *scoped) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.backend.Get(ctx, s.prefix+key)
	if err != nil {
		return "", false, errors.IO(errors.PhaseStore, "get "+key, err)
	}
	return v, ok, nil
}

func (s *scoped) Set(ctx context.Context, key, value string) error {
	if err := s.backend.Set(ctx, s.prefix+key, value); err != nil {
		return errors.IO(errors.PhaseStore, "set "+key, err)
	}
	return nil
}

func (s *scoped) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.backend.Delete(ctx, s.prefix+key)
	if err != nil {
		return false, errors.IO(errors.PhaseStore, "delete "+key, err)
	}
	return ok, nil
}

func (s *scoped) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *scoped) Keys(ctx context.Context) ([]string, error) {
	full, err := s.backend.Scan(ctx, s.prefix)
	if err != nil {
		return nil, errors.IO(errors.PhaseStore, "list keys", err)
	}
	keys := make([]string, len(full))
	for i, k := range full {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

// Disabled returns a factory whose stores accept writes and remember
// nothing.
func Disabled() Factory { return nopFactory{} }

type nopFactory struct{}

func (nopFactory) Open(context.Context, string, string) (Store, error) { return Nop{}, nil }
func (nopFactory) Enabled() bool                                       { return false }
func (nopFactory) Close() error                                        { return nil }

// Nop is a Store that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (Nop) Set(context.Context, string, string) error         { return nil }
func (Nop) Delete(context.Context, string) (bool, error)      { return false, nil }
func (Nop) Exists(context.Context, string) (bool, error)      { return false, nil }
func (Nop) Keys(context.Context) ([]string, error)            { return nil, nil }

type ctxKey struct{}

// WithStore attaches s to ctx for the host bindings of one call.
func WithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the store attached to ctx, or nil.
func FromContext(ctx context.Context) Store {
	s, _ := ctx.Value(ctxKey{}).(Store)
	return s
}
