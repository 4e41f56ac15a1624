package kv

import (
	"context"

	"go.uber.org/zap"
)

// Namespace is the interface guests import to reach their store.
const Namespace = "mecp:kv-storage/store@0.1.0"

// Host implements the guest-facing store interface. Methods become
// get, set, delete, exists and list-keys. Each call reads the store
// attached to its context; without one every operation is a no-op.
type Host struct {
	logger *zap.Logger
}

// NewHost returns the guest bindings. A nil logger is replaced by a no-op.
func NewHost(logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{logger: logger}
}

func (h *Host) Namespace() string { return Namespace }

// Get returns the value of key, or nil when absent.
func (h *Host) Get(ctx context.Context, key string) *string {
	s := FromContext(ctx)
	if s == nil {
		return nil
	}
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		h.logger.Warn("kv get failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &v
}

// Set stores value under key and reports success.
func (h *Host) Set(ctx context.Context, key, value string) bool {
	s := FromContext(ctx)
	if s == nil {
		return false
	}
	if err := s.Set(ctx, key, value); err != nil {
		h.logger.Warn("kv set failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Delete removes key and reports whether it existed.
func (h *Host) Delete(ctx context.Context, key string) bool {
	s := FromContext(ctx)
	if s == nil {
		return false
	}
	ok, err := s.Delete(ctx, key)
	if err != nil {
		h.logger.Warn("kv delete failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (h *Host) Exists(ctx context.Context, key string) bool {
	s := FromContext(ctx)
	if s == nil {
		return false
	}
	ok, err := s.Exists(ctx, key)
	if err != nil {
		h.logger.Warn("kv exists failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (h *Host) ListKeys(ctx context.Context) []string {
	s := FromContext(ctx)
	if s == nil {
		return []string{}
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		h.logger.Warn("kv list failed", zap.Error(err))
		return []string{}
	}
	if keys == nil {
		return []string{}
	}
	return keys
}
