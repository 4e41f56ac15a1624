package engine

import (
	"os"
	"strings"

	"github.com/wippyai/wasm-runtime/wasi/preview2"
)

// IOPolicy selects how much of the host environment a component sees.
type IOPolicy string

const (
	// IODeny exposes only explicitly configured environment variables.
	IODeny IOPolicy = "deny"
	// IOInherit exposes the host environment, working directory and the
	// configured preopens.
	IOInherit IOPolicy = "inherit"
)

// ParseIOPolicy validates a policy name. Empty means deny.
func ParseIOPolicy(s string) (IOPolicy, bool) {
	switch IOPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", IODeny:
		return IODeny, true
	case IOInherit:
		return IOInherit, true
	}
	return "", false
}

// IOConfig is the WASI capability granted to components.
type IOConfig struct {
	Env      map[string]string
	Preopens map[string]string // host path -> guest path
	Policy   IOPolicy
}

// Environment returns the variables a component observes under c.
func (c IOConfig) Environment() map[string]string {
	env := make(map[string]string, len(c.Env))
	if c.Policy == IOInherit {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				env[k] = v
			}
		}
	}
	for k, v := range c.Env {
		env[k] = v
	}
	return env
}

func (c IOConfig) build() *preview2.WASI {
	wasi := preview2.New().WithEnv(c.Environment())
	if c.Policy != IOInherit {
		return wasi
	}
	if len(c.Preopens) > 0 {
		wasi.WithPreopens(c.Preopens)
	}
	if cwd, err := os.Getwd(); err == nil {
		wasi.WithCwd(cwd)
	}
	return wasi
}
