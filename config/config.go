// Package config loads the runtime configuration from a TOML file with
// MECP_* environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gnufoo/MeCP/engine"
	"github.com/gnufoo/MeCP/errors"
)

// Config is the complete runtime configuration.
type Config struct {
	KV                KVConfig  `toml:"kv"`
	Log               LogConfig `toml:"log"`
	IO                IOConfig  `toml:"io"`
	ComponentDir      string    `toml:"component_dir"`
	Denylist          []string  `toml:"denylist"`
	CallTimeout       Duration  `toml:"call_timeout"`
	FetchTimeout      Duration  `toml:"fetch_timeout"`
	MaxComponentBytes int64     `toml:"max_component_bytes"`
	LoadConcurrency   int       `toml:"load_concurrency"`
	StrictSchema      bool      `toml:"strict_schema"`
	Watch             bool      `toml:"watch"`
}

// IOConfig is the WASI capability granted to components.
type IOConfig struct {
	Env      map[string]string `toml:"env"`
	Preopens map[string]string `toml:"preopens"`
	Policy   string            `toml:"policy"`
}

// KVConfig selects the key-value backend.
type KVConfig struct {
	Backend string `toml:"backend"` // memory | sqlite | none
	Path    string `toml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json | console
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// KV backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ComponentDir:      "./components",
		CallTimeout:       Duration{30 * time.Second},
		FetchTimeout:      Duration{60 * time.Second},
		MaxComponentBytes: 64 << 20,
		LoadConcurrency:   4,
		IO:                IOConfig{Policy: string(engine.IODeny)},
		KV:                KVConfig{Backend: BackendMemory, Path: "mecp-kv.db"},
		Log:               LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.IO(errors.PhaseConfig, "reading config file", err)
		}
		if err := cfg.decode(string(data)); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults and validates it. The process
// environment is not consulted.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data string) error {
	md, err := toml.Decode(expandEnvVars(data), c)
	if err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parsing config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.InvalidInput(errors.PhaseConfig, "unknown keys: "+strings.Join(keys, ", "))
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// ApplyEnv overrides fields from MECP_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return envError(key, v, err)
			}
			*dst = b
		}
		return nil
	}
	duration := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return envError(key, v, err)
			}
		}
		return nil
	}

	str("MECP_COMPONENT_DIR", &c.ComponentDir)
	str("MECP_IO_POLICY", &c.IO.Policy)
	str("MECP_KV_BACKEND", &c.KV.Backend)
	str("MECP_KV_PATH", &c.KV.Path)
	str("MECP_LOG_LEVEL", &c.Log.Level)
	str("MECP_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("MECP_DENYLIST"); ok {
		c.Denylist = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Denylist = append(c.Denylist, name)
			}
		}
	}
	if err := boolean("MECP_STRICT_SCHEMA", &c.StrictSchema); err != nil {
		return err
	}
	if err := boolean("MECP_WATCH", &c.Watch); err != nil {
		return err
	}
	if err := duration("MECP_CALL_TIMEOUT", &c.CallTimeout); err != nil {
		return err
	}
	if err := duration("MECP_FETCH_TIMEOUT", &c.FetchTimeout); err != nil {
		return err
	}
	if v, ok := lookup("MECP_MAX_COMPONENT_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return envError("MECP_MAX_COMPONENT_BYTES", v, err)
		}
		c.MaxComponentBytes = n
	}
	if v, ok := lookup("MECP_LOAD_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("MECP_LOAD_CONCURRENCY", v, err)
		}
		c.LoadConcurrency = n
	}
	return nil
}

func envError(key, value string, cause error) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Detail("%s=%q", key, value).Cause(cause).Build()
}

// Validate checks field ranges and enumerations. It returns the first
// failure found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf(format, args...))
	}

	if c.ComponentDir == "" {
		return invalid("component_dir is required")
	}
	if c.CallTimeout.Duration < 0 {
		return invalid("call_timeout must not be negative")
	}
	if c.FetchTimeout.Duration < 0 {
		return invalid("fetch_timeout must not be negative")
	}
	if c.MaxComponentBytes <= 0 {
		return invalid("max_component_bytes must be positive")
	}
	if c.LoadConcurrency <= 0 {
		return invalid("load_concurrency must be positive")
	}
	if _, ok := engine.ParseIOPolicy(c.IO.Policy); !ok {
		return invalid("io.policy must be inherit or deny, got %q", c.IO.Policy)
	}
	switch c.KV.Backend {
	case BackendMemory, BackendNone:
	case BackendSQLite:
		if c.KV.Path == "" {
			return invalid("kv.path is required for the sqlite backend")
		}
	default:
		return invalid("kv.backend must be memory, sqlite or none, got %q", c.KV.Backend)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// EngineIO converts the io section for the engine.
func (c *Config) EngineIO() engine.IOConfig {
	policy, _ := engine.ParseIOPolicy(c.IO.Policy)
	return engine.IOConfig{
		Env:      c.IO.Env,
		Preopens: c.IO.Preopens,
		Policy:   policy,
	}
}
