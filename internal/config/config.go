package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SQLBRIDGE_WASM_MODULE_PATH.
const EnvPrefix = "SQLBRIDGE"

// Backends accepted by the backend key.
const (
	BackendNative = "native"
	BackendWasm   = "wasm"
)

type Config struct {
	LogLevel   string       `mapstructure:"log_level"`
	Backend    string       `mapstructure:"backend"`
	AddonPaths []string     `mapstructure:"addon_paths"`
	Bridge     BridgeConfig `mapstructure:"bridge"`
	Wasm       WasmConfig   `mapstructure:"wasm"`
	Guard      GuardConfig  `mapstructure:"guard"`
	Audit      AuditConfig  `mapstructure:"audit"`
}

// BridgeConfig controls the native parse bridge.
type BridgeConfig struct {
	// Add the parser message and cursor position to parse error payloads.
	ErrorDetail bool `mapstructure:"error_detail"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Guest parser module used by the wasm backend.
	ModulePath string `mapstructure:"module_path"`
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Module execution timeout (seconds).
	ExecutionTimeout int `mapstructure:"execution_timeout"`
	// Instantiate WASI preview1 for the guest.
	WASI bool `mapstructure:"wasi"`
}

// Timeout returns ExecutionTimeout as a duration.
func (w WasmConfig) Timeout() time.Duration {
	return time.Duration(w.ExecutionTimeout) * time.Second
}

// GuardConfig configures the read-only query policy.
type GuardConfig struct {
	RequireSchema     bool     `mapstructure:"require_schema"`
	AllowedSchemas    []string `mapstructure:"allowed_schemas"`
	RequireLimit      bool     `mapstructure:"require_limit"`
	ForbiddenKeywords []string `mapstructure:"forbidden_keywords"`
}

// AuditConfig locates the audit log. An empty path disables auditing.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultForbiddenKeywords rejects anything that writes or administers.
var DefaultForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE",
	"ATTACH", "COPY", "VACUUM", "ANALYZE", "GRANT", "REINDEX",
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("backend", BackendNative)
	v.SetDefault("addon_paths", []string{"./addons"})
	v.SetDefault("bridge.error_detail", false)

	// Wasm defaults
	v.SetDefault("wasm.module_path", "")
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "./build/wasm-cache")
	v.SetDefault("wasm.max_instances", 8)
	v.SetDefault("wasm.execution_timeout", 30)
	v.SetDefault("wasm.wasi", true)

	// Guard defaults
	v.SetDefault("guard.require_schema", true)
	v.SetDefault("guard.allowed_schemas", []string{})
	v.SetDefault("guard.require_limit", true)
	v.SetDefault("guard.forbidden_keywords", DefaultForbiddenKeywords)

	v.SetDefault("audit.path", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings Load cannot default its way out of.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendNative:
	case BackendWasm:
		if c.Wasm.ModulePath == "" && len(c.AddonPaths) == 0 {
			return fmt.Errorf("backend %q requires wasm.module_path or addon_paths", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendNative, BackendWasm)
	}
	return nil
}
