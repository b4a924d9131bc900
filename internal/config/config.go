package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ReservedThreads is the number of kernel threads the kernel keeps for itself
// on top of one thread per process.
const ReservedThreads = 4

// Config holds all kernel configuration.
type Config struct {
	Kernel  KernelConfig `yaml:"kernel" toml:"kernel"`
	Memory  MemoryConfig `yaml:"memory" toml:"memory"`
	Logging LogConfig    `yaml:"logging" toml:"logging"`
	Debug   DebugConfig  `yaml:"debug" toml:"debug"`
}

// KernelConfig sizes the process and thread tables.
type KernelConfig struct {
	MaxProcesses int    `envconfig:"KCORE_MAX_PROCESSES" default:"32" yaml:"max_processes" toml:"max_processes"`
	MaxNameSize  int    `envconfig:"KCORE_MAX_NAME_SIZE" default:"32" yaml:"max_name_size" toml:"max_name_size"`
	MaxThreads   int    `envconfig:"KCORE_MAX_THREADS" default:"64" yaml:"max_threads" toml:"max_threads"`
	StrictSpawn  bool   `envconfig:"KCORE_STRICT_SPAWN" default:"true" yaml:"strict_spawn" toml:"strict_spawn"`
	Init         string `envconfig:"KCORE_INIT" default:"init" yaml:"init" toml:"init"`
}

// MemoryConfig sizes physical memory and user address spaces, in pages.
type MemoryConfig struct {
	PhysPages    int `envconfig:"KCORE_PHYS_PAGES" default:"1024" yaml:"phys_pages" toml:"phys_pages"`
	StackPages   int `envconfig:"KCORE_STACK_PAGES" default:"4" yaml:"stack_pages" toml:"stack_pages"`
	MaxUserPages int `envconfig:"KCORE_MAX_USER_PAGES" default:"16" yaml:"max_user_pages" toml:"max_user_pages"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// DebugConfig holds the debug HTTP server configuration.
type DebugConfig struct {
	Enabled bool   `envconfig:"KCORE_DEBUG_ENABLED" default:"false" yaml:"enabled" toml:"enabled"`
	Addr    string `envconfig:"KCORE_DEBUG_ADDR" default:"127.0.0.1:9100" yaml:"addr" toml:"addr"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads the environment and then overlays the YAML or TOML file at
// path. Values in the file win.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("config %s: unsupported format", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			MaxProcesses: 32,
			MaxNameSize:  32,
			MaxThreads:   64,
			StrictSpawn:  true,
			Init:         "init",
		},
		Memory: MemoryConfig{
			PhysPages:    1024,
			StackPages:   4,
			MaxUserPages: 16,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Debug: DebugConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9100",
		},
	}
}

// Validate checks that the sizes are usable together.
func (c *Config) Validate() error {
	k, m := c.Kernel, c.Memory
	switch {
	case k.MaxProcesses < 1:
		return fmt.Errorf("%w: max processes %d", ErrInvalid, k.MaxProcesses)
	case k.MaxNameSize < 2:
		return fmt.Errorf("%w: max name size %d", ErrInvalid, k.MaxNameSize)
	case k.MaxThreads != 0 && k.MaxThreads < k.MaxProcesses+ReservedThreads:
		return fmt.Errorf("%w: %d threads cannot run %d processes", ErrInvalid, k.MaxThreads, k.MaxProcesses)
	case strings.TrimSpace(k.Init) == "":
		return fmt.Errorf("%w: empty init program", ErrInvalid)
	case m.StackPages < 1:
		return fmt.Errorf("%w: stack pages %d", ErrInvalid, m.StackPages)
	case m.MaxUserPages <= m.StackPages:
		return fmt.Errorf("%w: %d user pages leave no room beside a %d page stack", ErrInvalid, m.MaxUserPages, m.StackPages)
	case m.PhysPages < m.MaxUserPages:
		return fmt.Errorf("%w: %d physical pages cannot hold one process", ErrInvalid, m.PhysPages)
	case c.Debug.Enabled && c.Debug.Addr == "":
		return fmt.Errorf("%w: debug server enabled without an address", ErrInvalid)
	}
	return nil
}
