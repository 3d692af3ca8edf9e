// Package config holds the launch configuration of the runtime. Values come
// from an optional YAML file and are then overridden by command line flags.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStackSize     = 1 << 20
	DefaultMemoryLimit   = 4 << 30
	DefaultGpuQueueDepth = 64
)

type Config struct {
	// LogLevel is an hclog level name.
	LogLevel string `yaml:"log_level"`

	// Root is the host directory guest paths are resolved against.
	Root string `yaml:"root"`

	// ShaderCache is the file compiled shaders persist to. Empty disables
	// persistence.
	ShaderCache string `yaml:"shader_cache"`

	// SyscallTable optionally replaces the built-in kernel-call numbering.
	SyscallTable string `yaml:"syscall_table"`

	MemoryLimit   uint64 `yaml:"memory_limit"`
	StackSize     uint64 `yaml:"stack_size"`
	GpuQueueDepth int    `yaml:"gpu_queue_depth"`

	Args []string `yaml:"args"`
	Env  []string `yaml:"env"`
}

func Default() *Config {
	return &Config{
		LogLevel:      "info",
		Root:          ".",
		MemoryLimit:   DefaultMemoryLimit,
		StackSize:     DefaultStackSize,
		GpuQueueDepth: DefaultGpuQueueDepth,
	}
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.StackSize == 0 {
		return errors.Wrap(ErrInvalidConfig, "stack_size must be positive")
	}

	if c.GpuQueueDepth <= 0 {
		return errors.Wrap(ErrInvalidConfig, "gpu_queue_depth must be positive")
	}

	if c.MemoryLimit != 0 && c.MemoryLimit < c.StackSize {
		return errors.Wrap(ErrInvalidConfig, "memory_limit is smaller than stack_size")
	}

	return nil
}
