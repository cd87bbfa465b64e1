// Package config loads cfiwatch settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/cfiwatch/internal/shadow"
)

// DefaultFile is read from the working directory when no file is given.
const DefaultFile = "cfiwatch.yaml"

// DefaultMaxInsn bounds a standalone emulation run.
const DefaultMaxInsn = 1_000_000

// Config holds the engine and host settings.
type Config struct {
	WhitelistDir        string `yaml:"whitelist_dir"`
	MountRoot           string `yaml:"mount_root"`
	Monitor             string `yaml:"monitor"`
	KernelEnforcement   bool   `yaml:"kernel_enforcement"`
	ShadowStackCapacity int    `yaml:"shadow_stack_capacity"`
	HeapExecutable      bool   `yaml:"heap_executable"`
	MaxInsn             int    `yaml:"max_insn"`
	Debug               bool   `yaml:"debug"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ShadowStackCapacity: shadow.DefaultCapacity,
		MaxInsn:             DefaultMaxInsn,
	}
}

// Load reads path over the defaults. A missing file is only an error when
// required is set.
func Load(path string, required bool) (*Config, error) {
	c := Default()
	if path == "" {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			c.LoadFromEnv()
			c.applyDefaults()
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.LoadFromEnv()
	c.applyDefaults()
	return c, nil
}

// LoadFromEnv overrides settings from CFIWATCH_* environment variables.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("CFIWATCH_WHITELIST_DIR"); v != "" {
		c.WhitelistDir = v
	}
	if v := os.Getenv("CFIWATCH_MOUNT_ROOT"); v != "" {
		c.MountRoot = v
	}
	if v := os.Getenv("CFIWATCH_MONITOR"); v != "" {
		c.Monitor = v
	}
	if v := os.Getenv("CFIWATCH_KERNEL_ENFORCEMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.KernelEnforcement = b
		}
	}
	if v := os.Getenv("CFIWATCH_SHADOW_STACK_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ShadowStackCapacity = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ShadowStackCapacity <= 0 {
		c.ShadowStackCapacity = shadow.DefaultCapacity
	}
	if c.MaxInsn <= 0 {
		c.MaxInsn = DefaultMaxInsn
	}
}

// Marshal renders the settings as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
