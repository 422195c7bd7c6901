// Package config loads erofuse configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the EROFUSE_CONFIG environment variable. Without either, Default is used.
// Command-line flags are applied on top by the caller. Unknown keys in the
// file are errors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no path is given.
const EnvVar = "EROFUSE_CONFIG"

// Config is the complete erofuse configuration.
type Config struct {
	// Image is the EROFS image file or block device.
	Image string `yaml:"image"`

	// Partition selects a partition when Image is a partitioned disk:
	// a name ("p1"), an index ("1") or a GPT label. Empty picks the first
	// partition holding EROFS.
	Partition string `yaml:"partition"`

	// Mountpoint is where the mount command serves the image.
	Mountpoint string `yaml:"mountpoint"`

	Log   LogConfig   `yaml:"log"`
	Mount MountConfig `yaml:"mount"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: warn
	Level string `yaml:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format"`

	// File receives log output. Empty means stderr.
	File string `yaml:"file"`
}

// MountConfig configures the FUSE mount.
type MountConfig struct {
	// AllowOther permits other users to access the mount.
	AllowOther bool `yaml:"allow_other"`

	// FsName is the source shown in /proc/mounts.
	// Default: erofs
	FsName string `yaml:"fs_name"`

	// Kernel cache timeouts, as Go durations ("1s", "250ms").
	EntryTimeout    time.Duration `yaml:"entry_timeout"`
	AttrTimeout     time.Duration `yaml:"attr_timeout"`
	NegativeTimeout time.Duration `yaml:"negative_timeout"`

	// Debug logs every FUSE request.
	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Mount: MountConfig{
			FsName:          "erofs",
			EntryTimeout:    time.Second,
			AttrTimeout:     time.Second,
			NegativeTimeout: 100 * time.Millisecond,
		},
	}
}

// Load loads the file at path, or the one named by EROFUSE_CONFIG when
// path is empty. With neither, it returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, on top of Default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration on top of Default, expands ${VAR}
// references in paths and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	c.Image = expandVars(c.Image)
	c.Mountpoint = expandVars(c.Mountpoint)
	c.Log.File = expandVars(c.Log.File)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns from the
// environment.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if c.Mount.EntryTimeout < 0 {
		errs = append(errs, fmt.Errorf("mount.entry_timeout must not be negative"))
	}
	if c.Mount.AttrTimeout < 0 {
		errs = append(errs, fmt.Errorf("mount.attr_timeout must not be negative"))
	}
	if c.Mount.NegativeTimeout < 0 {
		errs = append(errs, fmt.Errorf("mount.negative_timeout must not be negative"))
	}

	return errors.Join(errs...)
}
