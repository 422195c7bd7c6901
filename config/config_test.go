package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "warn" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Mount.FsName != "erofs" {
		t.Errorf("mount.fs_name = %q", cfg.Mount.FsName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error: %v", err)
	}
}

func TestParse(t *testing.T) {
	t.Setenv("EROFUSE_TEST_ROOT", "/srv/images")

	cfg, err := Parse([]byte(`
image: ${EROFUSE_TEST_ROOT}/system.img
mountpoint: ${EROFUSE_TEST_UNSET:-/mnt/system}
log:
  level: debug
  format: json
mount:
  allow_other: true
  entry_timeout: 5s
  negative_timeout: 250ms
`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.Image != "/srv/images/system.img" {
		t.Errorf("image = %q", cfg.Image)
	}
	if cfg.Mountpoint != "/mnt/system" {
		t.Errorf("mountpoint = %q", cfg.Mountpoint)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if !cfg.Mount.AllowOther {
		t.Error("mount.allow_other not set")
	}
	if cfg.Mount.EntryTimeout != 5*time.Second || cfg.Mount.NegativeTimeout != 250*time.Millisecond {
		t.Errorf("timeouts = %v, %v", cfg.Mount.EntryTimeout, cfg.Mount.NegativeTimeout)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Mount.AttrTimeout != time.Second || cfg.Mount.FsName != "erofs" {
		t.Errorf("defaults lost: attr_timeout = %v, fs_name = %q", cfg.Mount.AttrTimeout, cfg.Mount.FsName)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("Parse(nil) = %+v, want defaults", cfg)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"unknown key", "imgae: x.img\n", "imgae"},
		{"unknown nested key", "log:\n  colour: true\n", "colour"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"negative timeout", "mount:\n  attr_timeout: -1s\n", "mount.attr_timeout"},
		{"bad duration", "mount:\n  entry_timeout: soon\n", "time.Duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if err == nil {
				t.Fatal("Parse() succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erofuse.yaml")
	if err := os.WriteFile(path, []byte("image: /from/env.img\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("no path, no env", func(t *testing.T) {
		t.Setenv(EnvVar, "")
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Image != "" {
			t.Errorf("image = %q, want empty", cfg.Image)
		}
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv(EnvVar, path)
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Image != "/from/env.img" {
			t.Errorf("image = %q", cfg.Image)
		}
	})

	t.Run("explicit path wins over env", func(t *testing.T) {
		other := filepath.Join(dir, "other.yaml")
		if err := os.WriteFile(other, []byte("image: /explicit.img\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv(EnvVar, path)
		cfg, err := Load(other)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Image != "/explicit.img" {
			t.Errorf("image = %q", cfg.Image)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Load(missing) error = %v", err)
		}
	})
}
