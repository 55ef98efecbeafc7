package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/subcore/batch"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "subcore.toml", `
backend = "soft"

[logging]
level = "debug"

[context]
batch_size = 8192
debug = true

[soft]
aperture_size = 1048576
relocate = true

[native]
timeout = "2s"

[workload]
frames = 2
draws_per_frame = 10
`)
	cfg, v, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if v.ConfigFileUsed() != path {
		t.Errorf("expected config file %s, got %s", path, v.ConfigFileUsed())
	}
	if cfg.Backend != "soft" {
		t.Errorf("expected backend soft, got %q", cfg.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Context.BatchSize != 8192 || !cfg.Context.Debug {
		t.Errorf("expected context overrides, got %+v", cfg.Context)
	}
	if cfg.Soft.ApertureSize != 1<<20 || !cfg.Soft.Relocate {
		t.Errorf("expected soft overrides, got %+v", cfg.Soft)
	}
	if cfg.Native.Timeout != 2*time.Second {
		t.Errorf("expected 2s timeout, got %v", cfg.Native.Timeout)
	}
	if cfg.Workload.Frames != 2 || cfg.Workload.DrawsPerFrame != 10 {
		t.Errorf("expected workload overrides, got %+v", cfg.Workload)
	}
	// Untouched keys keep their defaults.
	if cfg.Workload.Textures != DefaultConfig().Workload.Textures {
		t.Errorf("expected default textures, got %d", cfg.Workload.Textures)
	}
	sc := cfg.SoftDevice()
	if sc.ApertureSize != 1<<20 || !sc.Relocate {
		t.Errorf("expected soft device config from file, got %+v", sc)
	}
	if nc := cfg.NativeDevice(); nc.Timeout != 2*time.Second {
		t.Errorf("expected native timeout 2s, got %v", nc.Timeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "subcore.toml", "[context]\ndebug = false\n")
	t.Setenv("SUBCORE_CONTEXT_DEBUG", "true")
	t.Setenv("SUBCORE_WORKLOAD_FRAMES", "7")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Context.Debug {
		t.Error("expected environment to enable debug")
	}
	if cfg.Workload.Frames != 7 {
		t.Errorf("expected 7 frames from environment, got %d", cfg.Workload.Frames)
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Context.BatchSize != batch.DefaultSize {
		t.Errorf("expected default batch size, got %d", cfg.Context.BatchSize)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"backend", `backend = "metal"`},
		{"level", "[logging]\nlevel = \"trace\""},
		{"format", "[logging]\nformat = \"xml\""},
		{"batch size", "[context]\nbatch_size = 100"},
		{"reserve", "[context]\ndraw_reserve = 20000"},
		{"buckets", "[context]\ncache_buckets = 0"},
		{"aperture", "[soft]\naperture_size = 4294967296"},
		{"workload", "[workload]\nframes = 0"},
		{"syntax", "backend = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "subcore.toml", tt.content)
			if _, _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestContextOptions(t *testing.T) {
	cfg := DefaultConfig()
	if got := len(cfg.ContextOptions()); got != 7 {
		t.Errorf("expected 7 options, got %d", got)
	}
}
