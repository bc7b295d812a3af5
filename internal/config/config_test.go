package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("Expected default pool size 4, got %d", cfg.Pool.Size)
	}
	if cfg.Matching.Threshold != 1.04 {
		t.Errorf("Expected default threshold 1.04, got %v", cfg.Matching.Threshold)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[paths]
gallery_dir = "~/faces"
output_dir = "/tmp/results"

[sampling]
interval_seconds = 2.5
policy = "FACE"

[matching]
threshold = 0.9

[pool]
size = 8
unit_timeout_seconds = 15

[engine]
kind = "process"
worker_command = ["/usr/local/bin/castfinder", "worker"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Paths.GalleryDir != filepath.Join(home, "faces") {
		t.Errorf("Expected expanded gallery dir, got %s", cfg.Paths.GalleryDir)
	}
	if cfg.Sampling.IntervalSeconds != 2.5 {
		t.Errorf("Expected interval 2.5, got %v", cfg.Sampling.IntervalSeconds)
	}
	if cfg.Sampling.Policy != PolicyFace {
		t.Errorf("Expected policy to be normalised to %q, got %q", PolicyFace, cfg.Sampling.Policy)
	}
	if cfg.Pool.Size != 8 || cfg.UnitTimeout() != 15*time.Second {
		t.Errorf("Unexpected pool config: %+v", cfg.Pool)
	}
	if cfg.Engine.Kind != EngineProcess || len(cfg.Engine.WorkerCommand) != 2 {
		t.Errorf("Unexpected engine config: %+v", cfg.Engine)
	}
	// Untouched sections keep their defaults
	if cfg.TMDB.BaseURL != defaultTMDBBaseURL {
		t.Errorf("Expected default TMDB base url, got %s", cfg.TMDB.BaseURL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("[paths\ngallery_dir = "), 0644)
	if _, err := Load(path); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CASTFINDER_GALLERY_DIR": "/data/gallery",
		"CASTFINDER_WORKERS":     "6",
		"CASTFINDER_THRESHOLD":   "0.75",
		"CASTFINDER_ENGINE":      "process",
		"TMDB_BEARER_TOKEN":      "secret",
		"POSTGRES_HOST":          "db",
		"POSTGRES_USER":          "cast",
		"POSTGRES_PASSWORD":      "pw",
		"POSTGRES_DB":            "castfinder",
	}
	cfg := Default()
	applyEnv(&cfg, func(k string) string { return env[k] })

	if cfg.Paths.GalleryDir != "/data/gallery" {
		t.Errorf("Gallery dir not overridden: %s", cfg.Paths.GalleryDir)
	}
	if cfg.Pool.Size != 6 {
		t.Errorf("Pool size not overridden: %d", cfg.Pool.Size)
	}
	if cfg.Matching.Threshold != 0.75 {
		t.Errorf("Threshold not overridden: %v", cfg.Matching.Threshold)
	}
	if cfg.TMDB.BearerToken != "secret" {
		t.Errorf("TMDB token not read from env")
	}
	if cfg.Database.URL != "postgres://cast:pw@db:5432/castfinder" {
		t.Errorf("Unexpected database url %q", cfg.Database.URL)
	}
}

func TestApplyEnv_IgnoresGarbage(t *testing.T) {
	cfg := Default()
	applyEnv(&cfg, func(k string) string {
		if k == "CASTFINDER_WORKERS" {
			return "many"
		}
		return ""
	})
	if cfg.Pool.Size != defaultPoolSize {
		t.Errorf("Invalid env value should be ignored, got %d", cfg.Pool.Size)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad threshold", func(c *Config) { c.Matching.Threshold = 3 }, "matching.threshold"},
		{"zero threshold", func(c *Config) { c.Matching.Threshold = 0 }, "matching.threshold"},
		{"bad policy", func(c *Config) { c.Sampling.Policy = "random" }, "sampling.policy"},
		{"negative interval", func(c *Config) { c.Sampling.IntervalSeconds = -1 }, "interval_seconds"},
		{"bad engine", func(c *Config) { c.Engine.Kind = "gpu" }, "engine.kind"},
		{"process without command", func(c *Config) {
			c.Engine.Kind = EngineProcess
			c.Engine.WorkerCommand = nil
		}, "worker_command"},
		{"no gallery", func(c *Config) { c.Paths.GalleryDir = "" }, "gallery_dir"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNormalizeClampsPool(t *testing.T) {
	cfg := Default()
	cfg.Pool.Size = 0
	cfg.Pool.UnitTimeoutSeconds = -3
	cfg.Matching.TopK = 0
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.Pool.Size != defaultPoolSize || cfg.Pool.UnitTimeoutSeconds != defaultUnitTimeoutSeconds || cfg.Matching.TopK != defaultTopK {
		t.Errorf("normalize did not clamp: %+v %+v", cfg.Pool, cfg.Matching)
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/gallery")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "gallery") {
		t.Errorf("ExpandPath(~/gallery) = %s", got)
	}
	if got, _ := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("Absolute paths must be left alone, got %s", got)
	}
}
