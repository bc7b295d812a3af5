package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains the directories the pipeline reads from and writes to.
type Paths struct {
	GalleryDir string `toml:"gallery_dir"`
	OutputDir  string `toml:"output_dir"`
	UploadDir  string `toml:"upload_dir"`
	TempDir    string `toml:"temp_dir"`
	CacheDir   string `toml:"cache_dir"`
}

// Sampling controls which frames are taken from a video.
type Sampling struct {
	IntervalSeconds float64 `toml:"interval_seconds"`
	EveryFrame      bool    `toml:"every_frame"`
	Policy          string  `toml:"policy"` // "interval" or "face"
}

// Matching controls detection and gallery comparison.
type Matching struct {
	Model               string  `toml:"model"`
	Threshold           float64 `toml:"threshold"`
	DetectionConfidence float64 `toml:"detection_confidence"`
	TopK                int     `toml:"top_k"`
	SkipEmptyFrames     bool    `toml:"skip_empty_frames"`
}

// Engine selects the face detection / embedding backend.
type Engine struct {
	Kind          string   `toml:"kind"` // "onnx" or "process"
	ONNXLibrary   string   `toml:"onnx_library"`
	DetectorModel string   `toml:"detector_model"`
	EmbedderModel string   `toml:"embedder_model"`
	WorkerCommand []string `toml:"worker_command"`
}

// Pool sizes the parallel dispatcher.
type Pool struct {
	Size               int `toml:"size"`
	UnitTimeoutSeconds int `toml:"unit_timeout_seconds"`
}

// Database configures the optional Postgres store.
type Database struct {
	URL string `toml:"url"`
}

// TMDB contains configuration for The Movie Database API.
type TMDB struct {
	BearerToken string `toml:"bearer_token"`
	BaseURL     string `toml:"base_url"`
	Language    string `toml:"language"`
}

// Server configures the HTTP surface.
type Server struct {
	Bind string `toml:"bind"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config is the full application configuration.
type Config struct {
	Paths    Paths    `toml:"paths"`
	Sampling Sampling `toml:"sampling"`
	Matching Matching `toml:"matching"`
	Engine   Engine   `toml:"engine"`
	Pool     Pool     `toml:"pool"`
	Database Database `toml:"database"`
	TMDB     TMDB     `toml:"tmdb"`
	Server   Server   `toml:"server"`
	Logging  Logging  `toml:"logging"`
}

// Load reads configuration from path (optional), applies environment overrides,
// expands paths and validates the result. A missing file at the default location is
// not an error; a missing explicitly requested file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg, os.Getenv)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() string {
	return defaultConfigPath
}

// UnitTimeout returns the per-frame timeout as a duration.
func (c *Config) UnitTimeout() time.Duration {
	return time.Duration(c.Pool.UnitTimeoutSeconds) * time.Second
}

// EnsureDirectories creates the writable directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.UploadDir, c.Paths.TempDir, c.Paths.CacheDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// CachePath is the location of the gallery embedding cache.
func (c *Config) CachePath() string {
	return filepath.Join(c.Paths.CacheDir, "embeddings.db")
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if n, err := strconv.Atoi(strings.TrimSpace(getenv(key))); err == nil && n > 0 {
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if f, err := strconv.ParseFloat(strings.TrimSpace(getenv(key)), 64); err == nil && f > 0 {
			*dst = f
		}
	}

	str("CASTFINDER_GALLERY_DIR", &cfg.Paths.GalleryDir)
	str("CASTFINDER_OUTPUT_DIR", &cfg.Paths.OutputDir)
	str("CASTFINDER_UPLOAD_DIR", &cfg.Paths.UploadDir)
	str("CASTFINDER_TEMP_DIR", &cfg.Paths.TempDir)
	str("CASTFINDER_CACHE_DIR", &cfg.Paths.CacheDir)
	flt("CASTFINDER_INTERVAL_SECONDS", &cfg.Sampling.IntervalSeconds)
	str("CASTFINDER_SAMPLING_POLICY", &cfg.Sampling.Policy)
	str("CASTFINDER_MODEL", &cfg.Matching.Model)
	flt("CASTFINDER_THRESHOLD", &cfg.Matching.Threshold)
	str("CASTFINDER_ENGINE", &cfg.Engine.Kind)
	str("CASTFINDER_ONNX_LIBRARY", &cfg.Engine.ONNXLibrary)
	str("CASTFINDER_DETECTOR_MODEL", &cfg.Engine.DetectorModel)
	str("CASTFINDER_EMBEDDER_MODEL", &cfg.Engine.EmbedderModel)
	num("CASTFINDER_WORKERS", &cfg.Pool.Size)
	num("CASTFINDER_UNIT_TIMEOUT", &cfg.Pool.UnitTimeoutSeconds)
	str("CASTFINDER_BIND", &cfg.Server.Bind)
	str("CASTFINDER_LOG_LEVEL", &cfg.Logging.Level)
	str("CASTFINDER_LOG_FORMAT", &cfg.Logging.Format)
	str("TMDB_BEARER_TOKEN", &cfg.TMDB.BearerToken)
	str("DATABASE_URL", &cfg.Database.URL)

	// Fall back to the discrete POSTGRES_* variables used by docker-compose setups
	if cfg.Database.URL == "" {
		if host := strings.TrimSpace(getenv("POSTGRES_HOST")); host != "" {
			port := getenv("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
		}
	}
}
