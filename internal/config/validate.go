package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath resolves a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

func (c *Config) normalize() error {
	for _, p := range []*string{
		&c.Paths.GalleryDir, &c.Paths.OutputDir, &c.Paths.UploadDir, &c.Paths.TempDir, &c.Paths.CacheDir,
		&c.Engine.ONNXLibrary, &c.Engine.DetectorModel, &c.Engine.EmbedderModel,
	} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}

	c.Sampling.Policy = strings.ToLower(strings.TrimSpace(c.Sampling.Policy))
	c.Engine.Kind = strings.ToLower(strings.TrimSpace(c.Engine.Kind))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.TMDB.BaseURL = strings.TrimRight(strings.TrimSpace(c.TMDB.BaseURL), "/")

	if c.Pool.Size < 1 {
		c.Pool.Size = defaultPoolSize
	}
	if c.Pool.UnitTimeoutSeconds < 1 {
		c.Pool.UnitTimeoutSeconds = defaultUnitTimeoutSeconds
	}
	if c.Matching.TopK < 1 {
		c.Matching.TopK = defaultTopK
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.GalleryDir == "" {
		errs = append(errs, errors.New("paths.gallery_dir is required"))
	}
	if c.Paths.OutputDir == "" {
		errs = append(errs, errors.New("paths.output_dir is required"))
	}
	if c.Sampling.IntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("sampling.interval_seconds must be >= 0, got %v", c.Sampling.IntervalSeconds))
	}
	if c.Sampling.Policy != PolicyInterval && c.Sampling.Policy != PolicyFace {
		errs = append(errs, fmt.Errorf("sampling.policy must be %q or %q, got %q", PolicyInterval, PolicyFace, c.Sampling.Policy))
	}
	// euclidean_l2 distances live in [0, 2]
	if c.Matching.Threshold <= 0 || c.Matching.Threshold > 2 {
		errs = append(errs, fmt.Errorf("matching.threshold must be in (0, 2], got %v", c.Matching.Threshold))
	}
	if c.Matching.DetectionConfidence <= 0 || c.Matching.DetectionConfidence > 1 {
		errs = append(errs, fmt.Errorf("matching.detection_confidence must be in (0, 1], got %v", c.Matching.DetectionConfidence))
	}
	if strings.TrimSpace(c.Matching.Model) == "" {
		errs = append(errs, errors.New("matching.model is required"))
	}

	switch c.Engine.Kind {
	case EngineONNX:
		if c.Engine.DetectorModel == "" || c.Engine.EmbedderModel == "" {
			errs = append(errs, errors.New("engine.detector_model and engine.embedder_model are required for the onnx engine"))
		}
	case EngineProcess:
		if len(c.Engine.WorkerCommand) == 0 {
			errs = append(errs, errors.New("engine.worker_command is required for the process engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.kind must be %q or %q, got %q", EngineONNX, EngineProcess, c.Engine.Kind))
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
