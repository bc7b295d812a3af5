package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/andresmejia3/castfinder/internal/cache"
	"github.com/andresmejia3/castfinder/internal/config"
	"github.com/andresmejia3/castfinder/internal/engine/onnx"
	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/matcher"
	"github.com/andresmejia3/castfinder/internal/pipeline"
	"github.com/andresmejia3/castfinder/internal/sampler"
	"github.com/andresmejia3/castfinder/internal/worker"
	"github.com/schollz/progressbar/v3"
)

// newEngines returns the factory that gives every pool slot its own engine instance.
func newEngines(cfg *config.Config) (pipeline.Engines, error) {
	switch cfg.Engine.Kind {
	case config.EngineProcess:
		wcfg := worker.Config{
			Command:     cfg.Engine.WorkerCommand,
			ReadTimeout: cfg.UnitTimeout(),
		}
		return func(ctx context.Context, id int) (faces.Detector, matcher.Embedder, error) {
			w, err := worker.Start(ctx, id, wcfg)
			if err != nil {
				return nil, nil, err
			}
			return w, w, nil
		}, nil

	default:
		if err := onnx.Init(cfg.Engine.ONNXLibrary); err != nil {
			return nil, err
		}
		ocfg := onnxConfig(cfg)
		return func(ctx context.Context, id int) (faces.Detector, matcher.Embedder, error) {
			e, err := onnx.Open(ocfg)
			if err != nil {
				return nil, nil, err
			}
			return e, e, nil
		}, nil
	}
}

func onnxConfig(cfg *config.Config) onnx.Config {
	return onnx.Config{
		DetectorModel: cfg.Engine.DetectorModel,
		EmbedderModel: cfg.Engine.EmbedderModel,
		ModelName:     cfg.Matching.Model,
		Confidence:    cfg.Matching.DetectionConfidence,
		// Slots run in parallel; split the cores between them
		Threads: max(1, runtime.NumCPU()/max(1, cfg.Pool.Size)),
	}
}

// loadGallery embeds the configured gallery, reusing the sqlite embedding cache.
func loadGallery(ctx context.Context, cfg *config.Config, engines pipeline.Engines, logger *slog.Logger) (*gallery.Gallery, error) {
	entries, err := gallery.Scan(cfg.Paths.GalleryDir)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, e := range entries {
		total += len(e.Images)
	}

	c, err := cache.Open(cfg.CachePath())
	if err != nil {
		logger.Warn("embedding cache unavailable", slog.String("path", cfg.CachePath()), logging.Err(err))
		c = nil
	}
	if c != nil {
		defer c.Close()
	}

	det, emb, err := engines(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		det.Close()
		if any(det) != any(emb) {
			emb.Close()
		}
	}()

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🖼️  Indexing gallery"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	return gallery.Load(ctx, cfg.Paths.GalleryDir, gallery.Loader{
		Detector:      det,
		MinConfidence: cfg.Matching.DetectionConfidence,
		Embedder:      emb,
		Cache:         c,
		Workers:       cfg.Pool.Size,
		Logger:        logger,
		Progress:      func() { bar.Add(1) },
	})
}

// pipelineConfig maps the resolved configuration onto one pipeline run.
func pipelineConfig(cfg *config.Config, outputDir string) pipeline.Config {
	return pipeline.Config{
		GalleryDir:      cfg.Paths.GalleryDir,
		OutputDir:       outputDir,
		TempDir:         cfg.Paths.TempDir,
		SampleSeconds:   cfg.Sampling.IntervalSeconds,
		EveryFrame:      cfg.Sampling.EveryFrame,
		Policy:          sampler.Policy(cfg.Sampling.Policy),
		Workers:         cfg.Pool.Size,
		UnitTimeout:     cfg.UnitTimeout(),
		Threshold:       cfg.Matching.Threshold,
		TopK:            cfg.Matching.TopK,
		MinConfidence:   cfg.Matching.DetectionConfidence,
		SkipEmptyFrames: cfg.Matching.SkipEmptyFrames,
	}
}
