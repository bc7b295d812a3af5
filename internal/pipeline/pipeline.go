package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/andresmejia3/castfinder/internal/annotate"
	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/matcher"
	"github.com/andresmejia3/castfinder/internal/sampler"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/utils"
)

// Config is everything one run needs. There are no package-level settings.
type Config struct {
	GalleryDir string // used only when New is given no gallery
	OutputDir  string
	TempDir    string

	SampleSeconds float64
	EveryFrame    bool
	Policy        sampler.Policy

	Workers     int
	UnitTimeout time.Duration

	Threshold       float64
	TopK            int
	MinConfidence   float64
	SkipEmptyFrames bool
}

// Engines creates the detector and embedder for pool slot id. Each call must return
// fresh instances; they are closed by the caller.
type Engines func(ctx context.Context, id int) (faces.Detector, matcher.Embedder, error)

// Hooks are optional progress callbacks. They may be called from several goroutines.
type Hooks struct {
	OnDecoded func()
	OnSampled func(total int)
	OnFrame   func(types.FrameResult)
}

// Pipeline wires the sampler, the worker pool and the aggregator together.
type Pipeline struct {
	cfg     Config
	engines Engines
	gallery *gallery.Gallery
	logger  *slog.Logger
	Hooks   Hooks
}

// New builds a pipeline. g may be nil, in which case Run loads Config.GalleryDir first.
func New(cfg Config, engines Engines, g *gallery.Gallery, logger *slog.Logger) *Pipeline {
	if cfg.Policy == "" {
		cfg.Policy = sampler.PolicyInterval
	}
	return &Pipeline{
		cfg:     cfg,
		engines: engines,
		gallery: g,
		logger:  logging.Component(logger, "pipeline"),
	}
}

// Gallery returns the gallery used for matching, or nil before the first Run.
func (p *Pipeline) Gallery() *gallery.Gallery { return p.gallery }

// Run analyses one video. A video with no decodable frames yields an empty analysis
// and no error. Setup failures (missing video, missing decoder, engine or gallery
// problems) and pool failures are returned as errors.
func (p *Pipeline) Run(ctx context.Context, videoPath string) (types.VideoAnalysis, error) {
	start := time.Now()

	if err := p.ensureGallery(ctx); err != nil {
		return types.VideoAnalysis{}, err
	}

	frames, decoded, err := p.sample(ctx, videoPath)
	if err != nil {
		return types.VideoAnalysis{}, err
	}

	videoID, err := utils.GenerateVideoID(videoPath)
	if err != nil {
		return types.VideoAnalysis{}, err
	}

	p.logger.Info("sampled video",
		slog.String("video", videoPath),
		slog.Int("decoded", decoded),
		slog.Int("sampled", len(frames)))
	if p.Hooks.OnSampled != nil {
		p.Hooks.OnSampled(len(frames))
	}

	if len(frames) == 0 {
		analysis := Aggregate(nil)
		analysis.VideoID = videoID
		analysis.Frames = []types.FrameResult{}
		return analysis, nil
	}

	results, err := Dispatch(ctx, frames, DispatchOptions{
		Workers:     p.cfg.Workers,
		UnitTimeout: p.cfg.UnitTimeout,
		Logger:      p.logger,
		OnResult:    p.Hooks.OnFrame,
	}, p.newUnit)
	if err != nil {
		return types.VideoAnalysis{}, err
	}

	analysis := Aggregate(results)
	analysis.VideoID = videoID
	p.logger.Info("analysis complete",
		slog.String("video", videoPath),
		slog.Int("frames", analysis.TotalFrames),
		slog.Any("identities", analysis.Identities),
		slog.Duration("elapsed", time.Since(start)))
	return analysis, nil
}

func (p *Pipeline) ensureGallery(ctx context.Context) error {
	if p.gallery != nil {
		return nil
	}
	if p.cfg.GalleryDir == "" {
		return fmt.Errorf("load gallery: %w", gallery.ErrNoGallery)
	}
	det, emb, err := p.engines(ctx, 0)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer closeEngines(det, emb)

	g, err := gallery.Load(ctx, p.cfg.GalleryDir, gallery.Loader{
		Detector:      det,
		MinConfidence: p.cfg.MinConfidence,
		Embedder:      emb,
		Logger:        p.logger,
	})
	if err != nil {
		return err
	}
	p.gallery = g
	return nil
}

func (p *Pipeline) sample(ctx context.Context, videoPath string) ([]types.SampledFrame, int, error) {
	opts := sampler.Options{
		IntervalSeconds: p.cfg.SampleSeconds,
		EveryFrame:      p.cfg.EveryFrame,
		Policy:          p.cfg.Policy,
		Logger:          p.logger,
		OnDecoded:       p.Hooks.OnDecoded,
	}

	if p.cfg.Policy == sampler.PolicyFacePresence {
		det, emb, err := p.engines(ctx, 0)
		if err != nil {
			return nil, 0, fmt.Errorf("start engine: %w", err)
		}
		defer closeEngines(det, emb)
		opts.Extractor = &faces.Extractor{Detector: det, MinConfidence: p.cfg.MinConfidence}
	}

	return sampler.Collect(ctx, videoPath, opts)
}

func (p *Pipeline) newUnit(ctx context.Context, id int) (Unit, error) {
	det, emb, err := p.engines(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := matcher.New(emb, p.gallery, matcher.Config{
		TempDir:   p.cfg.TempDir,
		Threshold: p.cfg.Threshold,
		TopK:      p.cfg.TopK,
	})
	if err != nil {
		closeEngines(det, emb)
		return nil, err
	}
	return &FrameUnit{
		ID:        id,
		Extractor: &faces.Extractor{Detector: det, MinConfidence: p.cfg.MinConfidence},
		Matcher:   m,
		Annotator: &annotate.Annotator{Dir: p.cfg.OutputDir, SkipEmpty: p.cfg.SkipEmptyFrames},
		Logger:    p.logger,
		detector:  det,
		embedder:  emb,
	}, nil
}

// FrameUnit turns one sampled frame into a FrameResult: extract faces, match each
// face, annotate the frame.
type FrameUnit struct {
	ID        int
	Extractor *faces.Extractor
	Matcher   *matcher.Matcher
	Annotator *annotate.Annotator
	Logger    *slog.Logger

	detector faces.Detector
	embedder matcher.Embedder
}

// Process handles one frame. Faces detected at sampling time are reused.
func (u *FrameUnit) Process(ctx context.Context, frame types.SampledFrame) (types.FrameResult, error) {
	img, err := faces.DecodeFrame(frame.Data)
	if err != nil {
		return types.FrameResult{}, err
	}

	dets := frame.Faces
	if dets == nil {
		if dets, err = u.Extractor.Extract(ctx, img); err != nil {
			return types.FrameResult{}, fmt.Errorf("extract faces: %w", err)
		}
	}

	identities := []string{}
	labels := make([]string, len(dets))
	for i, face := range dets {
		matches, err := u.Matcher.Match(ctx, frame.Index, i, face.Image)
		if err != nil {
			return types.FrameResult{}, fmt.Errorf("match face %d: %w", i, err)
		}
		if best, ok := matcher.Best(matches); ok {
			labels[i] = best.Identity
		}
		identities = append(identities, matcher.Names(matches)...)
	}
	slices.Sort(identities)
	identities = slices.Compact(identities)

	if _, err := u.Annotator.Annotate(img, frame.Index, dets, labels); err != nil {
		logging.Component(u.Logger, "unit").Warn("could not write annotated frame",
			slog.Int("frame", frame.Index), logging.Err(err))
	}

	return types.FrameResult{
		Index:      frame.Index,
		Identities: identities,
		Faces:      len(dets),
	}, nil
}

// Close releases the unit's engines.
func (u *FrameUnit) Close() error {
	return closeEngines(u.detector, u.embedder)
}

// closeEngines closes det and emb, once if both are the same engine.
func closeEngines(det faces.Detector, emb matcher.Embedder) error {
	var errs []error
	if det != nil {
		errs = append(errs, det.Close())
	}
	if emb != nil && (det == nil || any(det) != any(emb)) {
		errs = append(errs, emb.Close())
	}
	return errors.Join(errs...)
}
