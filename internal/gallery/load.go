package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/andresmejia3/castfinder/internal/cache"
	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/andresmejia3/castfinder/internal/worker"
	"golang.org/x/sync/errgroup"
)

// ErrNoGallery is returned when the gallery root does not exist.
var ErrNoGallery = errors.New("gallery not found")

// errUnreadableImage marks a reference that could not be decoded. Only these are
// skipped; engine failures abort the load.
var errUnreadableImage = errors.New("unreadable reference image")

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Embedder produces face embeddings.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
	Model() string
}

// Loader embeds reference images. Detector is optional: without it, or when it finds
// no face, the whole reference image is embedded.
type Loader struct {
	Detector      faces.Detector
	MinConfidence float64
	Embedder      Embedder
	Cache         *cache.Cache // optional
	Workers       int
	Logger        *slog.Logger

	// Progress is called once per reference image processed.
	Progress func()
}

// Scan lists root/<identity>/*.{jpg,jpeg,png}. Identities without images are kept so
// callers can report them.
func Scan(root string) ([]types.GalleryEntry, error) {
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoGallery, root)
	}
	if err != nil {
		return nil, fmt.Errorf("access gallery %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("gallery %s is not a directory", root)
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read gallery %s: %w", root, err)
	}

	var entries []types.GalleryEntry
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("read identity %s: %w", d.Name(), err)
		}
		entry := types.GalleryEntry{Name: IdentityName(d.Name())}
		for _, f := range files {
			if f.IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			entry.Images = append(entry.Images, filepath.Join(root, d.Name(), f.Name()))
		}
		slices.Sort(entry.Images)
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b types.GalleryEntry) int { return strings.Compare(a.Name, b.Name) })
	return entries, nil
}

// Load scans root and embeds every reference image, reusing cached embeddings. An
// empty gallery is valid. Reference images that cannot be read or decoded are skipped
// with a warning. A crashed worker fails the load, and so does an engine that failed on
// every reference it was given.
func Load(ctx context.Context, root string, l Loader) (*Gallery, error) {
	if l.Embedder == nil {
		return nil, errors.New("gallery loader needs an embedder")
	}
	logger := logging.Component(l.Logger, "gallery")

	entries, err := Scan(root)
	if err != nil {
		return nil, err
	}

	type job struct {
		name, path string
	}
	var jobs []job
	for _, e := range entries {
		for _, p := range e.Images {
			jobs = append(jobs, job{e.Name, p})
		}
	}

	model := l.Embedder.Model()
	refs := make([]Reference, len(jobs))
	ok := make([]bool, len(jobs))

	// Hashing and cache lookups run in parallel; the engine itself is single-use.
	var engineMu sync.Mutex
	var attempted, failed int
	var engineErr error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(l.Workers, 1))
	for i, j := range jobs {
		g.Go(func() error {
			defer func() {
				if l.Progress != nil {
					l.Progress()
				}
			}()
			hash, err := utils.HashFile(j.path)
			if err != nil {
				logger.Warn("skipping unreadable reference", slog.String("path", j.path), logging.Err(err))
				return nil
			}

			if l.Cache != nil {
				vec, hit, err := l.Cache.Get(gctx, hash, model)
				if err != nil {
					logger.Warn("cache read failed", slog.String("path", j.path), logging.Err(err))
				}
				if hit {
					refs[i] = Reference{Name: j.name, Path: j.path, Hash: hash, Vec: vec}
					ok[i] = true
					return nil
				}
			}

			engineMu.Lock()
			vec, err := l.embedReference(gctx, j.path)
			countEngine(&attempted, &failed, &engineErr, err)
			engineMu.Unlock()
			switch {
			case err == nil:
			case gctx.Err() != nil:
				return gctx.Err()
			case errors.Is(err, errUnreadableImage):
				logger.Warn("skipping unreadable reference", slog.String("path", j.path), logging.Err(err))
				return nil
			case errors.Is(err, worker.ErrWorkerCrashed):
				return err
			default:
				logger.Warn("skipping reference", slog.String("path", j.path), logging.Err(err))
				return nil
			}

			if l.Cache != nil {
				if err := l.Cache.Put(gctx, hash, model, vec); err != nil {
					logger.Warn("cache write failed", slog.String("path", j.path), logging.Err(err))
				}
			}
			refs[i] = Reference{Name: j.name, Path: j.path, Hash: hash, Vec: vec}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("index gallery: %w", err)
	}
	if attempted > 0 && failed == attempted {
		return nil, fmt.Errorf("index gallery: engine failed on all %d references: %w", attempted, engineErr)
	}

	kept := refs[:0]
	for i, r := range refs {
		if ok[i] {
			kept = append(kept, r)
		}
	}

	gal := New(model, kept)
	logger.Info("gallery loaded",
		slog.Int("identities", len(gal.Names())),
		slog.Int("references", gal.Len()),
		slog.Bool("hnsw", gal.Indexed()),
		slog.String("model", model))
	return gal, nil
}

// countEngine tallies one engine call. Unreadable images never reached the engine.
func countEngine(attempted, failed *int, first *error, err error) {
	if errors.Is(err, errUnreadableImage) {
		return
	}
	*attempted++
	if err == nil {
		return
	}
	*failed++
	if *first == nil {
		*first = err
	}
}

func (l *Loader) embedReference(ctx context.Context, path string) ([]float32, error) {
	img, err := faces.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnreadableImage, err)
	}

	subject := img
	if l.Detector != nil {
		ex := faces.Extractor{Detector: l.Detector, MinConfidence: l.MinConfidence}
		found, err := ex.Extract(ctx, img)
		if err != nil {
			return nil, err
		}
		// Pick largest face if multiple
		if face, ok := faces.Largest(found); ok {
			subject = face.Image
		}
	}

	vec, err := l.Embedder.Embed(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", path, err)
	}
	return utils.Normalize(vec), nil
}
