package matcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/utils"
)

// ErrModelMismatch means the gallery was embedded with a different model than the one
// used for query faces; distances between the two are meaningless.
var ErrModelMismatch = errors.New("gallery and embedder use different models")

// DefaultTopK is how many candidates Match returns when Config.TopK is unset.
const DefaultTopK = 5

// Embedder is an engine that can embed faces and must be closed after use.
type Embedder interface {
	gallery.Embedder
	Close() error
}

// Config holds the matching policy.
type Config struct {
	TempDir   string  // where per-face artifacts live while being matched
	Threshold float64 // euclidean_l2; accepted when distance < Threshold
	TopK      int     // cap on rejected candidates
}

// Matcher compares face crops against a gallery. One Matcher per worker: it uses
// that worker's embedder.
type Matcher struct {
	emb     gallery.Embedder
	gallery *gallery.Gallery
	cfg     Config
}

// New checks that the gallery and the embedder agree on the model.
func New(emb gallery.Embedder, g *gallery.Gallery, cfg Config) (*Matcher, error) {
	if g.Model() != "" && emb.Model() != "" && g.Model() != emb.Model() {
		return nil, fmt.Errorf("%w: gallery %q, embedder %q", ErrModelMismatch, g.Model(), emb.Model())
	}
	if cfg.TopK < 1 {
		cfg.TopK = DefaultTopK
	}
	return &Matcher{emb: emb, gallery: g, cfg: cfg}, nil
}

// Match persists the crop as face_<frame>_<face>_*.jpg, embeds it from disk and
// searches the gallery. The artifact is removed on every exit path. Every identity
// under the threshold is returned, followed by at most TopK rejected ones, ranked by
// ascending distance; an empty gallery yields no results and no error.
func (m *Matcher) Match(ctx context.Context, frameIndex, faceIndex int, crop image.Image) ([]types.MatchResult, error) {
	if m.gallery.Len() == 0 {
		return []types.MatchResult{}, nil
	}

	var results []types.MatchResult
	pattern := fmt.Sprintf("face_%d_%d_*.jpg", frameIndex, faceIndex)
	err := utils.WithTempImage(m.cfg.TempDir, pattern, crop, func(path string) error {
		img, err := faces.LoadImage(path)
		if err != nil {
			return err
		}
		vec, err := m.emb.Embed(ctx, img)
		if err != nil {
			return fmt.Errorf("embed face %d: %w", faceIndex, err)
		}

		for _, c := range m.gallery.Within(vec, m.cfg.Threshold, m.cfg.TopK) {
			results = append(results, types.MatchResult{
				Identity:  c.Name,
				Reference: c.Reference,
				Distance:  c.Distance,
				Accepted:  c.Distance < m.cfg.Threshold,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("match frame %d face %d: %w", frameIndex, faceIndex, err)
	}
	if results == nil {
		results = []types.MatchResult{}
	}
	return results, nil
}

// Accepted keeps only the results that passed the threshold, preserving order.
func Accepted(results []types.MatchResult) []types.MatchResult {
	out := make([]types.MatchResult, 0, len(results))
	for _, r := range results {
		if r.Accepted {
			out = append(out, r)
		}
	}
	return out
}

// Best returns the closest accepted result.
func Best(results []types.MatchResult) (types.MatchResult, bool) {
	var best types.MatchResult
	found := false
	for _, r := range results {
		if r.Accepted && (!found || r.Distance < best.Distance) {
			best, found = r, true
		}
	}
	return best, found
}

// Names returns the distinct accepted identities, sorted.
func Names(results []types.MatchResult) []string {
	names := make([]string, 0, len(results))
	for _, r := range Accepted(results) {
		names = append(names, r.Identity)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
