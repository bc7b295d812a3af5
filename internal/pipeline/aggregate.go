package pipeline

import (
	"slices"

	"github.com/andresmejia3/castfinder/internal/types"
)

// Aggregate unions the identities of every frame. The result does not depend on the
// order of results.
func Aggregate(results []types.FrameResult) types.VideoAnalysis {
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, id := range r.Identities {
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return types.VideoAnalysis{
		TotalFrames: len(results),
		Identities:  ids,
		Frames:      results,
	}
}
