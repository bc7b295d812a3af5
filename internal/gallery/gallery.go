package gallery

import (
	"cmp"
	"math"
	"slices"

	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/coder/hnsw"
)

// HNSWThreshold is the reference count from which Search switches from an exact scan
// to the approximate graph.
var HNSWThreshold = 512

const hnswNeighbors = 16

// Reference is one embedded reference image.
type Reference struct {
	Name string
	Path string
	Hash string
	Vec  []float32 // unit length
}

// Candidate is the best distance found for one identity.
type Candidate struct {
	Name      string
	Reference string
	Distance  float64
}

// Gallery is an immutable, searchable set of reference embeddings. It is safe for
// concurrent reads.
type Gallery struct {
	model string
	refs  []Reference
	names []string
	graph *hnsw.Graph[int]
}

// New builds a gallery from already embedded references. Vectors are normalised.
func New(model string, refs []Reference) *Gallery {
	g := &Gallery{model: model, refs: make([]Reference, 0, len(refs))}

	seen := make(map[string]struct{})
	for _, r := range refs {
		if len(r.Vec) == 0 {
			continue
		}
		r.Vec = utils.Normalize(r.Vec)
		g.refs = append(g.refs, r)
		if _, ok := seen[r.Name]; !ok {
			seen[r.Name] = struct{}{}
			g.names = append(g.names, r.Name)
		}
	}
	slices.Sort(g.names)

	if len(g.refs) >= HNSWThreshold {
		graph := hnsw.NewGraph[int]()
		graph.M = hnswNeighbors
		graph.Ml = 1.0 / float64(hnswNeighbors)
		// Unit vectors: euclidean distance is the euclidean_l2 metric
		graph.Distance = hnsw.EuclideanDistance
		for i, r := range g.refs {
			graph.Add(hnsw.MakeNode(i, r.Vec))
		}
		g.graph = graph
	}
	return g
}

// Model is the embedding model every reference was produced with.
func (g *Gallery) Model() string { return g.model }

// Len is the number of references.
func (g *Gallery) Len() int { return len(g.refs) }

// Names returns the distinct identity names, sorted.
func (g *Gallery) Names() []string { return slices.Clone(g.names) }

// References returns a copy of the reference list.
func (g *Gallery) References() []Reference { return slices.Clone(g.refs) }

// Indexed reports whether searches go through the approximate graph.
func (g *Gallery) Indexed() bool { return g.graph != nil }

// Search returns up to k identities closest to vec, one entry per identity, ranked
// by ascending euclidean_l2 distance.
func (g *Gallery) Search(vec []float32, k int) []Candidate {
	if len(g.refs) == 0 || k <= 0 || len(vec) == 0 {
		return nil
	}
	out := g.rank(vec, max(8*k, 32), math.Inf(1))
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Within returns every identity closer than threshold plus at most k of the nearest
// identities that are not, ranked by ascending distance.
func (g *Gallery) Within(vec []float32, threshold float64, k int) []Candidate {
	if len(g.refs) == 0 || len(vec) == 0 {
		return nil
	}
	out := g.rank(vec, max(8*k, 32), threshold)
	n, _ := slices.BinarySearchFunc(out, threshold, func(c Candidate, t float64) int {
		return cmp.Compare(c.Distance, t)
	})
	if rejected := len(out) - n; rejected > max(k, 0) {
		out = out[:n+max(k, 0)]
	}
	return out
}

// rank collapses references to their closest one per identity. On the graph path
// neighbours are fetched in growing batches until every reference closer than
// threshold has been seen.
func (g *Gallery) rank(vec []float32, fetch int, threshold float64) []Candidate {
	best := make(map[string]Candidate)
	consider := func(r Reference) float64 {
		d := utils.EuclideanL2(vec, r.Vec)
		if cur, ok := best[r.Name]; !ok || d < cur.Distance {
			best[r.Name] = Candidate{Name: r.Name, Reference: r.Path, Distance: d}
		}
		return d
	}

	if g.graph == nil {
		for _, r := range g.refs {
			consider(r)
		}
	} else {
		query := utils.Normalize(vec)
		// Over-fetch because several neighbours may belong to the same identity
		fetch = min(len(g.refs), fetch)
		for {
			farthest := 0.0
			for _, n := range g.graph.Search(query, fetch) {
				farthest = max(farthest, consider(g.refs[n.Key]))
			}
			if fetch == len(g.refs) || math.IsInf(threshold, 1) || farthest >= threshold {
				break
			}
			fetch = min(len(g.refs), fetch*2)
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
