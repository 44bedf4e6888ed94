// Discovery worker (§4.8): computes SIMILAR_TO edges from HNSW neighbor
// search. Grounded on the teacher's graph_hnsw.go, which built a private
// HNSW index solely to accelerate this search; the spec's collection
// already owns one HNSW index per C3, so discovery here searches that
// index directly through the small NeighborSource interface instead of
// duplicating it.
package graph

import (
	"github.com/chewxy/math32"

	"github.com/vecdb-io/vecdb/pkg/distance"
)

// SimilarToType is the relationship_type used for discovered edges.
const SimilarToType = "SIMILAR_TO"

// NeighborSearchFunc is the capability a collection exposes to the
// discovery worker: k-NN search by an existing vector's own id, returning
// neighbor ids and their raw metric scores (excluding the queried id).
type NeighborSearchFunc func(id string, k int) (ids []string, scores []float32, err error)

// DiscoveryCursor tracks a resumable position through a collection's
// vector ids (§4.8: "discovery is resumable and records its position").
type DiscoveryCursor struct {
	LastID string
}

// DiscoverResult summarizes one discovery batch.
type DiscoverResult struct {
	EdgesAdded   int
	NodesScanned int
	NextCursor   DiscoveryCursor
	Done         bool
}

// Discover runs similarity discovery over the given ids (a single node,
// or a full collection's id list sorted ascending for determinism),
// inserting SIMILAR_TO edges for scores above threshold. Weight is the
// per-metric-normalized score (§4.8): cosine is already similarity in
// [-1,1] and is clamped to [0,1]; euclidean distance is converted via
// exp(-d); dot-product scores are min-max normalized across the batch.
func (g *Graph) Discover(ids []string, metric distance.Metric, search NeighborSearchFunc, threshold float64, maxPerNode int, cursor DiscoveryCursor) DiscoverResult {
	start := 0
	if cursor.LastID != "" {
		for i, id := range ids {
			if id == cursor.LastID {
				start = i + 1
				break
			}
		}
	}

	var scores []float32
	var pairs [][2]string // [source, target] pending insertion, for dot-product batch normalization
	result := DiscoverResult{}

	for i := start; i < len(ids); i++ {
		src := ids[i]
		result.NodesScanned++

		neighborIDs, neighborScores, err := search(src, maxPerNode+1)
		if err != nil {
			continue
		}

		added := 0
		for j, nb := range neighborIDs {
			if nb == src || added >= maxPerNode {
				continue
			}
			if g.hasSimilarEdge(src, nb) {
				continue
			}
			weight := normalizeWeight(metric, neighborScores[j])
			if metric == distance.Dot {
				scores = append(scores, neighborScores[j])
				pairs = append(pairs, [2]string{src, nb})
				continue
			}
			if float64(weight) < threshold {
				continue
			}
			if _, err := g.AddEdge(Edge{Source: src, Target: nb, RelationshipType: SimilarToType, Weight: float64(weight), AutoDiscovered: true}); err == nil {
				result.EdgesAdded++
				added++
			}
		}
		result.NextCursor = DiscoveryCursor{LastID: src}
	}

	if len(pairs) > 0 {
		result.EdgesAdded += g.flushDotBatch(pairs, scores, threshold)
	}

	result.Done = start+result.NodesScanned >= len(ids)
	return result
}

func (g *Graph) hasSimilarEdge(source, target string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byKey[edgeKey{source, target, SimilarToType}]
	return ok
}

func (g *Graph) flushDotBatch(pairs [][2]string, scores []float32, threshold float64) int {
	min, max := scores[0], scores[0]
	for _, s := range scores {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	span := max - min
	if span <= 0 {
		span = 1
	}

	added := 0
	for i, p := range pairs {
		norm := float64((scores[i] - min) / span)
		if norm < threshold {
			continue
		}
		if _, err := g.AddEdge(Edge{Source: p[0], Target: p[1], RelationshipType: SimilarToType, Weight: norm, AutoDiscovered: true}); err == nil {
			added++
		}
	}
	return added
}

// normalizeWeight maps a raw metric score into [0,1] per §4.8.
func normalizeWeight(metric distance.Metric, score float32) float32 {
	switch metric {
	case distance.Cosine:
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		return score
	case distance.Euclidean:
		return math32.Exp(-score)
	default:
		// Dot product is normalized per-batch by the caller; return the
		// raw score here only for callers that bypass batch handling.
		return score
	}
}
