// Package distance implements the metric and quantization capability sets
// (C2): cosine/euclidean/dot distance, and scalar int8 quantization.
// Distance kernels use chewxy/math32 so no float64 round-trip is needed on
// the hot search path, following the teacher's float32-native HNSW in
// pkg/index/hnsw.go but generalized into tagged Metric variants per §9's
// "capability sets {encode, decode, distance}" design note.
package distance

import (
	"github.com/chewxy/math32"

	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// Metric identifies which distance function a collection uses. It is
// immutable once a collection is created (§3).
type Metric int

const (
	Cosine Metric = iota
	Euclidean
	Dot
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case Dot:
		return "dot"
	default:
		return "unknown"
	}
}

// ParseMetric converts a config string into a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine":
		return Cosine, nil
	case "euclidean":
		return Euclidean, nil
	case "dot":
		return Dot, nil
	default:
		return 0, vecerr.New("parse_metric", vecerr.InvalidArgument, "unknown metric %q", s)
	}
}

// RequiresNormalization reports whether vectors of this metric are
// L2-normalized once on insert (§4.2: cosine requires normalization;
// euclidean and dot do not).
func (m Metric) RequiresNormalization() bool {
	return m == Cosine
}

// Normalize returns the L2-normalized copy of v. A zero vector is returned
// unchanged (cosine similarity against it is conventionally zero).
func Normalize(v []float32) []float32 {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	norm := math32.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Distance computes the distance between a and b under metric m. Smaller
// is always "closer"; euclidean returns the squared distance internally
// (monotone in true distance, §4.2) and is only square-rooted when a
// caller needs a true-distance score.
func (m Metric) Distance(a, b []float32) float32 {
	switch m {
	case Cosine:
		// a, b are expected pre-normalized; dot product of unit vectors is
		// cosine similarity, so distance is 1 - similarity.
		return 1 - dot(a, b)
	case Dot:
		return -dot(a, b)
	case Euclidean:
		return sqEuclidean(a, b)
	default:
		return math32.Inf(1)
	}
}

// Score converts an internal distance value into the user-facing score for
// this metric: cosine/dot distances are already similarity-shaped once
// negated back, euclidean is square-rooted into a true distance.
func (m Metric) Score(internalDistance float32) float32 {
	switch m {
	case Cosine:
		return 1 - internalDistance
	case Dot:
		return -internalDistance
	case Euclidean:
		if internalDistance < 0 {
			internalDistance = 0
		}
		return math32.Sqrt(internalDistance)
	default:
		return internalDistance
	}
}

func dot(a, b []float32) float32 {
	var s float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

func sqEuclidean(a, b []float32) float32 {
	var s float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
