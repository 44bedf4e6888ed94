package distance

import (
	"sync"

	"github.com/chewxy/math32"

	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// QuantizationKind tags which quantization variant a collection uses (§3).
type QuantizationKind int

const (
	NoQuant QuantizationKind = iota
	ScalarI8
)

func (k QuantizationKind) String() string {
	if k == ScalarI8 {
		return "scalar_i8"
	}
	return "none"
}

// Quantizer is the capability set {encode, decode} dispatched by
// collection config (§9 design note), generalizing the teacher's
// quantization.Quantizer interface (Encode/Decode on raw bytes) into a
// typed per-dimension affine codec that matches §4.2 exactly.
type Quantizer interface {
	Kind() QuantizationKind
	Encode(v []float32) []int8
	Decode(q []int8) []float32
	// NeedsRequantization reports whether inserting v would fall far enough
	// outside the recorded per-dim range to flag the collection for lazy
	// re-quantization (§4.2: more than 5% outside recorded min/max).
	NeedsRequantization(v []float32) bool
	// Observe folds v into the recorded min/max without re-fitting scales,
	// used while accumulating training data before the first Fit.
	Observe(v []float32)
	Dim() int
}

// ScalarQuantizer implements per-dimension affine int8 quantization:
// q = round((x - offset) / scale) clamped to [-127, 127].
type ScalarQuantizer struct {
	mu     sync.RWMutex
	dim    int
	min    []float32
	max    []float32
	scale  []float32
	offset []float32
	fitted bool
}

// NewScalarQuantizer creates an untrained quantizer for the given
// dimensionality; call Fit (or Observe repeatedly then Fit) before Encode.
func NewScalarQuantizer(dim int) *ScalarQuantizer {
	return &ScalarQuantizer{
		dim: dim,
		min: make([]float32, dim),
		max: make([]float32, dim),
	}
}

func (q *ScalarQuantizer) Kind() QuantizationKind { return ScalarI8 }
func (q *ScalarQuantizer) Dim() int                { return q.dim }

// Observe widens the recorded per-dimension range to cover v.
func (q *ScalarQuantizer) Observe(v []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observeLocked(v)
}

func (q *ScalarQuantizer) observeLocked(v []float32) {
	if !q.fitted && q.allZeroRangeLocked() {
		copy(q.min, v)
		copy(q.max, v)
	}
	for i, x := range v {
		if i >= q.dim {
			break
		}
		if x < q.min[i] {
			q.min[i] = x
		}
		if x > q.max[i] {
			q.max[i] = x
		}
	}
}

func (q *ScalarQuantizer) allZeroRangeLocked() bool {
	for i := range q.min {
		if q.min[i] != 0 || q.max[i] != 0 {
			return false
		}
	}
	return true
}

// Fit recomputes scale/offset from the recorded min/max. Must be called
// after Observe(s) and before Encode/Decode are trusted to be accurate.
func (q *ScalarQuantizer) Fit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scale = make([]float32, q.dim)
	q.offset = make([]float32, q.dim)
	for i := 0; i < q.dim; i++ {
		span := q.max[i] - q.min[i]
		if span <= 0 {
			span = 1e-6
		}
		q.scale[i] = span / 254 // maps [-127,127] range, 254 steps
		q.offset[i] = q.min[i] + span/2
	}
	q.fitted = true
}

// Encode quantizes v deterministically per §4.2.
func (q *ScalarQuantizer) Encode(v []float32) []int8 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]int8, len(v))
	for i, x := range v {
		if i >= len(q.scale) || q.scale[i] == 0 {
			out[i] = 0
			continue
		}
		val := (x - q.offset[i]) / q.scale[i]
		rounded := math32.Round(val)
		if rounded > 127 {
			rounded = 127
		} else if rounded < -127 {
			rounded = -127
		}
		out[i] = int8(rounded)
	}
	return out
}

// Decode reconstructs a float32 vector from quantized bytes.
func (q *ScalarQuantizer) Decode(enc []int8) []float32 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]float32, len(enc))
	for i, qv := range enc {
		if i >= len(q.scale) {
			out[i] = 0
			continue
		}
		out[i] = float32(qv)*q.scale[i] + q.offset[i]
	}
	return out
}

// DecodeDims reconstructs only the coordinates listed in dims — the "fast
// path" of §4.2 that avoids decoding the whole vector when a distance
// kernel only needs a subset of coordinates (e.g. a partial early-exit
// distance accumulator).
func (q *ScalarQuantizer) DecodeDims(enc []int8, dims []int) []float32 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]float32, len(dims))
	for i, d := range dims {
		if d >= len(enc) || d >= len(q.scale) {
			continue
		}
		out[i] = float32(enc[d])*q.scale[d] + q.offset[d]
	}
	return out
}

// NeedsRequantization reports whether v's coordinates lie more than 5%
// outside the currently fitted range for any dimension (§4.2).
func (q *ScalarQuantizer) NeedsRequantization(v []float32) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.fitted {
		return false
	}
	for i, x := range v {
		if i >= q.dim {
			break
		}
		span := q.max[i] - q.min[i]
		if span <= 0 {
			span = 1e-6
		}
		slack := span * 0.05
		if x < q.min[i]-slack || x > q.max[i]+slack {
			return true
		}
	}
	return false
}

// Range returns a copy of the currently fitted per-dimension min/max,
// used when serializing the quantization section of a .vecdb archive.
func (q *ScalarQuantizer) Range() (min, max []float32) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	min = append([]float32(nil), q.min...)
	max = append([]float32(nil), q.max...)
	return
}

// ScaleOffset returns a copy of the fitted per-dimension scale/offset.
func (q *ScalarQuantizer) ScaleOffset() (scale, offset []float32) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	scale = append([]float32(nil), q.scale...)
	offset = append([]float32(nil), q.offset...)
	return
}

// LoadRange restores a quantizer from a previously fitted min/max/scale/offset
// (used by snapshot load, §4.6).
func LoadRange(dim int, min, max, scale, offset []float32) (*ScalarQuantizer, error) {
	if len(min) != dim || len(max) != dim {
		return nil, vecerr.New("load_range", vecerr.DataLoss, "quantization range length mismatch for dim %d", dim)
	}
	q := &ScalarQuantizer{dim: dim, min: min, max: max, scale: scale, offset: offset, fitted: true}
	return q, nil
}
