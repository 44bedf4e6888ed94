// Package vecmodel defines the vector and payload data model (C1):
// typed entities, IDs, and the validation rules every insert/update must
// pass before it is allowed to reach the WAL.
package vecmodel

import (
	"encoding/json"
	"math"
	"time"
	"unicode/utf8"

	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// MaxIDBytes is the largest an id may be, per §4.1.
const MaxIDBytes = 512

// DefaultMaxPayloadBytes is the default serialized payload cap (§4.1).
const DefaultMaxPayloadBytes = 64 * 1024

// MinDim and MaxDim bound a collection's dimensionality (§3).
const (
	MinDim = 1
	MaxDim = 65536
)

// Vector is one stored entity: an id, its coordinates, and an optional
// JSON-ish payload. Payload values are kept as map[string]any so callers
// can round-trip arbitrary JSON.
type Vector struct {
	ID        string
	Data      []float32
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep-enough copy so that callers can mutate the result
// without affecting the stored vector. Data and payload are copied;
// nested payload values are shared (consistent with JSON value semantics
// once decoded — they are treated as immutable after decode).
func (v *Vector) Clone() *Vector {
	if v == nil {
		return nil
	}
	data := make([]float32, len(v.Data))
	copy(data, v.Data)
	var payload map[string]any
	if v.Payload != nil {
		payload = make(map[string]any, len(v.Payload))
		for k, val := range v.Payload {
			payload[k] = val
		}
	}
	return &Vector{ID: v.ID, Data: data, Payload: payload, CreatedAt: v.CreatedAt, UpdatedAt: v.UpdatedAt}
}

// NormalizeID validates and returns the canonical form of an id: non-empty,
// valid UTF-8, at most MaxIDBytes.
func NormalizeID(id string) (string, error) {
	if id == "" {
		return "", vecerr.New("normalize_id", vecerr.InvalidArgument, "id must not be empty")
	}
	if !utf8.ValidString(id) {
		return "", vecerr.New("normalize_id", vecerr.InvalidArgument, "id must be valid UTF-8")
	}
	if len(id) > MaxIDBytes {
		return "", vecerr.New("normalize_id", vecerr.InvalidArgument, "id exceeds %d bytes", MaxIDBytes)
	}
	return id, nil
}

// ValidateData checks that data has exactly dim finite float32 coordinates.
func ValidateData(data []float32, dim int) error {
	if len(data) != dim {
		return vecerr.New("validate", vecerr.InvalidArgument, "vector has %d dims, collection expects %d", len(data), dim)
	}
	for i, x := range data {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return vecerr.New("validate", vecerr.InvalidArgument, "vector coordinate %d is NaN or Inf", i)
		}
	}
	return nil
}

// ValidateDim checks a collection's declared dimensionality is in range.
func ValidateDim(dim int) error {
	if dim < MinDim || dim > MaxDim {
		return vecerr.New("validate", vecerr.InvalidArgument, "dim %d outside [%d,%d]", dim, MinDim, MaxDim)
	}
	return nil
}

// PayloadSize estimates the serialized size of a payload using a cheap
// JSON-shaped walk rather than a full json.Marshal round-trip on the hot
// insert path; callers that need an exact byte count should marshal
// directly. This is deliberately conservative (over-counts rather than
// under-counts) so the cap in §4.1 is never silently exceeded.
func PayloadSize(payload map[string]any) int {
	if payload == nil {
		return 0
	}
	return jsonSize(payload)
}

func jsonSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 4 // "null"
	case string:
		b, _ := json.Marshal(t)
		return len(b)
	case bool:
		if t {
			return 4
		}
		return 5
	case float64:
		return 24 // generous upper bound for a float64 literal
	case int, int32, int64:
		return 20
	case map[string]any:
		n := 2
		for k, val := range t {
			kb, _ := json.Marshal(k)
			n += len(kb) + 1 + jsonSize(val)
		}
		if len(t) > 1 {
			n += len(t) - 1 // commas between members
		}
		return n
	case []any:
		n := 2
		for _, val := range t {
			n += jsonSize(val) + 1
		}
		return n
	default:
		if b, err := json.Marshal(t); err == nil {
			return len(b)
		}
		return 32
	}
}

// Validate checks a payload against the configured max size (§4.1).
func ValidatePayload(payload map[string]any, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	if size := PayloadSize(payload); size > maxBytes {
		return vecerr.New("validate", vecerr.InvalidArgument, "payload %d bytes exceeds max %d", size, maxBytes)
	}
	return nil
}
