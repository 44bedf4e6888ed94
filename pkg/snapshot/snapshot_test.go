package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	snap := Snapshot{
		Manifest: Manifest{Name: "col", Dim: 3, Metric: "cosine", VectorCount: 2, LastAppliedLSN: 42},
		Vectors: []VectorRecord{
			{ID: "a", Data: []float32{1, 2, 3}, Payload: map[string]any{"tag": "x"}},
			{ID: "b", Data: []float32{4, 5, 6}},
		},
	}

	path := filepath.Join(t.TempDir(), "snap.vecdb")
	require.NoError(t, Write(path, snap))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, "col", got.Manifest.Name)
	require.Equal(t, uint64(42), got.Manifest.LastAppliedLSN)
	require.Len(t, got.Vectors, 2)
	require.Equal(t, "a", got.Vectors[0].ID)
	require.Equal(t, []float32{1, 2, 3}, got.Vectors[0].Data)
	require.Equal(t, "x", got.Vectors[0].Payload["tag"])
}

func TestReadRejectsCorruptedArchive(t *testing.T) {
	snap := Snapshot{Manifest: Manifest{Name: "col", Dim: 1}, Vectors: []VectorRecord{{ID: "a", Data: []float32{1}}}}
	path := filepath.Join(t.TempDir(), "snap.vecdb")
	require.NoError(t, Write(path, snap))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Read(path)
	require.Error(t, err)
}

func TestQuantRangeRoundTrip(t *testing.T) {
	snap := Snapshot{
		Manifest: Manifest{Name: "col", Dim: 2},
		Quant:    &QuantRange{Min: []float32{0, 0}, Max: []float32{1, 1}, Scale: []float32{0.5, 0.5}, Offset: []float32{0, 0}},
	}
	path := filepath.Join(t.TempDir(), "snap.vecdb")
	require.NoError(t, Write(path, snap))

	got, err := Read(path)
	require.NoError(t, err)
	require.NotNil(t, got.Quant)
	require.Equal(t, []float32{1, 1}, got.Quant.Max)

	q, err := got.Quant.ToQuantizer(2)
	require.NoError(t, err)
	require.NotNil(t, q)
}
