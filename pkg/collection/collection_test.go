package collection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecdb-io/vecdb/pkg/distance"
	"github.com/vecdb-io/vecdb/pkg/index"
	"github.com/vecdb-io/vecdb/pkg/vecerr"
	"github.com/vecdb-io/vecdb/pkg/wal"
)

func newTestCollection(t *testing.T, dim int, metric distance.Metric) *Collection {
	t.Helper()
	w, err := wal.Open(wal.Config{Dir: t.TempDir(), Durability: wal.FsyncOnEach})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	c, err := New(Config{Name: "t", Dim: dim, Metric: metric, HNSW: index.DefaultParams()}, w, nil)
	require.NoError(t, err)
	return c
}

func TestInsertGetDelete(t *testing.T) {
	c := newTestCollection(t, 4, distance.Euclidean)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0, 0, 0}, map[string]any{"tag": "x"}))
	require.Equal(t, 1, c.Count())

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "x", v.Payload["tag"])

	require.NoError(t, c.Delete(ctx, "a"))
	require.Equal(t, 0, c.Count())
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestInsertDuplicateRejected(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 1}, nil))
	err := c.Insert(ctx, "a", []float32{1, 1}, nil)
	require.Error(t, err)
	require.Equal(t, vecerr.AlreadyExists, vecerr.KindOf(err))
}

func TestInsertWrongDimRejected(t *testing.T) {
	c := newTestCollection(t, 4, distance.Euclidean)
	err := c.Insert(context.Background(), "a", []float32{1, 2}, nil)
	require.Error(t, err)
	require.Equal(t, vecerr.InvalidArgument, vecerr.KindOf(err))
}

func TestUpdatePreservesUnsetFields(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 1}, map[string]any{"tag": "x"}))

	require.NoError(t, c.Update(ctx, "a", []float32{2, 2}, nil))
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, []float32{2, 2}, v.Data)
	require.Equal(t, "x", v.Payload["tag"], "payload must be unchanged when Update is called with nil payload")
}

func TestSearchByVectorReturnsHydratedResults(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, "a", []float32{0, 0}, map[string]any{"tag": "near"}))
	require.NoError(t, c.Insert(ctx, "b", []float32{10, 10}, map[string]any{"tag": "far"}))

	results, truncated, err := c.SearchByVector(ctx, []float32{0, 0}, 1, 10)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "near", results[0].Payload["tag"])
}

func TestDeleteUnknownReturnsNotFound(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	err := c.Delete(context.Background(), "ghost")
	require.Error(t, err)
	require.Equal(t, vecerr.NotFound, vecerr.KindOf(err))
}

func TestStatsReportsCounts(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 1}, nil))
	require.NoError(t, c.Insert(ctx, "b", []float32{2, 2}, nil))
	require.NoError(t, c.Delete(ctx, "a"))

	stats := c.Stats()
	require.Equal(t, 1, stats.VectorCount)
	require.Equal(t, "Ready", stats.Status)
}

// unavailableEmbedder always reports Unavailable, simulating an
// embedding service that is down.
type unavailableEmbedder struct{}

func (unavailableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, vecerr.New("embed", vecerr.Unavailable, "embedding service down")
}

// fakeLexical is a minimal in-memory LexicalSearcher for testing the
// embedder-Unavailable fallback path without pulling in bleve.
type fakeLexical struct {
	texts map[string]string
}

func (f *fakeLexical) IndexText(id, text string) error {
	if f.texts == nil {
		f.texts = make(map[string]string)
	}
	f.texts[id] = text
	return nil
}

func (f *fakeLexical) DeleteText(id string) error {
	delete(f.texts, id)
	return nil
}

func (f *fakeLexical) Search(query string, k int) ([]string, []float32, error) {
	var ids []string
	var scores []float32
	for id, text := range f.texts {
		if text == query {
			ids = append(ids, id)
			scores = append(scores, 1)
		}
	}
	return ids, scores, nil
}

func TestSearchByTextFallsBackToLexicalWhenEmbedderUnavailable(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	c.SetEmbedder(unavailableEmbedder{})
	lex := &fakeLexical{}
	c.SetLexicalSearcher(lex)
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 1}, map[string]any{"text": "hello world"}))

	results, truncated, err := c.SearchByText(ctx, "hello world", 5, 10)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}

func TestSearchByTextFailsWithoutLexicalFallback(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	c.SetEmbedder(unavailableEmbedder{})

	_, _, err := c.SearchByText(context.Background(), "hello", 5, 10)
	require.Error(t, err)
	require.Equal(t, vecerr.Unavailable, vecerr.KindOf(err))
}

func TestNeighborSearchExcludesSelf(t *testing.T) {
	c := newTestCollection(t, 2, distance.Euclidean)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, "a", []float32{0, 0}, nil))
	require.NoError(t, c.Insert(ctx, "b", []float32{1, 1}, nil))

	ids, scores, err := c.NeighborSearch("a", 5)
	require.NoError(t, err)
	require.NotContains(t, ids, "a")
	require.Len(t, ids, len(scores))
}
