package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecdb-io/vecdb/pkg/config"
	"github.com/vecdb-io/vecdb/pkg/distance"
	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestCreateAndGetCollection(t *testing.T) {
	e, err := Open(testConfig(t), nil)
	require.NoError(t, err)
	defer e.Close()

	col, err := e.CreateCollection("docs", CreateOptions{Dim: 3, Metric: distance.Cosine})
	require.NoError(t, err)
	require.NotNil(t, col)

	got, err := e.Get("docs")
	require.NoError(t, err)
	require.Same(t, col, got)
	require.Equal(t, []string{"docs"}, e.List())
}

func TestCreateDuplicateRejected(t *testing.T) {
	e, err := Open(testConfig(t), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateCollection("docs", CreateOptions{Dim: 3, Metric: distance.Cosine})
	require.NoError(t, err)
	_, err = e.CreateCollection("docs", CreateOptions{Dim: 3, Metric: distance.Cosine})
	require.Equal(t, vecerr.AlreadyExists, vecerr.KindOf(err))
}

func TestDropRemovesCollectionAndFiles(t *testing.T) {
	e, err := Open(testConfig(t), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateCollection("docs", CreateOptions{Dim: 2, Metric: distance.Cosine})
	require.NoError(t, err)

	require.NoError(t, e.Drop(context.Background(), "docs"))
	_, err = e.Get("docs")
	require.Equal(t, vecerr.NotFound, vecerr.KindOf(err))
	require.Empty(t, e.List())

	_, statErr := os.Stat(e.collectionDir("docs"))
	require.True(t, os.IsNotExist(statErr))
}

func TestSecondOpenOfSameDataDirFails(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(cfg, nil)
	require.Error(t, err)
}

func TestSnapshotThenReopenRecoversVectors(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, nil)
	require.NoError(t, err)

	col, err := e.CreateCollection("docs", CreateOptions{Dim: 2, Metric: distance.Euclidean})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, col.Insert(ctx, "a", []float32{1, 1}, nil))

	require.NoError(t, e.Snapshot(ctx, "docs"))
	require.NoError(t, e.Close())

	e2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer e2.Close()

	col2, err := e2.Get("docs")
	require.NoError(t, err)
	_, ok := col2.Get("a")
	require.True(t, ok)
}
