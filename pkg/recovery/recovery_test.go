package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecdb-io/vecdb/pkg/collection"
	"github.com/vecdb-io/vecdb/pkg/distance"
	"github.com/vecdb-io/vecdb/pkg/index"
	"github.com/vecdb-io/vecdb/pkg/snapshot"
	"github.com/vecdb-io/vecdb/pkg/wal"
)

func newCollection(t *testing.T, walDir string) (*collection.Collection, *wal.WAL) {
	t.Helper()
	w, err := wal.Open(wal.Config{Dir: walDir, Durability: wal.FsyncOnEach})
	require.NoError(t, err)
	c, err := collection.New(collection.Config{Name: "t", Dim: 2, Metric: distance.Euclidean, HNSW: index.DefaultParams()}, w, nil)
	require.NoError(t, err)
	return c, w
}

func TestRecoverFromWALOnly(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	snapDir := filepath.Join(dir, "snapshots")

	c, w := newCollection(t, walDir)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 1}, nil))
	require.NoError(t, c.Insert(ctx, "b", []float32{2, 2}, nil))
	require.NoError(t, c.Delete(ctx, "a"))
	require.NoError(t, w.Close())

	w2, err := wal.Open(wal.Config{Dir: walDir, Durability: wal.FsyncOnEach})
	require.NoError(t, err)
	c2, _ := newCollectionNoOpen(t, w2)

	report, err := Recover(c2, w2, snapDir, nil)
	require.NoError(t, err)
	require.Equal(t, 3, report.RecordsReplayed)
	require.True(t, report.ConsistencyOK)
	require.Equal(t, 1, c2.Count())
	_, ok := c2.Get("b")
	require.True(t, ok)
}

func newCollectionNoOpen(t *testing.T, w *wal.WAL) (*collection.Collection, *wal.WAL) {
	t.Helper()
	c, err := collection.New(collection.Config{Name: "t", Dim: 2, Metric: distance.Euclidean, HNSW: index.DefaultParams()}, w, nil)
	require.NoError(t, err)
	return c, w
}

func TestRecoverFromSnapshotPlusWAL(t *testing.T) {
	dir := t.TempDir()
	walDir := filepath.Join(dir, "wal")
	snapDir := filepath.Join(dir, "snapshots")

	c, w := newCollection(t, walDir)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 1}, nil))
	lsnAfterA := c.Stats().LastAppliedLSN

	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	snap := snapshot.Snapshot{
		Manifest: snapshot.Manifest{Name: "t", Dim: 2, VectorCount: 1, LastAppliedLSN: lsnAfterA},
		Vectors:  []snapshot.VectorRecord{{ID: "a", Data: []float32{1, 1}}},
	}
	require.NoError(t, snapshot.Write(filepath.Join(snapDir, "00000000000001.vecdb"), snap))

	require.NoError(t, c.Insert(ctx, "b", []float32{2, 2}, nil))
	require.NoError(t, w.Close())

	w2, err := wal.Open(wal.Config{Dir: walDir, Durability: wal.FsyncOnEach})
	require.NoError(t, err)
	c2, _ := newCollectionNoOpen(t, w2)

	report, err := Recover(c2, w2, snapDir, nil)
	require.NoError(t, err)
	require.NotEmpty(t, report.SnapshotUsed)
	require.Equal(t, 1, report.RecordsReplayed, "only the post-snapshot insert should replay")
	require.Equal(t, 2, c2.Count())
}
