package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, Durability: FsyncOnEach})
	require.NoError(t, err)

	var lsns []uint64
	for i := 0; i < 5; i++ {
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(i))
		lsn, err := w.Append(OpInsert, body)
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, lsns)
	require.NoError(t, w.Close())

	w2, err := Open(Config{Dir: dir, Durability: FsyncOnEach})
	require.NoError(t, err)
	require.Equal(t, uint64(5), w2.LastLSN())

	var replayed []uint64
	err = w2.Replay(0, func(r Record) error {
		replayed = append(replayed, r.LSN)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, lsns, replayed)
	require.NoError(t, w2.Close())
}

func TestReplayAfterLSNSkipsApplied(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, Durability: FsyncOnEach})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(OpInsert, []byte("x"))
		require.NoError(t, err)
	}

	var replayed []uint64
	err = w.Replay(1, func(r Record) error {
		replayed = append(replayed, r.LSN)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3}, replayed)
	require.NoError(t, w.Close())
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentBytes: 64, Durability: FsyncOnEach})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := w.Append(OpInsert, []byte("01234567890123456789"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1, "expected more than one segment after rollover")
}

func TestTruncateRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, SegmentBytes: 48, Durability: FsyncOnEach})
	require.NoError(t, err)

	var lastLSN uint64
	for i := 0; i < 10; i++ {
		lsn, err := w.Append(OpInsert, []byte("0123456789012345"))
		require.NoError(t, err)
		lastLSN = lsn
	}
	require.NoError(t, w.Truncate(lastLSN))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), 1, "all segments fully covered by the snapshot should be removable except the active one")
	require.NoError(t, w.Close())
}

func TestCorruptionStopsReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, Durability: FsyncOnEach})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.Append(OpInsert, []byte("ok"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	segs, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, segs, 1)

	f, err := os.OpenFile(segs[0], os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, info.Size()-1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(Config{Dir: dir, Durability: FsyncOnEach})
	require.NoError(t, err)

	var replayed []uint64
	replayErr := w2.Replay(0, func(r Record) error {
		replayed = append(replayed, r.LSN)
		return nil
	})
	require.Error(t, replayErr)
	var corruptErr *CorruptionError
	require.ErrorAs(t, replayErr, &corruptErr)
	require.Equal(t, []uint64{1, 2}, replayed)
	require.NoError(t, w2.Close())
}
