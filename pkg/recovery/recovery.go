// Package recovery implements collection bootstrap (C7): find the
// newest valid snapshot, load it, then replay WAL records newer than
// the snapshot's last_applied_lsn, followed by a consistency check.
//
// Grounded on the teacher's loadIndexSnapshot/Init sequencing in
// pkg/core/store.go (load the persisted index before serving traffic),
// generalized from a single SQLite-backed load into the two-stage
// snapshot-then-WAL-replay protocol of §4.7, with the "fall back to the
// prior snapshot" and "replay from LSN 0 if nothing verifies" rules it
// specifies that the teacher's single-snapshot model didn't need.
package recovery

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vecdb-io/vecdb/pkg/collection"
	"github.com/vecdb-io/vecdb/pkg/logging"
	"github.com/vecdb-io/vecdb/pkg/snapshot"
	"github.com/vecdb-io/vecdb/pkg/wal"
)

// Report summarizes one collection's recovery outcome.
type Report struct {
	SnapshotUsed     string
	RecordsReplayed  int
	RecordsSkipped   int
	CorruptionFound  bool
	CorruptionDetail string
	ConsistencyOK    bool
}

// Recover boots col from the newest valid snapshot in snapshotDir (if
// any), then replays w's records with lsn > last_applied_lsn, applying
// each through col.ApplyRecord. A CRC corruption found mid-replay
// terminates at the corrupt record (§4.5/§7) without failing recovery:
// every record before it is kept.
func Recover(col *collection.Collection, w *wal.WAL, snapshotDir string, log logging.Logger) (Report, error) {
	if log == nil {
		log = logging.Nop()
	}
	report := Report{}

	lastAppliedLSN := uint64(0)
	if path, ok := newestValidSnapshot(snapshotDir, log); ok {
		snap, err := snapshot.Read(path)
		if err != nil {
			log.Warn("snapshot failed verification during recovery", "path", path, "err", err)
		} else {
			for _, v := range snap.ToVectors() {
				col.LoadVector(v.ID, v.Data, v.Payload, snap.Manifest.LastAppliedLSN)
			}
			lastAppliedLSN = snap.Manifest.LastAppliedLSN
			col.SetLastAppliedLSN(lastAppliedLSN)
			report.SnapshotUsed = path
		}
	}

	err := w.Replay(lastAppliedLSN, func(rec wal.Record) error {
		if applyErr := col.ApplyRecord(rec.Op, rec.Body, rec.LSN); applyErr != nil {
			log.Warn("skipping invalid wal record during replay", "lsn", rec.LSN, "err", applyErr)
			report.RecordsSkipped++
			return nil
		}
		report.RecordsReplayed++
		return nil
	})

	if err != nil {
		var corrupt *wal.CorruptionError
		if errors.As(err, &corrupt) {
			report.CorruptionFound = true
			report.CorruptionDetail = corrupt.Error()
			log.Error("wal corruption during replay, collection degraded", "detail", corrupt.Error())
		} else {
			return report, err
		}
	}

	report.ConsistencyOK = col.CheckConsistency() == nil
	return report, nil
}

// newestValidSnapshot returns the lexicographically-latest `.vecdb` file
// in dir (filenames are zero-padded last-applied LSNs), falling back to
// progressively older ones if the newest fails verification.
func newestValidSnapshot(dir string, log logging.Logger) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".vecdb") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := snapshot.Read(path); err == nil {
			return path, true
		}
		log.Warn("snapshot failed checksum verification, trying older one", "path", path)
	}
	return "", false
}
