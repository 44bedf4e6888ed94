// Package engine implements the process-level facade (C10): a registry of
// named collections backed by one data directory, guarded by a
// cross-process file lock so two engine instances never open the same
// data root concurrently, plus collection lifecycle (create/drop/list/
// stats) and two-phase drop (§4.8: drain writers before deleting files).
//
// Grounded on the teacher's top-level Store lifecycle in pkg/core/store.go
// (Init/Close owning the on-disk layout), extended with a gofrs/flock
// data-root lock in the style of Aman-CERP-amanmcp's internal/embed/lock.go
// and a scheduler-backed drain step the teacher's single-store model
// didn't need.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/vecdb-io/vecdb/pkg/collection"
	"github.com/vecdb-io/vecdb/pkg/config"
	"github.com/vecdb-io/vecdb/pkg/distance"
	"github.com/vecdb-io/vecdb/pkg/graph"
	"github.com/vecdb-io/vecdb/pkg/index"
	"github.com/vecdb-io/vecdb/pkg/lexical"
	"github.com/vecdb-io/vecdb/pkg/logging"
	"github.com/vecdb-io/vecdb/pkg/recovery"
	"github.com/vecdb-io/vecdb/pkg/scheduler"
	"github.com/vecdb-io/vecdb/pkg/snapshot"
	"github.com/vecdb-io/vecdb/pkg/vecerr"
	"github.com/vecdb-io/vecdb/pkg/wal"
)

// entryState tracks a registered collection's lifecycle (§4.8).
type entryState int

const (
	stateActive entryState = iota
	stateDraining
)

type entry struct {
	col   *collection.Collection
	w     *wal.WAL
	lex   *lexical.Index
	stop  chan struct{}
	state entryState
}

// Engine owns one data directory's worth of collections: it holds the
// data-root lock for the process's lifetime and mediates every
// create/open/drop so no two collections of the same name exist at once.
type Engine struct {
	cfg   config.Config
	log   logging.Logger
	sched *scheduler.Scheduler
	lock  *flock.Flock

	mu      sync.RWMutex
	entries map[string]*entry
}

// Open acquires the data-root lock and returns a ready Engine, recovering
// any collections already present on disk (§4.7: every collection boots
// from its own snapshot+WAL independently).
func Open(cfg config.Config, log logging.Logger) (*Engine, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, vecerr.New("engine.open", vecerr.Internal, "create data dir %s: %v", cfg.DataDir, err)
	}

	lockPath := filepath.Join(cfg.DataDir, "engine.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, vecerr.New("engine.open", vecerr.Internal, "acquire data root lock: %v", err)
	}
	if !locked {
		return nil, vecerr.New("engine.open", vecerr.Unavailable, "data directory %s is locked by another process", cfg.DataDir)
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		sched:   scheduler.New(4, log),
		lock:    lock,
		entries: make(map[string]*entry),
	}
	log.Info("engine opened", "data_dir", cfg.DataDir, "soft_memory_cap", humanize.Bytes(uint64(cfg.Limits.SoftMemoryMB)<<20))

	names, err := e.onDiskCollections()
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	for _, name := range names {
		if _, err := e.openExisting(name); err != nil {
			_ = lock.Unlock()
			return nil, fmt.Errorf("engine: recover collection %q: %w", name, err)
		}
	}
	return e, nil
}

func (e *Engine) onDiskCollections() ([]string, error) {
	root := filepath.Join(e.cfg.DataDir, "collections")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, vecerr.New("engine.open", vecerr.Internal, "list collections: %v", err)
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e *Engine) collectionDir(name string) string {
	return filepath.Join(e.cfg.DataDir, "collections", name)
}

func (e *Engine) walDir(name string) string  { return filepath.Join(e.collectionDir(name), "wal") }
func (e *Engine) snapDir(name string) string  { return filepath.Join(e.collectionDir(name), "snapshots") }
func (e *Engine) metaPath(name string) string { return filepath.Join(e.collectionDir(name), "meta.json") }
func (e *Engine) lexDir(name string) string   { return filepath.Join(e.collectionDir(name), "lexical") }

// CreateOptions configures a new collection (§4.2's Collection creation
// parameters, beyond the engine-wide defaults in config.Config).
type CreateOptions struct {
	Dim       int
	Metric    distance.Metric
	Quantized bool
	HNSW      index.Params
}

// CreateCollection creates and registers a new, empty collection.
func (e *Engine) CreateCollection(name string, opts CreateOptions) (*collection.Collection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.entries[name]; exists {
		return nil, vecerr.New("engine.create_collection", vecerr.AlreadyExists, "collection %q already exists", name)
	}
	if opts.Dim <= 0 {
		return nil, vecerr.New("engine.create_collection", vecerr.InvalidArgument, "dim must be positive")
	}
	if (opts.HNSW == index.Params{}) {
		opts.HNSW = index.DefaultParams()
	}

	if err := os.MkdirAll(e.walDir(name), 0o755); err != nil {
		return nil, vecerr.New("engine.create_collection", vecerr.Internal, "create wal dir: %v", err)
	}
	if err := os.MkdirAll(e.snapDir(name), 0o755); err != nil {
		return nil, vecerr.New("engine.create_collection", vecerr.Internal, "create snapshot dir: %v", err)
	}

	w, err := wal.Open(wal.Config{Dir: e.walDir(name), Durability: e.walDurability(), SegmentBytes: e.cfg.WAL.SegmentBytes, IntervalMS: e.cfg.WAL.IntervalMS})
	if err != nil {
		return nil, vecerr.New("engine.create_collection", vecerr.Internal, "open wal: %v", err)
	}

	col, err := collection.New(collection.Config{
		Name:            name,
		Dim:             opts.Dim,
		Metric:          opts.Metric,
		Quantized:       opts.Quantized,
		HNSW:            opts.HNSW,
		MaxPayloadBytes: e.cfg.Limits.MaxPayloadBytes,
	}, w, e.log)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	if err := e.writeMeta(name, collectionMeta{Dim: opts.Dim, Metric: opts.Metric, Quantized: opts.Quantized, HNSW: opts.HNSW}); err != nil {
		_ = w.Close()
		return nil, err
	}

	lex, err := lexical.Open(e.lexDir(name))
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	col.SetScheduler(e.sched)
	col.SetLexicalSearcher(lex)
	stop := make(chan struct{})
	e.entries[name] = &entry{col: col, w: w, lex: lex, stop: stop, state: stateActive}
	go e.runBackgroundJobs(name, stop)
	return col, nil
}

func (e *Engine) walDurability() wal.Durability {
	switch e.cfg.WAL.Durability {
	case config.DurabilityEach:
		return wal.FsyncOnEach
	case config.DurabilityInterval:
		return wal.FsyncInterval
	default:
		return wal.FsyncGroupCommit
	}
}

// openExisting reopens a collection already present on disk, replaying
// its WAL atop its newest valid snapshot (§4.7).
func (e *Engine) openExisting(name string) (*collection.Collection, error) {
	meta, err := e.readMeta(name)
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(wal.Config{Dir: e.walDir(name), Durability: e.walDurability(), SegmentBytes: e.cfg.WAL.SegmentBytes, IntervalMS: e.cfg.WAL.IntervalMS})
	if err != nil {
		return nil, vecerr.New("engine.open_existing", vecerr.Internal, "open wal for %q: %v", name, err)
	}

	col, err := collection.New(collection.Config{
		Name:            name,
		Dim:             meta.Dim,
		Metric:          meta.Metric,
		Quantized:       meta.Quantized,
		HNSW:            meta.HNSW,
		MaxPayloadBytes: e.cfg.Limits.MaxPayloadBytes,
	}, w, e.log)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	report, err := recovery.Recover(col, w, e.snapDir(name), e.log)
	if err != nil {
		_ = w.Close()
		return nil, vecerr.New("engine.open_existing", vecerr.Internal, "recover %q: %v", name, err)
	}
	if report.CorruptionFound {
		e.log.Warn("wal corruption tolerated during recovery", "collection", name, "detail", report.CorruptionDetail)
	}
	if !report.ConsistencyOK {
		e.log.Warn("collection failed consistency check on recovery, rebuilding index", "collection", name)
		col.Rebuild()
	}

	lex, err := lexical.Open(e.lexDir(name))
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	col.SetScheduler(e.sched)
	col.SetLexicalSearcher(lex)
	stop := make(chan struct{})
	e.entries[name] = &entry{col: col, w: w, lex: lex, stop: stop, state: stateActive}
	go e.runBackgroundJobs(name, stop)
	return col, nil
}

// collectionMeta is the small on-disk record of a collection's immutable
// creation parameters, needed to reopen it without replaying from empty.
// Written once at CreateCollection time (meta.json) so a collection that
// has never been snapshotted — populated purely through the WAL — can
// still be reopened after a restart; a newer snapshot's manifest, when
// one exists, carries the same fields and is kept only as a fallback for
// data directories created before meta.json existed.
type collectionMeta struct {
	Dim       int
	Metric    distance.Metric
	Quantized bool
	HNSW      index.Params
}

type collectionMetaFile struct {
	Dim       int          `json:"dim"`
	Metric    string       `json:"metric"`
	Quantized bool         `json:"quantized"`
	HNSW      index.Params `json:"hnsw"`
}

func (e *Engine) writeMeta(name string, meta collectionMeta) error {
	data, err := json.Marshal(collectionMetaFile{
		Dim:       meta.Dim,
		Metric:    meta.Metric.String(),
		Quantized: meta.Quantized,
		HNSW:      meta.HNSW,
	})
	if err != nil {
		return vecerr.New("engine.write_meta", vecerr.Internal, "encode meta for %q: %v", name, err)
	}
	if err := renameio.WriteFile(e.metaPath(name), data, 0o644); err != nil {
		return vecerr.New("engine.write_meta", vecerr.Internal, "write meta for %q: %v", name, err)
	}
	return nil
}

func (e *Engine) readMeta(name string) (collectionMeta, error) {
	if data, err := os.ReadFile(e.metaPath(name)); err == nil {
		var mf collectionMetaFile
		if err := json.Unmarshal(data, &mf); err != nil {
			return collectionMeta{}, vecerr.New("engine.read_meta", vecerr.DataLoss, "decode meta for %q: %v", name, err)
		}
		return collectionMeta{Dim: mf.Dim, Metric: mustParseMetric(mf.Metric), Quantized: mf.Quantized, HNSW: mf.HNSW}, nil
	}

	snap, ok := e.newestSnapshot(name)
	if !ok {
		return collectionMeta{}, vecerr.New("engine.read_meta", vecerr.NotFound, "no metadata for %q", name)
	}
	return collectionMeta{
		Dim:    snap.Manifest.Dim,
		Metric:    mustParseMetric(snap.Manifest.Metric),
		Quantized: snap.Manifest.Quantization == "scalar_int8",
		HNSW:      snap.Manifest.IndexParams,
	}, nil
}

func mustParseMetric(s string) distance.Metric {
	m, err := distance.ParseMetric(s)
	if err != nil {
		return distance.Cosine
	}
	return m
}

func (e *Engine) newestSnapshot(name string) (snapshot.Snapshot, bool) {
	entries, err := os.ReadDir(e.snapDir(name))
	if err != nil {
		return snapshot.Snapshot{}, false
	}
	var newest string
	for _, ent := range entries {
		if !ent.IsDir() && ent.Name() > newest {
			newest = ent.Name()
		}
	}
	if newest == "" {
		return snapshot.Snapshot{}, false
	}
	snap, err := snapshot.Read(filepath.Join(e.snapDir(name), newest))
	if err != nil {
		return snapshot.Snapshot{}, false
	}
	return snap, true
}

// Get returns a registered collection by name.
func (e *Engine) Get(name string) (*collection.Collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[name]
	if !ok || ent.state == stateDraining {
		return nil, vecerr.New("engine.get", vecerr.NotFound, "collection %q not found", name)
	}
	return ent.col, nil
}

// List returns the names of all registered, non-draining collections.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.entries))
	for name, ent := range e.entries {
		if ent.state == stateActive {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Drop removes a collection in two phases (§4.8): mark it Draining so new
// writes are rejected, wait for in-flight writers to finish via the
// scheduler's write ticket, then delete its on-disk files.
func (e *Engine) Drop(ctx context.Context, name string) error {
	e.mu.Lock()
	ent, ok := e.entries[name]
	if !ok {
		e.mu.Unlock()
		return vecerr.New("engine.drop", vecerr.NotFound, "collection %q not found", name)
	}
	ent.state = stateDraining
	e.mu.Unlock()

	close(ent.stop)

	if err := e.sched.WithWriteTicket(ctx, name, func(ctx context.Context) error {
		if ent.lex != nil {
			_ = ent.lex.Close()
		}
		return ent.w.Close()
	}); err != nil {
		return vecerr.New("engine.drop", vecerr.Internal, "close wal for %q: %v", name, err)
	}

	e.mu.Lock()
	delete(e.entries, name)
	e.mu.Unlock()

	if err := os.RemoveAll(e.collectionDir(name)); err != nil {
		return vecerr.New("engine.drop", vecerr.Internal, "remove data for %q: %v", name, err)
	}
	return nil
}

// Snapshot triggers an immediate snapshot of name, writing it under the
// engine's retention policy (§4.6).
func (e *Engine) Snapshot(ctx context.Context, name string) error {
	ent, err := e.getEntry(name)
	if err != nil {
		return err
	}
	return e.sched.SubmitAndWait(ctx, scheduler.Job{
		Kind:       scheduler.JobSnapshot,
		Collection: name,
		Run: func(ctx context.Context) error {
			return e.writeSnapshot(ctx, name, ent.col, ent.w)
		},
	})
}

func (e *Engine) getEntry(name string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[name]
	if !ok || ent.state == stateDraining {
		return nil, vecerr.New("engine.get_entry", vecerr.NotFound, "collection %q not found", name)
	}
	return ent, nil
}

// writeSnapshot captures a read-consistent view of col (stats, the full
// vector list, and each vector's data) under the collection's read
// ticket, so a concurrent Insert/Update/Delete cannot leak a vector into
// the snapshot while the manifest's last_applied_lsn reflects a different
// point in time (§4.6, §8). Once the snapshot is durably written and
// pruned, the WAL segments it fully covers are truncated (§4.5).
func (e *Engine) writeSnapshot(ctx context.Context, name string, col *collection.Collection, w *wal.WAL) error {
	var snap snapshot.Snapshot
	var lastLSN uint64
	var vectorCount int

	err := e.sched.WithReadTicket(ctx, name, func(ctx context.Context) error {
		stats := col.Stats()
		cfg := col.Config()
		vectors := make([]snapshot.VectorRecord, 0, stats.VectorCount)
		for _, sr := range col.List("", stats.VectorCount+1) {
			v, ok := col.Get(sr.ID)
			if !ok {
				continue
			}
			vectors = append(vectors, snapshot.VectorRecord{ID: v.ID, Data: v.Data, Payload: v.Payload})
		}

		quantization := "none"
		if cfg.Quantized {
			quantization = "scalar_int8"
		}
		snap = snapshot.Snapshot{
			Manifest: snapshot.Manifest{
				Name:           name,
				Dim:            cfg.Dim,
				Metric:         cfg.Metric.String(),
				Quantization:   quantization,
				IndexParams:    cfg.HNSW,
				VectorCount:    len(vectors),
				LastAppliedLSN: stats.LastAppliedLSN,
			},
			Vectors: vectors,
		}
		lastLSN = stats.LastAppliedLSN
		vectorCount = len(vectors)
		return nil
	})
	if err != nil {
		return err
	}

	path := filepath.Join(e.snapDir(name), fmt.Sprintf("%020d.vecdb", lastLSN))
	if err := snapshot.Write(path, snap); err != nil {
		return err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		e.log.Info("snapshot written", "collection", name, "vectors", vectorCount, "size", humanize.Bytes(uint64(info.Size())))
	}
	if err := e.pruneSnapshots(name); err != nil {
		return err
	}
	if w != nil {
		if err := w.Truncate(lastLSN); err != nil {
			e.log.Warn("wal truncate after snapshot failed", "collection", name, "err", err)
		}
	}
	return nil
}

// pruneSnapshots keeps at most config.Snapshot.Retention snapshots per
// collection (§4.6), deleting the oldest first.
func (e *Engine) pruneSnapshots(name string) error {
	retention := e.cfg.Snapshot.Retention
	if retention <= 0 {
		return nil
	}
	entries, err := os.ReadDir(e.snapDir(name))
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	for len(names) > retention {
		if err := os.Remove(filepath.Join(e.snapDir(name), names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

// Compact forces an index rebuild and truncates any WAL segments already
// covered by the most recent snapshot (§6's admin surface: "compact
// now"). Unlike the automatic rebuild triggered by a failed consistency
// check on recovery, this is an operator-requested maintenance op run
// under the collection's write ticket so no insert/update/delete can
// observe a half-rebuilt index.
func (e *Engine) Compact(ctx context.Context, name string) error {
	ent, err := e.getEntry(name)
	if err != nil {
		return err
	}
	return e.sched.SubmitAndWait(ctx, scheduler.Job{
		Kind:       scheduler.JobCompaction,
		Collection: name,
		Run: func(ctx context.Context) error {
			return e.sched.WithWriteTicket(ctx, name, func(ctx context.Context) error {
				ent.col.Rebuild()
				snap, ok := e.newestSnapshot(name)
				if !ok {
					e.log.Info("collection compacted", "collection", name, "wal_truncated", false)
					return nil
				}
				lastLSN := snap.Manifest.LastAppliedLSN
				if err := ent.w.Truncate(lastLSN); err != nil {
					return vecerr.New("engine.compact", vecerr.Internal, "truncate wal for %q: %v", name, err)
				}
				e.log.Info("collection compacted", "collection", name, "last_applied_lsn", lastLSN)
				return nil
			})
		},
	})
}

// defaultMaintenanceInterval paces the periodic snapshot/discovery/
// requantize pass when config.Snapshot.IntervalS is unset.
const defaultMaintenanceInterval = 5 * time.Minute

// runBackgroundJobs drives one collection's periodic maintenance — the
// snapshot cadence of §4.6, the similarity-discovery worker of §4.8, and
// the lazy re-quantization check of §4.2/§5 — on a single ticker until
// stop is closed by Drop or Close.
func (e *Engine) runBackgroundJobs(name string, stop <-chan struct{}) {
	interval := time.Duration(e.cfg.Snapshot.IntervalS) * time.Second
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursor := graph.DiscoveryCursor{}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.runMaintenancePass(name, &cursor)
		}
	}
}

// runMaintenancePass submits one round of the background jobs for name.
// It is best-effort: a collection dropped concurrently simply has no
// entry left to look up, and each job kind logs its own failures rather
// than aborting the others.
func (e *Engine) runMaintenancePass(name string, cursor *graph.DiscoveryCursor) {
	ent, err := e.getEntry(name)
	if err != nil {
		return
	}
	ctx := context.Background()

	if err := e.sched.SubmitAndWait(ctx, scheduler.Job{
		Kind:       scheduler.JobSnapshot,
		Collection: name,
		Run: func(ctx context.Context) error {
			return e.writeSnapshot(ctx, name, ent.col, ent.w)
		},
	}); err != nil {
		e.log.Warn("periodic snapshot failed", "collection", name, "err", err)
	}

	if err := e.sched.Submit(ctx, scheduler.Job{
		Kind:       scheduler.JobDiscovery,
		Collection: name,
		Run: func(ctx context.Context) error {
			return e.runDiscovery(name, ent.col, cursor)
		},
	}); err != nil {
		e.log.Warn("submit discovery job failed", "collection", name, "err", err)
	}

	if ent.col.NeedsRequantization() {
		if err := e.sched.Submit(ctx, scheduler.Job{
			Kind:       scheduler.JobRequantize,
			Collection: name,
			Run: func(ctx context.Context) error {
				return e.sched.WithWriteTicket(ctx, name, func(ctx context.Context) error {
					ent.col.Requantize()
					return nil
				})
			},
		}); err != nil {
			e.log.Warn("submit requantize job failed", "collection", name, "err", err)
		}
	}
}

// runDiscovery runs one batch of similarity discovery over col's ids,
// resuming from cursor and leaving it positioned for the next pass
// (§4.8: background worker, not a blocking request-path operation).
func (e *Engine) runDiscovery(name string, col *collection.Collection, cursor *graph.DiscoveryCursor) error {
	disc := e.cfg.Graph.Discovery
	all := col.List("", 0)
	if len(all) == 0 {
		return nil
	}
	ids := make([]string, 0, len(all))
	for _, sr := range all {
		ids = append(ids, sr.ID)
	}

	result := col.Graph().Discover(ids, col.Config().Metric, col.NeighborSearch, disc.SimilarityThreshold, disc.MaxPerNode, *cursor)
	*cursor = result.NextCursor
	e.log.Info("discovery pass complete", "collection", name,
		"edges_added", result.EdgesAdded, "nodes_scanned", result.NodesScanned, "done", result.Done)
	return nil
}

// Close waits for background jobs dispatched via Submit to finish, then
// closes every collection's stop channel, lexical index and WAL, and
// finally releases the data-root lock.
func (e *Engine) Close() error {
	e.sched.Close()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range e.entries {
		close(ent.stop)
		if ent.lex != nil {
			_ = ent.lex.Close()
		}
		_ = ent.w.Close()
	}
	return e.lock.Unlock()
}
