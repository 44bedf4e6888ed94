// Package collection implements the vector lifecycle (C4): a single
// named collection of vectors, wiring C1 validation, C2 distance and
// quantization, C3's HNSW index, the WAL (C5), and the per-collection
// graph (C8) into one coherent write/read path.
//
// Grounded on the teacher's SQLiteStore in pkg/core/store.go — Upsert
// validates then persists then updates the index; Search dispatches to
// the configured index kind then hydrates full records; Delete tombstones
// and removes bookkeeping — generalized from SQL rows plus a bolted-on
// HNSW index into a WAL-backed in-memory store where the index and the
// payload map are the only source of truth and the WAL is the durability
// log, not a second copy of the data.
package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vecdb-io/vecdb/pkg/distance"
	"github.com/vecdb-io/vecdb/pkg/graph"
	"github.com/vecdb-io/vecdb/pkg/index"
	"github.com/vecdb-io/vecdb/pkg/logging"
	"github.com/vecdb-io/vecdb/pkg/scheduler"
	"github.com/vecdb-io/vecdb/pkg/vecerr"
	"github.com/vecdb-io/vecdb/pkg/vecmodel"
	"github.com/vecdb-io/vecdb/pkg/wal"
)

// Status is the lifecycle state of a collection (§4.7, §9).
type Status int

const (
	StatusReady Status = iota
	StatusDegraded
	StatusDraining
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusDegraded:
		return "Degraded"
	case StatusDraining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Config configures a single collection at creation time. Dim and Metric
// are immutable afterward (§3: "dim/metric immutable").
type Config struct {
	Name            string
	Dim             int
	Metric          distance.Metric
	Quantized       bool
	HNSW            index.Params
	MaxPayloadBytes int
	QuantCacheSize  int
}

// Embedder is the out-of-scope text-embedding collaborator (§6).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LexicalSearcher is the fallback full-text searcher used when the
// embedder is Unavailable (§9 open question, resolved in SPEC_FULL.md:
// collections fall back to lexical search rather than failing the call).
type LexicalSearcher interface {
	IndexText(id, text string) error
	DeleteText(id string) error
	Search(query string, k int) ([]string, []float32, error)
}

// Collection owns one named vector space: payloads, the ANN index, the
// relationship graph, and the WAL that makes all three durable.
type Collection struct {
	cfg    Config
	log    logging.Logger
	wal    *wal.WAL
	idx    *index.HNSW
	quant  *distance.ScalarQuantizer
	graph  *graph.Graph
	lex    LexicalSearcher
	embed  Embedder
	sched  *scheduler.Scheduler

	mu       sync.RWMutex
	vectors  map[string]*vecmodel.Vector
	status   Status
	lastErr  string
	lastLSN  uint64

	quantCache *lru.Cache[string, []float32]
}

// New constructs a collection backed by an already-open WAL. The caller
// (the engine, C10) owns WAL lifecycle and recovery ordering.
func New(cfg Config, w *wal.WAL, log logging.Logger) (*Collection, error) {
	if err := vecmodel.ValidateDim(cfg.Dim); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	if cfg.QuantCacheSize <= 0 {
		cfg.QuantCacheSize = 4096
	}

	cache, err := lru.New[string, []float32](cfg.QuantCacheSize)
	if err != nil {
		return nil, vecerr.New("collection.new", vecerr.Internal, "create quantization cache: %v", err)
	}

	c := &Collection{
		cfg:        cfg,
		log:        log.With("collection", cfg.Name),
		wal:        w,
		idx:        index.New(cfg.Metric, cfg.HNSW),
		graph:      graph.New(),
		vectors:    make(map[string]*vecmodel.Vector),
		status:     StatusReady,
		quantCache: cache,
	}
	if cfg.Quantized {
		c.quant = distance.NewScalarQuantizer(cfg.Dim)
		c.idx.SetQuantizer(c.quant)
	}
	return c, nil
}

// SetLexicalSearcher attaches the bleve-backed fallback searcher (wired
// by the engine at startup; nil disables the fallback).
func (c *Collection) SetLexicalSearcher(l LexicalSearcher) { c.lex = l }

// SetEmbedder attaches the out-of-scope embedding collaborator.
func (c *Collection) SetEmbedder(e Embedder) { c.embed = e }

// SetScheduler attaches the scheduler (wired by the engine at startup)
// whose per-collection write ticket Insert/Update/Delete acquire before
// touching the WAL, enforcing §5's single-writer discipline across
// concurrent callers. A nil scheduler (as in unit tests constructing a
// Collection directly) leaves writes unserialized by this collection on
// its own, relying on the caller to not call it concurrently.
func (c *Collection) SetScheduler(s *scheduler.Scheduler) { c.sched = s }

// withWriteTicket runs fn exclusively with respect to every other writer
// of this collection when a scheduler is attached, and runs it directly
// otherwise.
func (c *Collection) withWriteTicket(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.sched == nil {
		return fn(ctx)
	}
	return c.sched.WithWriteTicket(ctx, c.cfg.Name, fn)
}

// Config returns the immutable creation parameters the collection was
// opened with, so a caller persisting bootstrap metadata (engine.Engine)
// doesn't need its own copy tracked separately.
func (c *Collection) Config() Config { return c.cfg }

// Status reports the collection's current lifecycle state.
func (c *Collection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Collection) markDegraded(reason string) {
	c.mu.Lock()
	c.status = StatusDegraded
	c.lastErr = reason
	c.mu.Unlock()
	c.log.Error("collection degraded", "reason", reason)
}

// insertRecord (used for both inserts and updates) and deleteRecord are
// the WAL body shapes; kept as small JSON envelopes that ApplyRecord
// decodes again when the recovery package replays the WAL.
type insertRecord struct {
	ID      string         `json:"id"`
	Data    []float32      `json:"data"`
	Payload map[string]any `json:"payload,omitempty"`
}

type deleteRecord struct {
	ID string `json:"id"`
}

// LoadVector installs a vector recovered from a snapshot or WAL replay
// directly into memory, bypassing WAL append (the record is already
// durable) and the AlreadyExists check (recovery always starts from an
// empty collection). Used by the recovery package (C7).
func (c *Collection) LoadVector(id string, data []float32, payload map[string]any, lsn uint64) {
	c.applyInsert(id, data, payload, lsn)
}

// SetLastAppliedLSN records the LSN a just-loaded snapshot reflects,
// without touching any in-memory vector state.
func (c *Collection) SetLastAppliedLSN(lsn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lsn > c.lastLSN {
		c.lastLSN = lsn
	}
}

// ApplyRecord re-applies one WAL record during recovery replay (§4.7:
// "each replayed record is re-validated; an invalid record is logged and
// skipped"). Returns a non-nil error only for records that fail
// re-validation; callers should log and continue rather than abort replay.
func (c *Collection) ApplyRecord(op wal.Op, body []byte, lsn uint64) error {
	switch op {
	case wal.OpInsert, wal.OpUpdate:
		var rec insertRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return vecerr.New("apply_record", vecerr.InvalidArgument, "decode record: %v", err)
		}
		if err := vecmodel.ValidateData(rec.Data, c.cfg.Dim); err != nil {
			return err
		}
		c.mu.RLock()
		_, existed := c.vectors[rec.ID]
		c.mu.RUnlock()
		c.applyInsert(rec.ID, rec.Data, rec.Payload, lsn)
		if existed && op == wal.OpUpdate {
			c.idx.Update(rec.ID, rec.Data)
		}
		return nil
	case wal.OpDelete:
		var rec deleteRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return vecerr.New("apply_record", vecerr.InvalidArgument, "decode record: %v", err)
		}
		c.mu.Lock()
		delete(c.vectors, rec.ID)
		if lsn > c.lastLSN {
			c.lastLSN = lsn
		}
		c.mu.Unlock()
		c.idx.Delete(rec.ID)
		c.graph.DeleteNode(rec.ID)
		return nil
	default:
		return vecerr.New("apply_record", vecerr.InvalidArgument, "unknown op %d", op)
	}
}

// Insert validates and durably logs a new vector, then applies it to the
// index, payload map, and graph node (§4.4 atomicity: validate, append
// WAL + fsync, apply in memory).
func (c *Collection) Insert(ctx context.Context, id string, data []float32, payload map[string]any) error {
	id, err := vecmodel.NormalizeID(id)
	if err != nil {
		return err
	}
	if err := vecmodel.ValidateData(data, c.cfg.Dim); err != nil {
		return err
	}
	if err := vecmodel.ValidatePayload(payload, c.cfg.MaxPayloadBytes); err != nil {
		return err
	}

	stored := data
	if c.cfg.Metric.RequiresNormalization() {
		stored = distance.Normalize(data)
	}

	return c.withWriteTicket(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		if _, exists := c.vectors[id]; exists {
			c.mu.Unlock()
			return vecerr.New("insert", vecerr.AlreadyExists, "vector %q already exists", id)
		}
		c.mu.Unlock()

		body, err := json.Marshal(insertRecord{ID: id, Data: stored, Payload: payload})
		if err != nil {
			return vecerr.New("insert", vecerr.Internal, "encode wal record: %v", err)
		}
		lsn, err := c.wal.Append(wal.OpInsert, body)
		if err != nil {
			return vecerr.Wrap("insert", vecerr.Unavailable, err)
		}

		c.applyInsert(id, stored, payload, lsn)
		return nil
	})
}

func (c *Collection) applyInsert(id string, data []float32, payload map[string]any, lsn uint64) {
	now := time.Now().UTC()
	v := &vecmodel.Vector{ID: id, Data: data, Payload: payload, CreatedAt: now, UpdatedAt: now}

	if c.quant != nil {
		c.quant.Observe(data)
		c.quant.Fit()
		c.quantCache.Add(id, data)
	}

	c.mu.Lock()
	c.vectors[id] = v
	if lsn > c.lastLSN {
		c.lastLSN = lsn
	}
	c.mu.Unlock()

	c.idx.Insert(id, data)
	c.graph.UpsertNode(graph.Node{ID: id})
	if c.lex != nil {
		if text, ok := lexicalPayloadText(payload); ok {
			_ = c.lex.IndexText(id, text)
		}
	}
}

// Update replaces a vector's data and/or payload (§3: "mutated by Update
// (replaces data and/or payload)"). A nil data leaves coordinates
// unchanged; a nil payload leaves the payload unchanged.
func (c *Collection) Update(ctx context.Context, id string, data []float32, payload map[string]any) error {
	id, err := vecmodel.NormalizeID(id)
	if err != nil {
		return err
	}
	if data != nil {
		if err := vecmodel.ValidateData(data, c.cfg.Dim); err != nil {
			return err
		}
	}
	if payload != nil {
		if err := vecmodel.ValidatePayload(payload, c.cfg.MaxPayloadBytes); err != nil {
			return err
		}
	}

	return c.withWriteTicket(ctx, func(ctx context.Context) error {
		c.mu.RLock()
		existing, ok := c.vectors[id]
		c.mu.RUnlock()
		if !ok {
			return vecerr.New("update", vecerr.NotFound, "vector %q not found", id)
		}

		newData := existing.Data
		if data != nil {
			newData = data
			if c.cfg.Metric.RequiresNormalization() {
				newData = distance.Normalize(data)
			}
		}
		newPayload := existing.Payload
		if payload != nil {
			newPayload = payload
		}

		body, err := json.Marshal(insertRecord{ID: id, Data: newData, Payload: newPayload})
		if err != nil {
			return vecerr.New("update", vecerr.Internal, "encode wal record: %v", err)
		}
		lsn, err := c.wal.Append(wal.OpUpdate, body)
		if err != nil {
			return vecerr.Wrap("update", vecerr.Unavailable, err)
		}

		c.mu.Lock()
		c.vectors[id] = &vecmodel.Vector{ID: id, Data: newData, Payload: newPayload, CreatedAt: existing.CreatedAt, UpdatedAt: time.Now().UTC()}
		if lsn > c.lastLSN {
			c.lastLSN = lsn
		}
		c.mu.Unlock()
		if c.quant != nil {
			c.quant.Observe(newData)
			c.quant.Fit()
			c.quantCache.Add(id, newData)
		} else {
			c.quantCache.Remove(id)
		}
		c.idx.Update(id, newData) // graph edges are preserved: Update never touches node/edge state
		if c.lex != nil {
			if text, ok := lexicalPayloadText(newPayload); ok {
				_ = c.lex.IndexText(id, text)
			}
		}
		return nil
	})
}

// Delete logically removes a vector: tombstoned in the index, removed
// from the payload map, cascading to its graph edges (§3).
func (c *Collection) Delete(ctx context.Context, id string) error {
	id, err := vecmodel.NormalizeID(id)
	if err != nil {
		return err
	}

	return c.withWriteTicket(ctx, func(ctx context.Context) error {
		c.mu.RLock()
		_, ok := c.vectors[id]
		c.mu.RUnlock()
		if !ok {
			return vecerr.New("delete", vecerr.NotFound, "vector %q not found", id)
		}

		body, err := json.Marshal(deleteRecord{ID: id})
		if err != nil {
			return vecerr.New("delete", vecerr.Internal, "encode wal record: %v", err)
		}
		lsn, err := c.wal.Append(wal.OpDelete, body)
		if err != nil {
			return vecerr.Wrap("delete", vecerr.Unavailable, err)
		}

		c.mu.Lock()
		delete(c.vectors, id)
		if lsn > c.lastLSN {
			c.lastLSN = lsn
		}
		c.mu.Unlock()
		c.quantCache.Remove(id)

		c.idx.Delete(id)
		c.graph.DeleteNode(id)
		if c.lex != nil {
			_ = c.lex.DeleteText(id)
		}
		return nil
	})
}

// Get returns the vector stored under id.
func (c *Collection) Get(id string) (*vecmodel.Vector, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vectors[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// SearchResult is one ranked hit from SearchByVector/SearchByText.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// SearchByVector runs a k-NN search through the HNSW index, hydrating
// payloads for the returned ids. Truncated is true if ctx's deadline
// expired before ef candidates could be fully explored (§5: "in-flight
// search returns the best-so-far results with truncated: true").
func (c *Collection) SearchByVector(ctx context.Context, query []float32, k, ef int) ([]SearchResult, bool, error) {
	if err := vecmodel.ValidateData(query, c.cfg.Dim); err != nil {
		return nil, false, err
	}
	if c.cfg.Metric.RequiresNormalization() {
		query = distance.Normalize(query)
	}
	if ef < c.cfg.HNSW.EfSearch {
		ef = c.cfg.HNSW.EfSearch
	}
	if ef < k {
		ef = k
	}

	type searchOut struct {
		results []index.Result
	}
	done := make(chan searchOut, 1)
	go func() {
		done <- searchOut{results: c.idx.Search(query, k, ef)}
	}()

	select {
	case out := <-done:
		return c.hydrate(out.results), false, nil
	case <-ctx.Done():
		// best-effort: a deadline mid-search still returns whatever the
		// index already has materialized via a smaller, immediate ef.
		partial := c.idx.Search(query, k, k)
		return c.hydrate(partial), true, nil
	}
}

func (c *Collection) hydrate(results []index.Result) []SearchResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		var payload map[string]any
		if v, ok := c.vectors[r.ID]; ok {
			payload = v.Payload
		}
		out = append(out, SearchResult{ID: r.ID, Score: r.Score, Payload: payload})
	}
	return out
}

// SearchByText embeds text via the configured Embedder and delegates to
// SearchByVector. If the embedder is Unavailable and a lexical fallback
// is configured, falls back to full-text search instead of failing the
// call outright (§9 open question).
func (c *Collection) SearchByText(ctx context.Context, text string, k, ef int) ([]SearchResult, bool, error) {
	if c.embed == nil {
		return c.searchLexical(text, k)
	}

	vec, err := c.embed.Embed(ctx, text)
	if err != nil {
		if vecerr.Is(err, vecerr.Unavailable) && c.lex != nil {
			c.log.Warn("embedder unavailable, falling back to lexical search", "err", err)
			return c.searchLexical(text, k)
		}
		return nil, false, err
	}
	return c.SearchByVector(ctx, vec, k, ef)
}

func (c *Collection) searchLexical(text string, k int) ([]SearchResult, bool, error) {
	if c.lex == nil {
		return nil, false, vecerr.New("search_by_text", vecerr.Unavailable, "no embedder or lexical fallback configured")
	}
	ids, scores, err := c.lex.Search(text, k)
	if err != nil {
		return nil, false, vecerr.Wrap("search_by_text", vecerr.Unavailable, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SearchResult, 0, len(ids))
	for i, id := range ids {
		var payload map[string]any
		if v, ok := c.vectors[id]; ok {
			payload = v.Payload
		}
		out = append(out, SearchResult{ID: id, Score: scores[i], Payload: payload})
	}
	return out, false, nil
}

// List returns up to limit vectors with id > cursor, in ascending id
// order, for paginated enumeration.
func (c *Collection) List(cursor string, limit int) []SearchResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.vectors))
	for id := range c.vectors {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]SearchResult, 0, len(ids))
	for _, id := range ids {
		v := c.vectors[id]
		out = append(out, SearchResult{ID: id, Payload: v.Payload})
	}
	return out
}

// Count returns the number of live (non-tombstoned) vectors.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}

// Stats summarizes the collection's state for the admin surface (§6).
type Stats struct {
	Name           string
	VectorCount    int
	TombstoneCount int
	NeedsRebuild   bool
	LastAppliedLSN uint64
	Status         string
	LastError      string
	GraphEdges     int
	GraphNodes     int
}

func (c *Collection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Name:           c.cfg.Name,
		VectorCount:    len(c.vectors),
		TombstoneCount: c.idx.TombstoneCount(),
		NeedsRebuild:   c.idx.NeedsRebuild(),
		LastAppliedLSN: c.lastLSN,
		Status:         c.status.String(),
		LastError:      c.lastErr,
		GraphEdges:     c.graph.EdgeCount(),
		GraphNodes:     c.graph.NodeCount(),
	}
}

// NeighborSearch implements graph.NeighborSearchFunc: k-NN search by an
// existing vector's own id, used by the discovery worker to compute
// SIMILAR_TO edges (§4.8). Prefers the quantization decode cache over
// re-reading the stored vector, since discovery scans the whole
// collection and would otherwise thrash it.
func (c *Collection) NeighborSearch(id string, k int) ([]string, []float32, error) {
	var data []float32
	if c.quant != nil {
		if cached, ok := c.quantCache.Get(id); ok {
			data = cached
		}
	}
	if data == nil {
		c.mu.RLock()
		v, ok := c.vectors[id]
		c.mu.RUnlock()
		if !ok {
			return nil, nil, vecerr.New("neighbor_search", vecerr.NotFound, "vector %q not found", id)
		}
		data = v.Data
		if c.quant != nil {
			c.quantCache.Add(id, data)
		}
	}

	results := c.idx.Search(data, k+1, k+1)
	ids := make([]string, 0, len(results))
	scores := make([]float32, 0, len(results))
	for _, r := range results {
		if r.ID == id {
			continue
		}
		ids = append(ids, r.ID)
		scores = append(scores, r.Score)
	}
	return ids, scores, nil
}

// EvictQuantizationCache drops the least-recently-used decoded vectors
// first under soft memory pressure, per §5: "exceeding triggers eviction
// of the scalar quantization cache first, then refusal of new writes".
func (c *Collection) EvictQuantizationCache(count int) int {
	evicted := 0
	for i := 0; i < count; i++ {
		if _, _, ok := c.quantCache.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	return evicted
}

// NeedsRequantization reports whether any live vector now falls far
// enough outside the quantizer's fitted range to warrant a full
// re-quantization pass (§4.2, §5's background re-quantization worker).
// Unquantized collections never need it.
func (c *Collection) NeedsRequantization() bool {
	if c.quant == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.vectors {
		if c.quant.NeedsRequantization(v.Data) {
			return true
		}
	}
	return false
}

// Requantize re-fits the scalar quantizer against every live vector's
// current range and rebuilds the index so previously-encoded nodes pick
// up the refreshed scale/offset (§4.2: drift beyond 5% of the fitted
// range triggers lazy re-quantization). A no-op on unquantized
// collections.
func (c *Collection) Requantize() {
	if c.quant == nil {
		return
	}
	c.mu.RLock()
	data := make([][]float32, 0, len(c.vectors))
	for _, v := range c.vectors {
		data = append(data, v.Data)
	}
	c.mu.RUnlock()

	for _, d := range data {
		c.quant.Observe(d)
	}
	c.quant.Fit()
	c.quantCache.Purge()
	c.idx.Rebuild()
}

// Graph exposes the collection's relationship graph to callers wanting
// edge CRUD, traversal, or discovery (§4.8); the collection itself only
// needs node lifecycle, which Insert/Delete already drive.
func (c *Collection) Graph() *graph.Graph { return c.graph }

// Rebuild forces a full index rebuild, used after a consistency-check
// mismatch (§4.7) or on manual compaction request.
func (c *Collection) Rebuild() {
	c.idx.Rebuild()
}

// CheckConsistency recomputes vector_count from live ids and compares it
// against the index's live node count; mismatch marks the collection
// Degraded and forces a rebuild (§4.7).
func (c *Collection) CheckConsistency() error {
	c.mu.RLock()
	want := len(c.vectors)
	c.mu.RUnlock()
	got := c.idx.Stats().LiveNodes
	if want != got {
		c.markDegraded(fmt.Sprintf("vector_count mismatch: store=%d index=%d", want, got))
		c.Rebuild()
		return vecerr.New("check_consistency", vecerr.Internal, "vector_count mismatch: store=%d index=%d", want, got)
	}
	return nil
}

func lexicalPayloadText(payload map[string]any) (string, bool) {
	if payload == nil {
		return "", false
	}
	if v, ok := payload["text"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
