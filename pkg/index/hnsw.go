// Package index implements the HNSW ANN index (C3): multi-layer
// navigable-small-world graph with insert, update, delete-by-tombstone,
// search and rebuild, generalized from the teacher's original HNSW
// (which kept string-keyed nodes in a map and gob-serialized them
// directly). Two changes follow from the on-disk and concurrency
// sections of the spec: tombstones are a roaring bitmap bit per node
// rather than a struct field, and per-search visited sets use
// bits-and-blooms/bitset over dense internal ids instead of a
// map[string]bool, since every node now has a stable uint32 handle that
// snapshot/WAL code can reference directly.
package index

import (
	"container/heap"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"

	"github.com/vecdb-io/vecdb/pkg/distance"
)

// Params bundles the construction-time HNSW parameters (§3 HnswParams).
type Params struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultParams returns the spec's defaults: M=16, ef_construction=200,
// ef_search=64.
func DefaultParams() Params {
	return Params{M: 16, EfConstruction: 200, EfSearch: 64, Seed: 1}
}

// node is one HNSW graph node. vector is nil when the collection
// quantizes and only the quantized form is retained; quantized is nil
// otherwise.
type node struct {
	extID     string
	vector    []float32
	quantized []int8
	level     int
	neighbors [][]uint32 // neighbors[layer] = internal ids
}

// Result is one scored hit from Search, sorted best-first.
type Result struct {
	ID    string
	Score float32
}

// HNSW is a single collection's ANN index. Safe for concurrent readers;
// writers (Insert/Update/Delete) take the exclusive lock. A true
// lock-free design gives each node its own spinlock during neighbor-list
// mutation (§5); this single-process engine approximates that with one
// index-wide mutex.
type HNSW struct {
	mu sync.RWMutex

	params Params
	metric distance.Metric
	quant  distance.Quantizer // nil when quantization is off

	nodes      []*node // dense internal-id -> node
	idToKey    map[string]uint32
	free       []uint32 // reclaimed internal ids after compaction
	entryPoint uint32
	hasEntry   bool
	tombstones *roaring.Bitmap

	rng *rand.Rand
}

// New creates an HNSW index for the given metric and parameters.
func New(metric distance.Metric, params Params) *HNSW {
	if params.M <= 0 {
		params = DefaultParams()
	}
	return &HNSW{
		params:     params,
		metric:     metric,
		idToKey:    make(map[string]uint32),
		tombstones: roaring.New(),
		rng:        rand.New(rand.NewSource(params.Seed)),
	}
}

// SetQuantizer installs (or clears, with nil) the quantizer used to
// reconstruct coordinates for nodes stored only in quantized form.
func (h *HNSW) SetQuantizer(q distance.Quantizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.quant = q
}

// Insert adds a new vector under id. Returns false if id already exists
// (caller should use Update instead, per §4.3 contract).
func (h *HNSW) Insert(id string, vector []float32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.insertLocked(id, vector)
}

func (h *HNSW) insertLocked(id string, vector []float32) bool {
	if _, exists := h.idToKey[id]; exists {
		return false
	}

	key := h.allocLocked()
	var stored []float32
	var quantized []int8
	if h.quant != nil {
		quantized = h.quant.Encode(vector)
	} else {
		stored = append([]float32(nil), vector...)
	}

	level := h.selectLevel()
	n := &node{
		extID:     id,
		vector:    stored,
		quantized: quantized,
		level:     level,
		neighbors: make([][]uint32, level+1),
	}
	h.setNode(key, n)
	h.idToKey[id] = key

	if !h.hasEntry {
		h.entryPoint = key
		h.hasEntry = true
		return true
	}

	entry := h.nodeAt(h.entryPoint)
	curr := []uint32{h.entryPoint}
	for lc := entry.level; lc > level; lc-- {
		curr = h.searchLayerClosest(vector, curr, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		maxConn := h.params.M
		if lc == 0 {
			maxConn = h.params.M * 2
		}
		candidates := h.searchLayer(vector, curr, h.params.EfConstruction, lc)
		neighbors := h.selectNeighbors(vector, candidates, maxConn)
		n.neighbors[lc] = neighbors

		for _, nb := range neighbors {
			h.addConnection(nb, key, lc)
			nbNode := h.nodeAt(nb)
			if lc >= len(nbNode.neighbors) {
				continue
			}
			limit := h.params.M
			if lc == 0 {
				limit = h.params.M * 2
			}
			if len(nbNode.neighbors[lc]) > limit {
				nbVec := h.vectorFor(nbNode)
				nbNode.neighbors[lc] = h.selectNeighbors(nbVec, nbNode.neighbors[lc], limit)
			}
		}
		curr = neighbors
	}

	if level > h.nodeAt(h.entryPoint).level {
		h.entryPoint = key
	}
	return true
}

// Update atomically replaces the vector stored for id: a fresh node is
// inserted, the external->internal mapping is repointed, and the old node
// is tombstoned. Edges elsewhere in the system reference the external id,
// not the internal node, so they survive untouched (§4.3).
func (h *HNSW) Update(id string, vector []float32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	oldKey, exists := h.idToKey[id]
	if !exists {
		return false
	}
	h.tombstones.Add(oldKey)
	delete(h.idToKey, id)
	h.insertLocked(id, vector)
	return true
}

// Delete tombstones id. The graph slot is not reclaimed until Rebuild.
func (h *HNSW) Delete(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, exists := h.idToKey[id]
	if !exists {
		return false
	}
	h.tombstones.Add(key)
	delete(h.idToKey, id)

	if h.hasEntry && h.entryPoint == key {
		h.reassignEntryLocked()
	}
	return true
}

func (h *HNSW) reassignEntryLocked() {
	for _, k := range h.idToKey {
		if !h.tombstones.Contains(k) {
			h.entryPoint = k
			return
		}
	}
	h.hasEntry = false
}

// Search returns the k nearest live neighbors of query, best-first, ties
// broken by ascending id for determinism (§4.3). The caller is
// responsible for raising ef to at least max(ef_search, k) before
// calling.
func (h *HNSW) Search(query []float32, k, ef int) []Result {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return []Result{}
	}
	if ef < k {
		ef = k
	}

	entry := h.nodeAt(h.entryPoint)
	curr := []uint32{h.entryPoint}
	for lc := entry.level; lc > 0; lc-- {
		curr = h.searchLayerClosest(query, curr, 1, lc)
	}

	candidates := h.searchLayer(query, curr, ef, 0)

	type scored struct {
		key  uint32
		dist float32
	}
	results := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		n := h.nodeAt(c)
		if n == nil || h.tombstones.Contains(c) {
			continue
		}
		results = append(results, scored{key: c, dist: h.distanceTo(query, n)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].dist != results[j].dist {
			return results[i].dist < results[j].dist
		}
		return h.nodeAt(results[i].key).extID < h.nodeAt(results[j].key).extID
	})

	if len(results) > k {
		results = results[:k]
	}
	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = Result{ID: h.nodeAt(r.key).extID, Score: h.metric.Score(r.dist)}
	}
	return out
}

// Size returns the number of live (non-tombstoned) nodes.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToKey)
}

// TombstoneCount returns the number of tombstoned nodes still occupying
// graph memory (not yet reclaimed by Rebuild).
func (h *HNSW) TombstoneCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int(h.tombstones.GetCardinality())
}

// NeedsRebuild reports whether tombstones exceed 20% of nodes (§4.3).
func (h *HNSW) NeedsRebuild() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := len(h.nodes)
	if total == 0 {
		return false
	}
	return float64(h.tombstones.GetCardinality())/float64(total) > 0.20
}

// Rebuild produces a fresh index from the live vectors, in ascending-id
// insertion order for determinism, discarding tombstoned graph memory.
func (h *HNSW) Rebuild() {
	h.mu.Lock()
	type live struct {
		id  string
		vec []float32
	}
	entries := make([]live, 0, len(h.idToKey))
	for id, key := range h.idToKey {
		n := h.nodes[key]
		entries = append(entries, live{id: id, vec: h.vectorFor(n)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	h.nodes = nil
	h.idToKey = make(map[string]uint32, len(entries))
	h.free = nil
	h.tombstones = roaring.New()
	h.hasEntry = false
	h.mu.Unlock()

	for _, e := range entries {
		h.Insert(e.id, e.vec)
	}
}

// Stats reports index-level statistics for collection.stats() (§4.10).
type Stats struct {
	TotalNodes     int
	LiveNodes      int
	TombstoneCnt   int
	MaxLevel       int
	AvgEdgesLayer0 float64
}

func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{TotalNodes: len(h.nodes), LiveNodes: len(h.idToKey), TombstoneCnt: int(h.tombstones.GetCardinality())}
	var edgeSum int
	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		if n.level > s.MaxLevel {
			s.MaxLevel = n.level
		}
		if len(n.neighbors) > 0 {
			edgeSum += len(n.neighbors[0])
		}
	}
	if s.LiveNodes > 0 {
		s.AvgEdgesLayer0 = float64(edgeSum) / float64(s.LiveNodes)
	}
	return s
}

// --- internals ---

func (h *HNSW) allocLocked() uint32 {
	if n := len(h.free); n > 0 {
		k := h.free[n-1]
		h.free = h.free[:n-1]
		return k
	}
	return uint32(len(h.nodes))
}

func (h *HNSW) setNode(key uint32, n *node) {
	if int(key) == len(h.nodes) {
		h.nodes = append(h.nodes, n)
		return
	}
	h.nodes[key] = n
}

func (h *HNSW) nodeAt(key uint32) *node {
	if int(key) >= len(h.nodes) {
		return nil
	}
	return h.nodes[key]
}

func (h *HNSW) vectorFor(n *node) []float32 {
	if n.vector != nil {
		return n.vector
	}
	if n.quantized != nil && h.quant != nil {
		return h.quant.Decode(n.quantized)
	}
	return nil
}

func (h *HNSW) distanceTo(query []float32, n *node) float32 {
	v := h.vectorFor(n)
	if v == nil {
		return float32(1) << 30
	}
	return h.metric.Distance(query, v)
}

func (h *HNSW) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < 16 {
		level++
	}
	return level
}

func (h *HNSW) addConnection(from, to uint32, layer int) {
	n := h.nodeAt(from)
	if n == nil || layer >= len(n.neighbors) {
		return
	}
	for _, existing := range n.neighbors[layer] {
		if existing == to {
			return
		}
	}
	n.neighbors[layer] = append(n.neighbors[layer], to)
}

// selectNeighbors applies the heuristic neighbor-selection rule of §4.3:
// prefer diverse neighbors over the naive "m closest" rule by greedily
// keeping a candidate only if it is closer to the query than to every
// neighbor already selected.
func (h *HNSW) selectNeighbors(query []float32, candidates []uint32, m int) []uint32 {
	if len(candidates) <= m {
		out := make([]uint32, len(candidates))
		copy(out, candidates)
		return out
	}

	type cand struct {
		key  uint32
		dist float32
	}
	pool := make([]cand, 0, len(candidates))
	for _, c := range candidates {
		n := h.nodeAt(c)
		if n == nil {
			continue
		}
		pool = append(pool, cand{key: c, dist: h.distanceTo(query, n)})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].dist < pool[j].dist })

	selected := make([]uint32, 0, m)
	for _, c := range pool {
		if len(selected) >= m {
			break
		}
		cVec := h.vectorFor(h.nodeAt(c.key))
		diverse := true
		for _, s := range selected {
			sVec := h.vectorFor(h.nodeAt(s))
			if h.metric.Distance(cVec, sVec) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c.key)
		}
	}
	// Heuristic pruning can leave a layer under-connected; backfill from
	// the closest remaining candidates so every node keeps at least m
	// neighbors where the pool allows it.
	if len(selected) < m {
		have := make(map[uint32]bool, len(selected))
		for _, s := range selected {
			have[s] = true
		}
		for _, c := range pool {
			if len(selected) >= m {
				break
			}
			if !have[c.key] {
				selected = append(selected, c.key)
			}
		}
	}
	return selected
}

func (h *HNSW) searchLayerClosest(query []float32, entries []uint32, num, layer int) []uint32 {
	res := h.searchLayer(query, entries, num, layer)
	if len(res) > num {
		res = res[:num]
	}
	return res
}

// searchLayer is the greedy best-first search within one layer, using a
// bitset (sized to the current node count) for the visited set instead of
// the teacher's map[string]bool, since nodes now have dense uint32 ids.
func (h *HNSW) searchLayer(query []float32, entries []uint32, ef, layer int) []uint32 {
	visited := bitset.New(uint(len(h.nodes)) + 1)
	candidates := &minHeap{}
	furthest := &maxHeap{}

	for _, e := range entries {
		n := h.nodeAt(e)
		if n == nil {
			continue
		}
		d := h.distanceTo(query, n)
		heap.Push(candidates, item{key: e, dist: d})
		heap.Push(furthest, item{key: e, dist: d})
		visited.Set(uint(e))
	}

	for candidates.Len() > 0 {
		if furthest.Len() > 0 && (*candidates)[0].dist > (*furthest)[0].dist {
			break
		}
		cur := heap.Pop(candidates).(item)
		n := h.nodeAt(cur.key)
		if n == nil || layer >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[layer] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))
			nbNode := h.nodeAt(nb)
			if nbNode == nil {
				continue
			}
			d := h.distanceTo(query, nbNode)
			if furthest.Len() < ef || d < (*furthest)[0].dist {
				heap.Push(candidates, item{key: nb, dist: d})
				heap.Push(furthest, item{key: nb, dist: d})
				if furthest.Len() > ef {
					heap.Pop(furthest)
				}
			}
		}
	}

	out := make([]uint32, 0, furthest.Len())
	for furthest.Len() > 0 {
		out = append(out, heap.Pop(furthest).(item).key)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

type item struct {
	key  uint32
	dist float32
}

type minHeap []item

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(item)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type maxHeap []item

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(item)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}