// Package graph implements the per-collection relationship graph (C8):
// nodes keyed by vector id, typed weighted edges, bounded traversal and
// background similarity-edge discovery.
//
// The teacher's graph package (pkg/graph/graph.go) keeps nodes and edges
// in SQLite tables with foreign-key CASCADE for node deletion. The spec's
// on-disk model is a custom WAL+snapshot container, not a row store
// (§9: "edges in a separate adjacency map keyed by vector id, not
// pointers"), so this package keeps the teacher's node/edge CRUD and
// traversal shape but holds the adjacency in memory, guarded by a mutex,
// with WAL records (EdgeInsert/EdgeDelete, §3) as the durability
// mechanism instead of SQL.
package graph

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// Node is a graph vertex, keyed by the id of the vector it represents.
type Node struct {
	ID       string
	Type     string
	Metadata map[string]any
}

// Edge is a typed, weighted, directed relationship between two vector
// ids (§3). AutoDiscovered marks edges created by the discovery worker
// rather than an explicit caller.
type Edge struct {
	ID               string
	Source           string
	Target           string
	RelationshipType string
	Weight           float64
	CreatedAt        time.Time
	AutoDiscovered   bool
}

type edgeKey struct {
	source, target, relType string
}

// Graph holds one collection's node/edge adjacency in memory.
type Graph struct {
	mu sync.RWMutex

	nodes map[string]*Node
	edges map[string]*Edge            // edge id -> edge
	byKey map[edgeKey]string          // (source,target,type) -> edge id, for dedup
	out   map[string]map[string]bool  // source -> set of edge ids
	in    map[string]map[string]bool  // target -> set of edge ids
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
		byKey: make(map[edgeKey]string),
		out:   make(map[string]map[string]bool),
		in:    make(map[string]map[string]bool),
	}
}

// UpsertNode inserts or replaces a node. Nodes are created implicitly by
// vector insert (§3: `Node{id=vector_id}`); callers may attach type and
// metadata explicitly via this method.
func (g *Graph) UpsertNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := n
	g.nodes[n.ID] = &cp
}

// GetNode returns the node for id, or ok=false.
func (g *Graph) GetNode(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// DeleteNode removes a node and every incident edge (§3: "deleting a
// vector removes incident edges").
func (g *Graph) DeleteNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)

	for edgeID := range g.out[id] {
		g.removeEdgeLocked(edgeID)
	}
	for edgeID := range g.in[id] {
		g.removeEdgeLocked(edgeID)
	}
}

// AddEdge inserts a new edge, or overwrites an existing one per the same
// (source, target, relationship_type) key following the conflict rule of
// §4.8: the newer edge wins if both are auto-discovered; otherwise the
// explicit (non-auto) edge always wins. Returns InvalidArgument if
// source == target.
func (g *Graph) AddEdge(e Edge) (Edge, error) {
	if e.Source == e.Target {
		return Edge{}, vecerr.New("add_edge", vecerr.InvalidArgument, "source and target must differ")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := edgeKey{e.Source, e.Target, e.RelationshipType}
	if existingID, exists := g.byKey[key]; exists {
		existing := g.edges[existingID]
		if !e.AutoDiscovered || existing.AutoDiscovered {
			e.ID = existing.ID
			e.CreatedAt = existing.CreatedAt
			if e.CreatedAt.IsZero() {
				e.CreatedAt = time.Now().UTC()
			}
			g.edges[e.ID] = &e
			return e, nil
		}
		// Explicit edge already present; auto-discovered candidate loses.
		return *existing, nil
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	g.edges[e.ID] = &e
	g.byKey[key] = e.ID
	g.index(e.ID, e.Source, e.Target)
	return e, nil
}

func (g *Graph) index(edgeID, source, target string) {
	if g.out[source] == nil {
		g.out[source] = make(map[string]bool)
	}
	g.out[source][edgeID] = true
	if g.in[target] == nil {
		g.in[target] = make(map[string]bool)
	}
	g.in[target][edgeID] = true
}

// DeleteEdge removes an edge by id.
func (g *Graph) DeleteEdge(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[id]; !ok {
		return false
	}
	g.removeEdgeLocked(id)
	return true
}

func (g *Graph) removeEdgeLocked(id string) {
	e, ok := g.edges[id]
	if !ok {
		return
	}
	delete(g.edges, id)
	delete(g.byKey, edgeKey{e.Source, e.Target, e.RelationshipType})
	delete(g.out[e.Source], id)
	delete(g.in[e.Target], id)
}

// ListEdges returns every edge incident to id, in either direction.
func (g *Graph) ListEdges(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]Edge, 0, len(g.out[id])+len(g.in[id]))
	for edgeID := range g.out[id] {
		if !seen[edgeID] {
			seen[edgeID] = true
			out = append(out, *g.edges[edgeID])
		}
	}
	for edgeID := range g.in[id] {
		if !seen[edgeID] {
			seen[edgeID] = true
			out = append(out, *g.edges[edgeID])
		}
	}
	return out
}

// ListNodes returns every node currently in the graph.
func (g *Graph) ListNodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	return out
}

// Neighbors returns the ids directly reachable from id via any edge,
// in either direction.
func (g *Graph) Neighbors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for edgeID := range g.out[id] {
		n := g.edges[edgeID].Target
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for edgeID := range g.in[id] {
		n := g.edges[edgeID].Source
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// EdgeCount returns the number of edges currently stored.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// NodeCount returns the number of nodes currently stored.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
