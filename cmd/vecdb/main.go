// Command vecdb is the administrative CLI for a local vecdb data
// directory: collection lifecycle, vector CRUD, ad-hoc search, snapshot
// triggering, and graph inspection.
//
// Grounded on the teacher's cmd/sqvect-graph/main.go: a flat cobra
// command tree with a persistent --db-style root flag, one open-store
// helper shared by every RunE, and a --json flag on read commands for
// scriptable output.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vecdb-io/vecdb/pkg/config"
	"github.com/vecdb-io/vecdb/pkg/distance"
	"github.com/vecdb-io/vecdb/pkg/engine"
	"github.com/vecdb-io/vecdb/pkg/graph"
	"github.com/vecdb-io/vecdb/pkg/index"
)

var (
	dataDir    string
	configFile string
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "vecdb",
	Short: "Administer a vecdb data directory",
	Long:  "vecdb is the administrative CLI for a single-node vector database: create and inspect collections, insert and search vectors, trigger snapshots, and walk the relationship graph.",
}

func openEngine() (*engine.Engine, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return engine.Open(cfg, nil)
}

func parseVector(s string) ([]float32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("vector is required")
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func parsePayload(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	return payload, nil
}

// --- collection commands ---

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage collections",
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		dim, _ := cmd.Flags().GetInt("dim")
		metricStr, _ := cmd.Flags().GetString("metric")
		quantized, _ := cmd.Flags().GetBool("quantized")

		metric, err := distance.ParseMetric(metricStr)
		if err != nil {
			return err
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		if _, err := e.CreateCollection(name, engine.CreateOptions{
			Dim:       dim,
			Metric:    metric,
			Quantized: quantized,
			HNSW:      index.DefaultParams(),
		}); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		fmt.Printf("collection %q created (dim=%d, metric=%s)\n", name, dim, metric)
		return nil
	},
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		names := e.List()
		if asJSON {
			data, _ := json.MarshalIndent(names, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var collectionDropCmd = &cobra.Command{
	Use:   "drop <name>",
	Short: "Drop a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		if err := e.Drop(context.Background(), args[0]); err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}
		fmt.Printf("collection %q dropped\n", args[0])
		return nil
	},
}

var collectionStatsCmd = &cobra.Command{
	Use:   "stats <name>",
	Short: "Show collection statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		stats := col.Stats()
		if asJSON {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("name: %s\nstatus: %s\nvectors: %d\ntombstones: %d\nneeds_rebuild: %v\nlast_applied_lsn: %d\ngraph_nodes: %d\ngraph_edges: %d\n",
			stats.Name, stats.Status, stats.VectorCount, stats.TombstoneCount, stats.NeedsRebuild, stats.LastAppliedLSN, stats.GraphNodes, stats.GraphEdges)
		return nil
	},
}

// --- vector commands ---

var vectorCmd = &cobra.Command{
	Use:   "vector",
	Short: "Manage vectors within a collection",
}

var vectorInsertCmd = &cobra.Command{
	Use:   "insert <collection> <id>",
	Short: "Insert a vector",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		payloadStr, _ := cmd.Flags().GetString("payload")

		vec, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		payload, err := parsePayload(payloadStr)
		if err != nil {
			return err
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		if err := col.Insert(context.Background(), args[1], vec, payload); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		fmt.Printf("inserted %q into %q\n", args[1], args[0])
		return nil
	},
}

var vectorGetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Get a vector by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		v, ok := col.Get(args[1])
		if !ok {
			return fmt.Errorf("vector %q not found", args[1])
		}
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var vectorDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Delete a vector",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		if err := col.Delete(context.Background(), args[1]); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		fmt.Printf("deleted %q from %q\n", args[1], args[0])
		return nil
	},
}

var vectorSearchCmd = &cobra.Command{
	Use:   "search <collection>",
	Short: "k-NN search by vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("top-k")
		ef, _ := cmd.Flags().GetInt("ef")

		vec, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		results, truncated, err := col.SearchByVector(context.Background(), vec, k, ef)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if asJSON {
			data, _ := json.MarshalIndent(struct {
				Results   any  `json:"results"`
				Truncated bool `json:"truncated"`
			}{results, truncated}, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		if truncated {
			fmt.Println("(results truncated by deadline)")
		}
		for i, r := range results {
			fmt.Printf("%d. %s (score: %.4f)\n", i+1, r.ID, r.Score)
		}
		return nil
	},
}

// --- snapshot commands ---

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage collection snapshots",
}

var snapshotNowCmd = &cobra.Command{
	Use:   "now <collection>",
	Short: "Write a snapshot immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		if err := e.Snapshot(context.Background(), args[0]); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		fmt.Printf("snapshot of %q written\n", args[0])
		return nil
	},
}

var snapshotCompactCmd = &cobra.Command{
	Use:   "compact <collection>",
	Short: "Rebuild the index and truncate WAL segments covered by the newest snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		if err := e.Compact(context.Background(), args[0]); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		fmt.Printf("collection %q compacted\n", args[0])
		return nil
	},
}

// --- graph commands ---

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and edit the relationship graph",
}

var graphAddEdgeCmd = &cobra.Command{
	Use:   "add-edge <collection> <id> <source> <target>",
	Short: "Add or update an edge between two vectors",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		relType, _ := cmd.Flags().GetString("type")
		weight, _ := cmd.Flags().GetFloat64("weight")

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		edge, err := col.Graph().AddEdge(graph.Edge{
			ID:               args[1],
			Source:           args[2],
			Target:           args[3],
			RelationshipType: relType,
			Weight:           weight,
		})
		if err != nil {
			return fmt.Errorf("add edge: %w", err)
		}
		fmt.Printf("edge %q: %s -> %s (type=%s, weight=%.2f)\n", edge.ID, edge.Source, edge.Target, edge.RelationshipType, edge.Weight)
		return nil
	},
}

var graphNeighborsCmd = &cobra.Command{
	Use:   "neighbors <collection> <id>",
	Short: "List nodes related to id within a hop limit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hops, _ := cmd.Flags().GetInt("hops")

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		related, truncated := col.Graph().FindRelated(args[1], hops, graph.DefaultMaxVisited)
		if truncated {
			fmt.Println("(results truncated by visited-node bound)")
		}
		for _, r := range related {
			fmt.Printf("%s (hops=%d, weight=%.4f)\n", r.ID, r.Hops, r.AggregateWeight)
		}
		return nil
	},
}

var graphPathCmd = &cobra.Command{
	Use:   "path <collection> <src> <dst>",
	Short: "Find the fewest-hop path between two nodes (ties go to the higher total weight)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxDepth, _ := cmd.Flags().GetInt("max-depth")

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		col, err := e.Get(args[0])
		if err != nil {
			return err
		}
		result := col.Graph().FindPath(args[1], args[2], maxDepth, graph.DefaultMaxVisited)
		if !result.Found {
			fmt.Println("no path found")
			return nil
		}
		fmt.Printf("path: %s (weight=%.4f)\n", strings.Join(result.Path, " -> "), result.Weight)
		return nil
	},
}

// --- serve command ---

// serveCmd boots the engine against a data directory and blocks until
// interrupted, holding the data-root lock for the lifetime of whatever
// out-of-scope HTTP/RPC front-end attaches to it out-of-process; this
// binary itself exposes no network surface (§1 Non-goals).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the engine and hold the data directory open until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		fmt.Printf("engine ready, serving %d collection(s); press ctrl-c to stop\n", len(e.List()))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		fmt.Println("shutting down")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config file)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output machine-readable JSON where supported")

	collectionCreateCmd.Flags().Int("dim", 0, "vector dimensionality")
	collectionCreateCmd.Flags().String("metric", "cosine", "distance metric (cosine, euclidean, dot)")
	collectionCreateCmd.Flags().Bool("quantized", false, "enable scalar quantization")
	_ = collectionCreateCmd.MarkFlagRequired("dim")
	collectionCmd.AddCommand(collectionCreateCmd, collectionListCmd, collectionDropCmd, collectionStatsCmd)

	vectorInsertCmd.Flags().String("vector", "", "vector values (comma-separated)")
	vectorInsertCmd.Flags().String("payload", "", "payload as JSON")
	_ = vectorInsertCmd.MarkFlagRequired("vector")
	vectorSearchCmd.Flags().String("vector", "", "query vector (comma-separated)")
	vectorSearchCmd.Flags().Int("top-k", 10, "number of results")
	vectorSearchCmd.Flags().Int("ef", 64, "HNSW search breadth")
	_ = vectorSearchCmd.MarkFlagRequired("vector")
	vectorCmd.AddCommand(vectorInsertCmd, vectorGetCmd, vectorDeleteCmd, vectorSearchCmd)

	snapshotCmd.AddCommand(snapshotNowCmd, snapshotCompactCmd)

	graphAddEdgeCmd.Flags().String("type", "related_to", "relationship type")
	graphAddEdgeCmd.Flags().Float64("weight", 1.0, "edge weight")
	graphNeighborsCmd.Flags().Int("hops", 2, "maximum hop count")
	graphPathCmd.Flags().Int("max-depth", 8, "maximum path length in hops")
	graphCmd.AddCommand(graphAddEdgeCmd, graphNeighborsCmd, graphPathCmd)

	rootCmd.AddCommand(collectionCmd, vectorCmd, snapshotCmd, graphCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
