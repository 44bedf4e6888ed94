// Package config loads the engine-wide configuration file (§6): data
// directory, WAL durability, snapshot schedule, HNSW parameters,
// quantization mode, resource limits, and graph discovery tuning.
//
// Grounded on the YAML-config-struct pattern of project.Load in
// ihavespoons-zrok's internal/project/config.go (unmarshal into a typed
// struct with gopkg.in/yaml.v3 tags), extended with a yaml.Node pre-pass
// that rejects unrecognized top-level and nested keys at startup, since
// the spec requires strict key validation that a plain Unmarshal silently
// skips.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// Durability mirrors the wal.Durability choices as the string form used
// in config files.
type Durability string

const (
	DurabilityEach     Durability = "each"
	DurabilityGroup    Durability = "group"
	DurabilityInterval Durability = "interval_ms"
)

// Quantization selects whether vectors are scalar-quantized.
type Quantization string

const (
	QuantizationNone     Quantization = "none"
	QuantizationScalarI8 Quantization = "scalar_i8"
)

type WALConfig struct {
	Durability   Durability `yaml:"durability"`
	IntervalMS   int        `yaml:"interval_ms"`
	SegmentBytes int64      `yaml:"segment_bytes"`
}

type SnapshotConfig struct {
	IntervalS        int `yaml:"interval_s"`
	Retention        int `yaml:"retention"`
	CompressionLevel int `yaml:"compression_level"`
}

type HNSWConfig struct {
	M              int `yaml:"M"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

type LimitsConfig struct {
	MaxPayloadBytes int   `yaml:"max_payload_bytes"`
	MaxDim          int   `yaml:"max_dim"`
	SoftMemoryMB    int64 `yaml:"soft_memory_mb"`
}

type DiscoveryConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxPerNode          int     `yaml:"max_per_node"`
	BatchSize           int     `yaml:"batch_size"`
}

type GraphConfig struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// Config is the fully parsed, validated engine configuration.
type Config struct {
	DataDir      string         `yaml:"data_dir"`
	WAL          WALConfig      `yaml:"wal"`
	Snapshot     SnapshotConfig `yaml:"snapshot"`
	HNSW         HNSWConfig     `yaml:"hnsw"`
	Quantization Quantization   `yaml:"quantization"`
	Limits       LimitsConfig   `yaml:"limits"`
	Graph        GraphConfig    `yaml:"graph"`
}

// Default returns the configuration used when no file is supplied:
// HNSW defaults per §4.3, fsync_group_commit durability (§9 Open
// Question, resolved in favor of balancing latency and durability for
// the common multi-writer case).
func Default() Config {
	return Config{
		DataDir: "./data",
		WAL: WALConfig{
			Durability:   DurabilityGroup,
			SegmentBytes: 64 << 20,
		},
		Snapshot: SnapshotConfig{
			IntervalS:        300,
			Retention:        2,
			CompressionLevel: 3,
		},
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Quantization: QuantizationNone,
		Limits: LimitsConfig{
			MaxPayloadBytes: 64 << 10,
			MaxDim:          4096,
			SoftMemoryMB:    4096,
		},
		Graph: GraphConfig{
			Discovery: DiscoveryConfig{
				SimilarityThreshold: 0.8,
				MaxPerNode:          10,
				BatchSize:           256,
			},
		},
	}
}

// allowedKeys enumerates every recognized key path (§6), dotted for
// nested maps, used by validate to reject anything else.
var allowedKeys = map[string]map[string]bool{
	"": {"data_dir": true, "wal": true, "snapshot": true, "hnsw": true, "quantization": true, "limits": true, "graph": true},
	"wal":             {"durability": true, "interval_ms": true, "segment_bytes": true},
	"snapshot":        {"interval_s": true, "retention": true, "compression_level": true},
	"hnsw":            {"M": true, "ef_construction": true, "ef_search": true},
	"limits":          {"max_payload_bytes": true, "max_dim": true, "soft_memory_mb": true},
	"graph":           {"discovery": true},
	"graph.discovery": {"similarity_threshold": true, "max_per_node": true, "batch_size": true},
}

// Load reads and validates a YAML config file, rejecting any key not
// named in §6 of the configuration surface.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML config bytes.
func Parse(data []byte) (Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Config{}, vecerr.New("config.parse", vecerr.InvalidArgument, "invalid yaml: %v", err)
	}
	if len(root.Content) == 0 {
		return Default(), nil
	}

	if err := validateNode(root.Content[0], ""); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := root.Content[0].Decode(&cfg); err != nil {
		return Config{}, vecerr.New("config.parse", vecerr.InvalidArgument, "decode config: %v", err)
	}
	return cfg, nil
}

// validateNode walks a mapping node and rejects keys not present in
// allowedKeys for the given dotted path prefix.
func validateNode(node *yaml.Node, prefix string) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	allowed, known := allowedKeys[prefix]
	if !known {
		return nil
	}

	for i := 0; i < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]
		key := keyNode.Value
		if !allowed[key] {
			return vecerr.New("config.parse", vecerr.InvalidArgument,
				"unrecognized configuration key %q", joinPath(prefix, key))
		}
		childPrefix := joinPath(prefix, key)
		if _, nested := allowedKeys[childPrefix]; nested {
			if err := validateNode(valNode, childPrefix); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Validate checks value ranges not expressible by decoding alone.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return vecerr.New("config.validate", vecerr.InvalidArgument, "data_dir is required")
	}
	if c.HNSW.M <= 0 || c.HNSW.EfConstruction <= 0 || c.HNSW.EfSearch <= 0 {
		return vecerr.New("config.validate", vecerr.InvalidArgument, "hnsw parameters must be positive")
	}
	switch c.Quantization {
	case QuantizationNone, QuantizationScalarI8:
	default:
		return vecerr.New("config.validate", vecerr.InvalidArgument, "unknown quantization %q", c.Quantization)
	}
	switch c.WAL.Durability {
	case DurabilityEach, DurabilityGroup, DurabilityInterval:
	default:
		return vecerr.New("config.validate", vecerr.InvalidArgument, "unknown wal durability %q", c.WAL.Durability)
	}
	return nil
}
