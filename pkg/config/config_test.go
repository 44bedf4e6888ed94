package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaultsOnEmpty(t *testing.T) {
	cfg, err := Parse([]byte(``))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseOverridesAndDefaults(t *testing.T) {
	yamlSrc := []byte(`
data_dir: /var/lib/vecdb
wal:
  durability: each
hnsw:
  ef_search: 128
`)
	cfg, err := Parse(yamlSrc)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/vecdb", cfg.DataDir)
	require.Equal(t, DurabilityEach, cfg.WAL.Durability)
	require.Equal(t, 128, cfg.HNSW.EfSearch)
	require.Equal(t, 16, cfg.HNSW.M, "unset nested keys keep their default")
	require.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownTopLevelKey(t *testing.T) {
	_, err := Parse([]byte(`replication: true`))
	require.Error(t, err)
}

func TestParseRejectsUnknownNestedKey(t *testing.T) {
	_, err := Parse([]byte(`
wal:
  fsync_mode: always
`))
	require.Error(t, err)
}

func TestValidateRejectsBadQuantization(t *testing.T) {
	cfg := Default()
	cfg.Quantization = "product"
	require.Error(t, cfg.Validate())
}
