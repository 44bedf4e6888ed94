package lexical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexAndSearch(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.IndexText("a", "the quick brown fox jumps over the lazy dog"))
	require.NoError(t, idx.IndexText("b", "completely unrelated text about databases"))

	ids, scores, err := idx.Search("fox", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)
	require.Len(t, scores, 1)
}

func TestDeleteTextRemovesFromResults(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.IndexText("a", "vector database engine"))
	ids, _, err := idx.Search("database", 5)
	require.NoError(t, err)
	require.Contains(t, ids, "a")

	require.NoError(t, idx.DeleteText("a"))
	ids, _, err = idx.Search("database", 5)
	require.NoError(t, err)
	require.NotContains(t, ids, "a")
}

func TestSearchOnClosedIndexFails(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, _, err = idx.Search("anything", 5)
	require.Error(t, err)
}
