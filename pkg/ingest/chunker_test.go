package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitEmptyText(t *testing.T) {
	chunks, err := Split("  ", DefaultOptions())
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestSplitShortTextOneChunk(t *testing.T) {
	chunks, err := Split("A short sentence.", DefaultOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, 0, chunks[0].Index)
}

func TestSplitRespectsMaxRunes(t *testing.T) {
	text := strings.Repeat("word ", 400)
	chunks, err := Split(text, Options{MaxRunes: 100, OverlapRunes: 10})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c.Text)), 100+10)
	}
}

func TestSplitChunksAreSequentiallyIndexed(t *testing.T) {
	text := strings.Repeat("Sentence one. Sentence two. ", 50)
	chunks, err := Split(text, Options{MaxRunes: 50, OverlapRunes: 5})
	require.NoError(t, err)
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
	}
}

func TestSplitRejectsInvalidOptions(t *testing.T) {
	_, err := Split("text", Options{MaxRunes: 0})
	require.Error(t, err)

	_, err = Split("text", Options{MaxRunes: 10, OverlapRunes: 10})
	require.Error(t, err)
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon zeta. ", 20)
	chunks, err := Split(text, Options{MaxRunes: 40, OverlapRunes: 10})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	prev := []rune(chunks[0].Text)
	require.True(t, strings.HasPrefix(chunks[1].Text, string(prev[len(prev)-10:])))
}
