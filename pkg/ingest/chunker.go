// Package ingest turns long text into overlapping chunks ready for an
// embedder and Collection.Insert, covering the content-ingestion surface
// §1 lists as in scope without spec.md breaking out a dedicated component
// for it.
//
// Grounded on the teacher's RAG-oriented Document framing in
// pkg/core/document.go (a document is a parent record for many embedded
// chunks), re-expressed as plain paragraph/sentence windowing since
// file-format extraction (PDF, HTML, ...) is out of scope.
package ingest

import (
	"strings"

	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// Chunk is one windowed span of a larger text, ready to be embedded and
// inserted as a vector whose payload references back to the source.
type Chunk struct {
	Index int
	Text  string
}

// Options controls how Split splits text.
type Options struct {
	// MaxRunes bounds the new text each chunk takes from the input; a chunk
	// that starts with carried-over overlap can reach MaxRunes+OverlapRunes
	// runes. Required, must be positive.
	MaxRunes int
	// OverlapRunes repeats the trailing OverlapRunes of one chunk at the
	// start of the next, so embeddings near a chunk boundary still see
	// surrounding context. Must be less than MaxRunes.
	OverlapRunes int
}

// DefaultOptions mirrors common RAG chunk sizing: ~1000-rune chunks with
// a ~100-rune overlap.
func DefaultOptions() Options {
	return Options{MaxRunes: 1000, OverlapRunes: 100}
}

// Split windows text into chunks by paragraph first (blank-line
// separated), falling back to sentence boundaries within an
// over-long paragraph, and finally to a hard rune cut if a single
// sentence alone exceeds MaxRunes.
func Split(text string, opts Options) ([]Chunk, error) {
	if opts.MaxRunes <= 0 {
		return nil, vecerr.New("ingest.split", vecerr.InvalidArgument, "max_runes must be positive")
	}
	if opts.OverlapRunes < 0 || opts.OverlapRunes >= opts.MaxRunes {
		return nil, vecerr.New("ingest.split", vecerr.InvalidArgument, "overlap_runes must be in [0, max_runes)")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	units := splitSentences(text)
	var chunks []Chunk
	var current []rune

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: strings.TrimSpace(string(current))})
	}

	for _, unit := range units {
		u := []rune(unit)

		for len(u) > opts.MaxRunes {
			room := opts.MaxRunes - len(current)
			if room <= 0 {
				flush()
				current = carryOverlap(current, opts.OverlapRunes)
				room = opts.MaxRunes - len(current)
			}
			current = append(current, u[:room]...)
			flush()
			current = carryOverlap(current, opts.OverlapRunes)
			u = u[room:]
		}

		if len(current)+len(u) > opts.MaxRunes && len(current) > 0 {
			flush()
			current = carryOverlap(current, opts.OverlapRunes)
		}
		current = append(current, u...)
	}
	flush()

	return chunks, nil
}

// carryOverlap returns the trailing overlapRunes of chunk, seeding the
// next chunk's prefix so consecutive chunks share context.
func carryOverlap(chunk []rune, overlapRunes int) []rune {
	if overlapRunes == 0 || len(chunk) == 0 {
		return nil
	}
	n := overlapRunes
	if n > len(chunk) {
		n = len(chunk)
	}
	tail := make([]rune, n)
	copy(tail, chunk[len(chunk)-n:])
	return tail
}

// splitSentences splits on paragraph breaks and sentence-ending
// punctuation, keeping the punctuation attached to its sentence.
func splitSentences(text string) []string {
	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		units = append(units, splitParagraph(para)...)
	}
	return units
}

func splitParagraph(para string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(para)
	for i, r := range runes {
		cur.WriteRune(r)
		isBoundary := (r == '.' || r == '!' || r == '?') && (i == len(runes)-1 || runes[i+1] == ' ' || runes[i+1] == '\n')
		if isBoundary {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}
