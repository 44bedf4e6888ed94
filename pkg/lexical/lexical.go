// Package lexical implements the keyword-search fallback (§9 Open
// Question, resolved in SPEC_FULL.md: a collection falls back to lexical
// search when its embedder reports Unavailable). It wraps a bleve index
// over collection payload text and satisfies collection.LexicalSearcher.
//
// Grounded on Aman-CERP-amanmcp's internal/store/bm25.go (BleveBM25Index:
// create-or-open, batch index/delete, SearchInContext), simplified from
// its custom code-tokenizer analyzer to bleve's default text analyzer
// since payload text here is free-form document content, not source code.
package lexical

import (
	"context"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/vecdb-io/vecdb/pkg/vecerr"
)

// Index is a bleve-backed full-text index keyed by vector id.
type Index struct {
	mu     sync.RWMutex
	bi     bleve.Index
	closed bool
}

// field name storing indexed text inside each bleve document.
const textField = "text"

type document struct {
	Text string `json:"text"`
}

// Open creates or opens a bleve index at path. An empty path creates an
// in-memory index (used by tests and by collections with no persistence
// configured).
func Open(path string) (*Index, error) {
	var bi bleve.Index
	var err error
	if path == "" {
		bi, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else {
		if _, statErr := os.Stat(path); statErr == nil {
			bi, err = bleve.Open(path)
		} else {
			bi, err = bleve.New(path, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, vecerr.New("lexical.open", vecerr.Internal, "open bleve index %s: %v", path, err)
	}
	return &Index{bi: bi}, nil
}

// IndexText implements collection.LexicalSearcher: indexes or reindexes
// the text payload for a vector id.
func (x *Index) IndexText(id, text string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return vecerr.New("lexical.index_text", vecerr.FailedPrecondition, "index is closed")
	}
	if err := x.bi.Index(id, document{Text: text}); err != nil {
		return vecerr.New("lexical.index_text", vecerr.Internal, "index %q: %v", id, err)
	}
	return nil
}

// DeleteText implements collection.LexicalSearcher.
func (x *Index) DeleteText(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return vecerr.New("lexical.delete_text", vecerr.FailedPrecondition, "index is closed")
	}
	if err := x.bi.Delete(id); err != nil {
		return vecerr.New("lexical.delete_text", vecerr.Internal, "delete %q: %v", id, err)
	}
	return nil
}

// Search implements collection.LexicalSearcher: a BM25 match query over
// the indexed text field, returning ids ranked by bleve's relevance
// score. The returned scores are not comparable to vector distances;
// callers treat a lexical result set as a whole-results substitute, not a
// score-blended one (§9's resolution: fallback, not fusion).
func (x *Index) Search(query string, k int) ([]string, []float32, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, nil, vecerr.New("lexical.search", vecerr.FailedPrecondition, "index is closed")
	}
	if k <= 0 {
		k = 10
	}

	q := bleve.NewMatchQuery(query)
	q.SetField(textField)
	req := bleve.NewSearchRequest(q)
	req.Size = k

	result, err := x.bi.SearchInContext(context.Background(), req)
	if err != nil {
		return nil, nil, vecerr.New("lexical.search", vecerr.Internal, "search: %v", err)
	}

	ids := make([]string, 0, len(result.Hits))
	scores := make([]float32, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
		scores = append(scores, float32(hit.Score))
	}
	return ids, scores, nil
}

// Close releases the underlying bleve index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.bi.Close()
}
