// Package history maintains a searchable audit index of pipeline runs.
// Every finished run contributes one run document plus one document per
// executed step, so operators can ask "which runs touched account 1113"
// or "where did Process_CUB fail" without trawling logs.
package history

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/blevesearch/bleve"
)

// Entry kinds.
const (
	KindRun  = "run"
	KindStep = "step"
)

// Entry is one searchable audit document.
type Entry struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	RunID    string    `json:"run_id"`
	TaskName string    `json:"task_name"`
	Mode     string    `json:"mode"`
	Step     string    `json:"step,omitempty"`
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	At       time.Time `json:"at"`
}

// Hit is one search result with the document's stored fields.
type Hit struct {
	ID     string                 `json:"id"`
	Score  float64                `json:"score"`
	Fields map[string]interface{} `json:"fields"`
}

// Index wraps a bleve index over run/step audit entries.
type Index struct {
	idx    bleve.Index
	logger *log.Logger
}

// Option customizes an Index.
type Option func(*Index)

// WithLogger routes index logs to l.
func WithLogger(l *log.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

// Open opens the index at path, creating it on first use.
func Open(path string, opts ...Option) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open history index %s: %w", path, err)
	}
	return wrap(idx, opts...), nil
}

// OpenReadOnly opens an existing index without taking the writer lock, for
// searching while a daemon owns the index.
func OpenReadOnly(path string, opts ...Option) (*Index, error) {
	idx, err := bleve.OpenUsing(path, map[string]interface{}{"read_only": true})
	if err != nil {
		return nil, fmt.Errorf("open history index %s: %w", path, err)
	}
	return wrap(idx, opts...), nil
}

// OpenMemOnly builds a throwaway in-memory index.
func OpenMemOnly(opts ...Option) (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open in-memory history index: %w", err)
	}
	return wrap(idx, opts...), nil
}

func wrap(idx bleve.Index, opts ...Option) *Index {
	ix := &Index{
		idx:    idx,
		logger: log.New(log.Writer(), "[HISTORY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Close releases the index.
func (ix *Index) Close() error { return ix.idx.Close() }

// Add indexes the given entries in one batch. Entries without an id are
// rejected; re-adding an id replaces the document.
func (ix *Index) Add(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := ix.idx.NewBatch()
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry %d: id required", i)
		}
		if err := batch.Index(e.ID, e); err != nil {
			return fmt.Errorf("index entry %s: %w", e.ID, err)
		}
	}
	if err := ix.idx.Batch(batch); err != nil {
		return fmt.Errorf("commit history batch: %w", err)
	}
	ix.logger.Printf("indexed %d entries", len(entries))
	return nil
}

// Search runs a query-string search ("status:FAILURE mode:escrow", bare
// terms, phrases) and returns the top hits with their stored fields. A zero
// limit defaults to 20.
func (ix *Index) Search(ctx context.Context, q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	req.Fields = []string{"*"}
	res, err := ix.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("history search %q: %w", q, err)
	}
	out := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		out = append(out, Hit{ID: h.ID, Score: h.Score, Fields: h.Fields})
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() (uint64, error) { return ix.idx.DocCount() }
