// Package search provides supplemental full-text search over an
// instance's entries using Bleve, kept from the teacher's
// bleve-backed internal/search/index.go almost as-is: in-memory
// index, a simple content+tags document mapping, match-query search.
// Re-keyed from teacher's uuid.UUID entry IDs to entry names (§4.1's
// entries are keyed by name, not a generated ID), and from
// entryType/content []byte to Attributes.Type/JSON-marshaled Value.
//
// This is explicitly supplemental and read-only (§12): it is rebuilt
// from the document on boot and kept current by the engine façade's
// commit subscription, never consulted by the Permission Gate or the
// CRDT merge path.
package search

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/amaydixit11/mindcache-engine/internal/core"
)

// Index wraps an in-memory Bleve index keyed by entry name.
type Index struct {
	mu  sync.Mutex
	idx bleve.Index
}

// document is the indexed shape of one entry.
type document struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Content     string   `json:"content"`
	ContentTags []string `json:"contentTags"`
}

// NewIndex builds an empty in-memory index. Bleve requires no on-disk
// presence for this supplemental role — the index is a cache rebuilt
// from the document at boot, not a durable store (§12).
func NewIndex() *Index {
	mapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = "standard"
	docMapping.AddFieldMappingsAt("content", contentField)

	tagsField := bleve.NewTextFieldMapping()
	tagsField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("contentTags", tagsField)

	typeField := bleve.NewTextFieldMapping()
	typeField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("type", typeField)

	mapping.AddDocumentMapping("entry", docMapping)

	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		// bleve.NewMemOnly only fails on a malformed mapping, which is
		// a programmer error here, not a runtime condition to surface.
		panic(fmt.Sprintf("search: build in-memory index: %v", err))
	}
	return &Index{idx: idx}
}

// Index adds or updates entry in the index.
func (i *Index) Index(entry core.Entry) error {
	content, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("search: marshal entry value: %w", err)
	}
	doc := document{
		Name:        entry.Name,
		Type:        string(entry.Attributes.Type),
		Content:     string(content),
		ContentTags: entry.Attributes.ContentTags,
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Index(entry.Name, doc)
}

// Remove removes name from the index.
func (i *Index) Remove(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Delete(name)
}

// Options configures a search query.
type Options struct {
	Type  string
	Limit int
}

// Result is one search hit.
type Result struct {
	Name  string
	Score float64
}

// Search performs a full-text match query over indexed content.
func (i *Index) Search(query string, opts Options) ([]Result, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("content")

	req := bleve.NewSearchRequest(q)
	req.Size = opts.Limit
	if req.Size <= 0 {
		req.Size = 50
	}

	i.mu.Lock()
	res, err := i.idx.Search(req)
	i.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("search: query failed: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, Result{Name: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// Close releases the index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Close()
}
