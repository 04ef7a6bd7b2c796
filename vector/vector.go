// Package vector implements the in-process vector stores consulted by RAG
// retrieval and AI-call vector memory. Similarity is lexical token overlap;
// the interface leaves room for embedding-backed stores without changing
// callers.
package vector

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/namel3ss/n3flow/frame"
	"github.com/namel3ss/n3flow/ir"
)

type (
	// Match is one scored document.
	Match struct {
		Text   string
		Score  float64
		Source string
	}

	// Index serves every declared vector store. Frame-fed stores are
	// materialized lazily on first search and cached.
	Index struct {
		defs   map[string]*ir.VectorStoreDef
		frames *frame.Store

		mu   sync.Mutex
		docs map[string][]string
	}
)

// NewIndex builds an index over the program's vector store definitions.
func NewIndex(defs map[string]*ir.VectorStoreDef, frames *frame.Store) *Index {
	return &Index{
		defs:   defs,
		frames: frames,
		docs:   make(map[string][]string),
	}
}

// Has reports whether the named store is declared.
func (i *Index) Has(name string) bool {
	_, ok := i.defs[name]
	return ok
}

// Names returns the declared store names in sorted order.
func (i *Index) Names() []string {
	out := make([]string, 0, len(i.defs))
	for name := range i.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Search scores the store's documents against the query and returns the top
// K matches, highest first. Zero-score documents are dropped.
func (i *Index) Search(store, query string, topK int) ([]Match, error) {
	docs, err := i.documents(store)
	if err != nil {
		return nil, err
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}
	matches := make([]Match, 0, len(docs))
	for _, doc := range docs {
		score := overlapScore(queryTokens, Tokenize(doc))
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Text: doc, Score: score, Source: store})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// documents materializes the store's corpus: explicit documents first, then
// the text column of the source frame.
func (i *Index) documents(store string) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if docs, ok := i.docs[store]; ok {
		return docs, nil
	}
	def, ok := i.defs[store]
	if !ok {
		return nil, fmt.Errorf("vector store '%s' is not defined", store)
	}
	docs := append([]string(nil), def.Documents...)
	if def.SourceFrame != "" {
		rows, err := i.frames.Query(def.SourceFrame, nil)
		if err != nil {
			return nil, fmt.Errorf("vector store '%s': %w", store, err)
		}
		for _, row := range rows {
			if text, ok := row[def.TextColumn].(string); ok && text != "" {
				docs = append(docs, text)
			}
		}
	}
	i.docs[store] = docs
	return docs, nil
}

// Add appends a document to the store's corpus, materializing it first if
// needed.
func (i *Index) Add(store, text string) error {
	if _, err := i.documents(store); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.docs[store] = append(i.docs[store], text)
	return nil
}

// Invalidate drops the cached corpus so the next search re-reads the source
// frame.
func (i *Index) Invalidate(store string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.docs, store)
}

// overlapScore is the fraction of distinct query tokens present in the
// document.
func overlapScore(query, doc []string) float64 {
	docSet := make(map[string]bool, len(doc))
	for _, tok := range doc {
		docSet[tok] = true
	}
	seen := make(map[string]bool, len(query))
	hits := 0
	distinct := 0
	for _, tok := range query {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		distinct++
		if docSet[tok] {
			hits++
		}
	}
	if distinct == 0 {
		return 0
	}
	return float64(hits) / float64(distinct)
}

// Tokenize lowercases and splits on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
