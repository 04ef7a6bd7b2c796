// Package graph builds entity co-occurrence graphs from frames and answers
// neighborhood and component-summary queries for RAG stages.
package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/namel3ss/n3flow/frame"
	"github.com/namel3ss/n3flow/ir"
)

type (
	// Node is one reached entity. Depth is the BFS distance from the
	// closest seed.
	Node struct {
		Key   string
		Label string
		Depth int
	}

	// Summary describes one connected component ranked against a query.
	Summary struct {
		Entities []string
		Text     string
		Score    float64
	}

	// Engine serves every declared graph. Graphs are built lazily from
	// their source frame on first use and cached.
	Engine struct {
		defs      map[string]*ir.GraphDef
		summaries map[string]*ir.GraphSummaryDef
		frames    *frame.Store

		mu    sync.Mutex
		built map[string]*cooccurrence
	}

	// cooccurrence is the materialized graph: labels by lowercased key and
	// an undirected related_to adjacency.
	cooccurrence struct {
		labels map[string]string
		adj    map[string]map[string]bool
	}
)

var entityPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9]*\b`)

// NewEngine builds an engine over the program's graph definitions.
func NewEngine(defs map[string]*ir.GraphDef, summaries map[string]*ir.GraphSummaryDef, frames *frame.Store) *Engine {
	return &Engine{
		defs:      defs,
		summaries: summaries,
		frames:    frames,
		built:     make(map[string]*cooccurrence),
	}
}

// ExtractEntities pulls CapitalCase tokens from text, first occurrence
// wins, capped at max when positive.
func ExtractEntities(text string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, token := range entityPattern.FindAllString(text, -1) {
		key := strings.ToLower(token)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, token)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// Query expands breadth-first from the query's seed entities. Expansion
// stops at maxHops edges from a seed and never returns more than maxNodes
// nodes.
func (e *Engine) Query(graphName, query string, maxHops, maxNodes int) ([]Node, error) {
	g, err := e.graph(graphName)
	if err != nil {
		return nil, err
	}
	seeds := seedKeys(g, query)
	if len(seeds) == 0 {
		return nil, nil
	}
	if maxHops <= 0 {
		maxHops = 1
	}

	visited := make(map[string]bool)
	var out []Node
	frontier := seeds
	for depth := 0; depth <= maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, key := range frontier {
			if visited[key] {
				continue
			}
			visited[key] = true
			out = append(out, Node{Key: key, Label: g.labels[key], Depth: depth})
			if maxNodes > 0 && len(out) >= maxNodes {
				return out, nil
			}
			for _, neighbor := range sortedKeys(g.adj[key]) {
				if !visited[neighbor] {
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// SummaryLookup ranks the graph's connected components by overlap with the
// query's seed entities and returns the definition's top K.
func (e *Engine) SummaryLookup(summaryName, query string) ([]Summary, error) {
	def, ok := e.summaries[summaryName]
	if !ok {
		return nil, fmt.Errorf("graph summary '%s' is not defined", summaryName)
	}
	g, err := e.graph(def.Graph)
	if err != nil {
		return nil, err
	}
	seeds := make(map[string]bool)
	for _, entity := range ExtractEntities(query, 0) {
		seeds[strings.ToLower(entity)] = true
	}

	var out []Summary
	for _, component := range g.components() {
		overlap := 0
		labels := make([]string, 0, len(component))
		for _, key := range component {
			labels = append(labels, g.labels[key])
			if seeds[key] {
				overlap++
			}
		}
		score := 0.0
		if len(seeds) > 0 {
			score = float64(overlap) / float64(len(seeds))
		}
		out = append(out, Summary{
			Entities: labels,
			Text:     "Entities: " + strings.Join(labels, ", "),
			Score:    score,
		})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	topK := def.TopK
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// graph returns the materialized graph, building it from the source frame
// on first use.
func (e *Engine) graph(name string) (*cooccurrence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.built[name]; ok {
		return g, nil
	}
	def, ok := e.defs[name]
	if !ok {
		return nil, fmt.Errorf("graph '%s' is not defined", name)
	}
	rows, err := e.frames.Query(def.SourceFrame, nil)
	if err != nil {
		return nil, fmt.Errorf("graph '%s': %w", name, err)
	}
	g := &cooccurrence{
		labels: make(map[string]string),
		adj:    make(map[string]map[string]bool),
	}
	for _, row := range rows {
		text, ok := row[def.TextColumn].(string)
		if !ok || text == "" {
			continue
		}
		entities := ExtractEntities(text, def.MaxEntitiesPerDoc)
		keys := make([]string, len(entities))
		for i, entity := range entities {
			key := strings.ToLower(entity)
			keys[i] = key
			if _, known := g.labels[key]; !known {
				g.labels[key] = entity
				g.adj[key] = make(map[string]bool)
			}
		}
		for i := 1; i < len(keys); i++ {
			g.adj[keys[i-1]][keys[i]] = true
			g.adj[keys[i]][keys[i-1]] = true
		}
	}
	e.built[name] = g
	return g, nil
}

// Invalidate drops the cached graph so the next query rebuilds it.
func (e *Engine) Invalidate(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.built, name)
}

// seedKeys returns the query entities present in the graph, in extraction
// order.
func seedKeys(g *cooccurrence, query string) []string {
	var out []string
	for _, entity := range ExtractEntities(query, 0) {
		key := strings.ToLower(entity)
		if _, ok := g.labels[key]; ok {
			out = append(out, key)
		}
	}
	return out
}

// components lists connected components, each sorted by key, components
// ordered by their smallest key.
func (g *cooccurrence) components() [][]string {
	visited := make(map[string]bool)
	var out [][]string
	for _, start := range sortedKeys(toSet(g.labels)) {
		if visited[start] {
			continue
		}
		var component []string
		stack := []string{start}
		for len(stack) > 0 {
			key := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[key] {
				continue
			}
			visited[key] = true
			component = append(component, key)
			stack = append(stack, sortedKeys(g.adj[key])...)
		}
		sort.Strings(component)
		out = append(out, component)
	}
	return out
}

func toSet(labels map[string]string) map[string]bool {
	out := make(map[string]bool, len(labels))
	for key := range labels {
		out[key] = true
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
