// Package rag executes retrieval-augmented generation pipelines: an ordered
// list of stages that rewrite and route queries, retrieve from vector
// stores, frames, and graphs, fuse and rerank matches, and generate the
// final answer.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/namel3ss/n3flow/frame"
	"github.com/namel3ss/n3flow/graph"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/telemetry"
	"github.com/namel3ss/n3flow/vector"
)

type (
	// Generate invokes the named AI call with a prompt and returns its
	// text. The engine wires this to the provider adapter.
	Generate func(ctx context.Context, aiCall, prompt string) (string, error)

	// Match is one scored retrieval hit.
	Match struct {
		Text   string
		Score  float64
		Source string
	}

	// Context accumulates pipeline state across stages.
	Context struct {
		OriginalQuestion   string
		CurrentQuery       string
		Queries            []string
		Subquestions       []string
		ChosenVectorStores []string
		Matches            []Match
		MatchesPerStage    map[string][]Match
		Context            string
		Answer             string
	}

	// Runner executes declared pipelines.
	Runner struct {
		pipelines map[string]*ir.RAGPipeline
		vectors   *vector.Index
		graphs    *graph.Engine
		frames    *frame.Store
		generate  Generate

		metrics telemetry.Metrics
		events  telemetry.Sink
	}

	// CallInfo names the flow and step for event attribution.
	CallInfo struct {
		Flow string
		Step string
	}
)

// rrfK is the standard Reciprocal Rank Fusion dampening constant.
const rrfK = 60.0

// NewRunner builds a pipeline runner. Telemetry arguments may be nil.
func NewRunner(pipelines map[string]*ir.RAGPipeline, vectors *vector.Index, graphs *graph.Engine, frames *frame.Store, generate Generate, metrics telemetry.Metrics, events telemetry.Sink) *Runner {
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if events == nil {
		events = telemetry.NopSink{}
	}
	return &Runner{
		pipelines: pipelines,
		vectors:   vectors,
		graphs:    graphs,
		frames:    frames,
		generate:  generate,
		metrics:   metrics,
		events:    events,
	}
}

// Run executes the named pipeline against the question and returns the
// final context, including the answer when an ai_answer stage ran.
func (r *Runner) Run(ctx context.Context, name, question string, info CallInfo) (*Context, error) {
	pipeline, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("rag pipeline '%s' is not defined", name)
	}
	r.metrics.IncCounter(telemetry.MetricRAGQueries, 1, "pipeline", name)

	rc := &Context{
		OriginalQuestion: question,
		CurrentQuery:     question,
		MatchesPerStage:  make(map[string][]Match),
	}
	for i, stage := range pipeline.Stages {
		if err := r.runStage(ctx, stage, rc); err != nil {
			return nil, fmt.Errorf("rag pipeline '%s' stage %d (%s): %w", name, i+1, stage.Kind, err)
		}
		telemetry.Emit(r.events, telemetry.Event{
			Kind:     "rag",
			Type:     "rag_stage",
			FlowName: info.Flow,
			StepName: info.Step,
			Status:   "success",
			Message:  stage.Kind,
			Extra:    map[string]any{"pipeline": name, "matches": len(rc.Matches)},
		})
	}
	return rc, nil
}

func (r *Runner) runStage(ctx context.Context, stage *ir.RAGStage, rc *Context) error {
	switch stage.Kind {
	case "ai_rewrite":
		return r.aiRewrite(ctx, stage, rc)
	case "query_route":
		return r.queryRoute(ctx, stage, rc)
	case "multi_query":
		return r.multiQuery(ctx, stage, rc)
	case "query_decompose":
		return r.queryDecompose(ctx, stage, rc)
	case "vector_retrieve":
		return r.vectorRetrieve(stage, rc)
	case "table_lookup":
		return r.tableLookup(stage, rc)
	case "table_summarise":
		return r.tableSummarise(stage, rc)
	case "graph_query":
		return r.graphQuery(stage, rc)
	case "graph_summary_lookup":
		return r.graphSummaryLookup(stage, rc)
	case "ai_rerank":
		return r.rerank(rc)
	case "context_compress":
		return r.contextCompress(stage, rc)
	case "fusion":
		return r.fusion(stage, rc)
	case "ai_answer":
		return r.aiAnswer(ctx, stage, rc)
	default:
		return fmt.Errorf("unknown stage kind '%s'", stage.Kind)
	}
}

func (r *Runner) aiRewrite(ctx context.Context, stage *ir.RAGStage, rc *Context) error {
	prompt := fmt.Sprintf("Rewrite this question as a focused search query.\nQuestion: %s", rc.OriginalQuestion)
	if rc.Context != "" {
		prompt += "\nKnown context: " + rc.Context
	}
	rewritten, err := r.generate(ctx, stage.AICall, prompt)
	if err != nil {
		return err
	}
	if rewritten = strings.TrimSpace(rewritten); rewritten != "" {
		rc.CurrentQuery = rewritten
	}
	return nil
}

// queryRoute asks the model which of the candidate stores fit the question
// and keeps the ones it names. No recognized name keeps every candidate.
func (r *Runner) queryRoute(ctx context.Context, stage *ir.RAGStage, rc *Context) error {
	choices := stage.VectorStores
	if len(choices) == 0 {
		choices = r.vectors.Names()
	}
	prompt := fmt.Sprintf("Which of these sources answer the question? Reply with source names.\nSources: %s\nQuestion: %s",
		strings.Join(choices, ", "), rc.OriginalQuestion)
	reply, err := r.generate(ctx, stage.AICall, prompt)
	if err != nil {
		return err
	}
	lowered := strings.ToLower(reply)
	var chosen []string
	for _, store := range choices {
		if strings.Contains(lowered, strings.ToLower(store)) {
			chosen = append(chosen, store)
		}
	}
	if len(chosen) == 0 {
		chosen = choices
	}
	rc.ChosenVectorStores = chosen
	return nil
}

func (r *Runner) multiQuery(ctx context.Context, stage *ir.RAGStage, rc *Context) error {
	prompt := fmt.Sprintf("Generate alternative phrasings of this question, one per line.\nQuestion: %s", rc.CurrentQuery)
	reply, err := r.generate(ctx, stage.AICall, prompt)
	if err != nil {
		return err
	}
	rc.Queries = capLines(reply, stage.TopK)
	return nil
}

func (r *Runner) queryDecompose(ctx context.Context, stage *ir.RAGStage, rc *Context) error {
	prompt := fmt.Sprintf("Break this question into simpler subquestions, one per line.\nQuestion: %s", rc.CurrentQuery)
	reply, err := r.generate(ctx, stage.AICall, prompt)
	if err != nil {
		return err
	}
	rc.Subquestions = capLines(reply, stage.TopK)
	return nil
}

// vectorRetrieve searches the stage's stores (falling back to routed, then
// all stores) with every pending query and folds the hit text into the
// running context.
func (r *Runner) vectorRetrieve(stage *ir.RAGStage, rc *Context) error {
	stores := stage.VectorStores
	if len(stores) == 0 {
		stores = rc.ChosenVectorStores
	}
	if len(stores) == 0 {
		stores = r.vectors.Names()
	}
	queries := rc.Queries
	if len(queries) == 0 {
		queries = []string{rc.CurrentQuery}
	}
	var found []Match
	for _, store := range stores {
		for _, query := range queries {
			hits, err := r.vectors.Search(store, query, stage.TopK)
			if err != nil {
				return err
			}
			for _, hit := range hits {
				found = append(found, Match{Text: hit.Text, Score: hit.Score, Source: hit.Source})
			}
		}
	}
	r.record(stage, rc, found)
	for _, m := range found {
		if rc.Context != "" {
			rc.Context += "\n"
		}
		rc.Context += m.Text
	}
	return nil
}

// tableLookup appends rows whose match column contains the current query as
// a case-insensitive substring.
func (r *Runner) tableLookup(stage *ir.RAGStage, rc *Context) error {
	needle := strings.ToLower(rc.CurrentQuery)
	rows, err := r.frames.Query(stage.Frame, func(row map[string]any) bool {
		cell, ok := row[stage.MatchColumn].(string)
		return ok && strings.Contains(strings.ToLower(cell), needle)
	})
	if err != nil {
		return err
	}
	var found []Match
	for _, row := range rows {
		cell, _ := row[stage.MatchColumn].(string)
		found = append(found, Match{Text: cell, Score: 1, Source: stage.Frame})
	}
	if stage.TopK > 0 && len(found) > stage.TopK {
		found = found[:stage.TopK]
	}
	r.record(stage, rc, found)
	return nil
}

// tableSummarise groups the frame's rows by a column and appends one
// summary line per group.
func (r *Runner) tableSummarise(stage *ir.RAGStage, rc *Context) error {
	rows, err := r.frames.Query(stage.Frame, nil)
	if err != nil {
		return err
	}
	counts := make(map[string]int)
	for _, row := range rows {
		counts[fmt.Sprint(row[stage.GroupBy])]++
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var found []Match
	for _, key := range keys {
		found = append(found, Match{
			Text:   fmt.Sprintf("%s: %d rows", key, counts[key]),
			Score:  float64(counts[key]),
			Source: stage.Frame,
		})
	}
	r.record(stage, rc, found)
	return nil
}

func (r *Runner) graphQuery(stage *ir.RAGStage, rc *Context) error {
	nodes, err := r.graphs.Query(stage.Graph, rc.CurrentQuery, stage.MaxHops, stage.MaxNodes)
	if err != nil {
		return err
	}
	var found []Match
	for _, node := range nodes {
		found = append(found, Match{
			Text:   node.Label,
			Score:  1.0 / float64(1+node.Depth),
			Source: stage.Graph,
		})
	}
	r.record(stage, rc, found)
	return nil
}

func (r *Runner) graphSummaryLookup(stage *ir.RAGStage, rc *Context) error {
	summaries, err := r.graphs.SummaryLookup(stage.Summary, rc.CurrentQuery)
	if err != nil {
		return err
	}
	var found []Match
	for _, s := range summaries {
		found = append(found, Match{Text: s.Text, Score: s.Score, Source: stage.Summary})
	}
	r.record(stage, rc, found)
	return nil
}

// rerank orders accumulated matches by score, highest first. The stable
// sort preserves retrieval order among ties.
func (r *Runner) rerank(rc *Context) error {
	sort.SliceStable(rc.Matches, func(a, b int) bool { return rc.Matches[a].Score > rc.Matches[b].Score })
	return nil
}

func (r *Runner) contextCompress(stage *ir.RAGStage, rc *Context) error {
	if stage.MaxTokens > 0 && len(rc.Context) > stage.MaxTokens {
		rc.Context = rc.Context[:stage.MaxTokens]
	}
	return nil
}

// fusion merges the referenced stages' match lists with Reciprocal Rank
// Fusion and replaces the accumulated matches with the fused ranking.
func (r *Runner) fusion(stage *ir.RAGStage, rc *Context) error {
	type fused struct {
		match Match
		score float64
		order int
	}
	byText := make(map[string]*fused)
	var ordered []*fused
	for _, from := range stage.FromStages {
		for rank, m := range rc.MatchesPerStage[from] {
			f, ok := byText[m.Text]
			if !ok {
				f = &fused{match: m, order: len(ordered)}
				byText[m.Text] = f
				ordered = append(ordered, f)
			}
			f.score += 1.0 / (rrfK + float64(rank+1))
		}
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].score != ordered[b].score {
			return ordered[a].score > ordered[b].score
		}
		return ordered[a].order < ordered[b].order
	})
	out := make([]Match, 0, len(ordered))
	for _, f := range ordered {
		m := f.match
		m.Score = f.score
		out = append(out, m)
	}
	if stage.TopK > 0 && len(out) > stage.TopK {
		out = out[:stage.TopK]
	}
	rc.Matches = out
	rc.MatchesPerStage["fusion"] = out
	return nil
}

func (r *Runner) aiAnswer(ctx context.Context, stage *ir.RAGStage, rc *Context) error {
	var b strings.Builder
	b.WriteString("Answer the question using only the provided context.\n")
	b.WriteString("Question: " + rc.OriginalQuestion + "\n")
	if rc.Context != "" {
		b.WriteString("Context:\n" + rc.Context + "\n")
	}
	if len(rc.Matches) > 0 {
		b.WriteString("Sources:\n")
		for _, m := range rc.Matches {
			b.WriteString("- " + m.Text + "\n")
		}
	}
	answer, err := r.generate(ctx, stage.AICall, b.String())
	if err != nil {
		return err
	}
	rc.Answer = strings.TrimSpace(answer)
	return nil
}

// record appends a stage's matches to the running list and to the per-stage
// map keyed by stage kind.
func (r *Runner) record(stage *ir.RAGStage, rc *Context, found []Match) {
	rc.Matches = append(rc.Matches, found...)
	rc.MatchesPerStage[stage.Kind] = append(rc.MatchesPerStage[stage.Kind], found...)
}

// capLines splits a model reply into trimmed lines, dropping bullets and
// numbering, capped at max when positive.
func capLines(reply string, max int) []string {
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		if line == "" {
			continue
		}
		out = append(out, line)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
