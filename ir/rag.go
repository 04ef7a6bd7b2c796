package ir

type (
	// RAGPipeline is an ordered list of retrieval/generation stages.
	RAGPipeline struct {
		Name   string
		Stages []*RAGStage
	}

	// RAGStage configures one pipeline stage. Kind selects the meaningful
	// fields.
	RAGStage struct {
		// Kind is one of: "ai_rewrite", "query_route", "multi_query",
		// "query_decompose", "vector_retrieve", "table_lookup",
		// "table_summarise", "graph_query", "graph_summary_lookup",
		// "ai_rerank", "context_compress", "fusion", "ai_answer".
		Kind string

		// AICall names the model call for ai_* stages.
		AICall string

		// VectorStores lists the target stores for vector_retrieve and the
		// route choices for query_route.
		VectorStores []string

		// TopK caps retrieved matches, generated queries and summary hits.
		TopK int

		// Frame and MatchColumn configure table_lookup; GroupBy configures
		// table_summarise.
		Frame       string
		MatchColumn string
		GroupBy     string

		// Graph, MaxHops and MaxNodes configure graph_query.
		Graph    string
		MaxHops  int
		MaxNodes int

		// Summary names the graph summary for graph_summary_lookup.
		Summary string

		// MaxTokens bounds context_compress output (approximated in
		// characters).
		MaxTokens int

		// FromStages and Method configure fusion. Method "rrf" is
		// implemented; "combsum"/"combmnz" degrade to rrf.
		FromStages []string
		Method     string
	}
)
