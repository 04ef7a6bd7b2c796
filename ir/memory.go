package ir

type (
	// MemoryStoreDef declares a named memory backend. The runtime resolves
	// the binding to a concrete store implementation at engine construction.
	MemoryStoreDef struct {
		Name string
		// Backend is "inmem" or "redis".
		Backend string
		// Addr is the backend address for networked stores.
		Addr string
	}

	// MemoryBinding attaches one memory kind to an AI call.
	MemoryBinding struct {
		// Kind is "short_term", "long_term", "episodic", "semantic" or
		// "profile".
		Kind string
		// Store names the MemoryStoreDef backing this kind.
		Store string
		// Scope is "per_session" (default) or "per_user".
		Scope string
		// RetentionDays drops entries older than this many days. Zero keeps
		// everything.
		RetentionDays int
		// HalfLifeDays enables time-decay ranking with the given half-life.
		// Zero ranks chronologically.
		HalfLifeDays float64
		// PIIPolicy names the scrubbing policy applied before storage, e.g.
		// "strip-email-ip". Empty disables scrubbing.
		PIIPolicy string
		// Recall lists recall rules applied in order when composing messages.
		Recall []RecallRule
		// Pipeline lists post-processing steps run after persisting a turn.
		Pipeline []MemoryPipelineStep
	}

	// RecallRule selects entries from a memory source when composing the
	// prompt.
	RecallRule struct {
		// Source is the memory kind to read.
		Source string
		// Count caps chronological recall; TopK caps decay-ranked recall.
		Count int
		TopK  int
		// Include renders the profile as a system snippet. Lowering only
		// permits it on profile sources.
		Include bool
	}

	// MemoryPipelineStep is one post-processing stage of a memory binding.
	MemoryPipelineStep struct {
		// Kind is "llm_summariser", "llm_fact_extractor" or "vectoriser".
		Kind string
		// Model names the sub-model invoked by llm_* steps and tags
		// vectoriser markers.
		Model string
		// Target is the memory kind receiving the output. Defaults to the
		// binding's own kind.
		Target string
	}
)
