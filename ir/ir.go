// Package ir defines the intermediate representation consumed by the flow
// runtime. The DSL parser and lowering passes live in a separate tool; the
// runtime receives a fully resolved Program and treats it as immutable.
//
// Collections are keyed by identifier. Entries never hold back-pointers to
// each other: a flow references an AI call by name and the runtime resolves it
// through the Program registries at execution time.
package ir

type (
	// Program is the immutable root of a loaded application. All lookups
	// performed by the runtime go through its registries.
	Program struct {
		// Name identifies the application.
		Name string

		Flows        map[string]*Flow
		AICalls      map[string]*AICall
		Agents       map[string]*Agent
		Tools        map[string]*Tool
		Records      map[string]*RecordDef
		Frames       map[string]*FrameDef
		VectorStores map[string]*VectorStoreDef
		Graphs       map[string]*GraphDef
		GraphSummaries map[string]*GraphSummaryDef
		RAGPipelines map[string]*RAGPipeline
		Helpers      map[string]*Helper
		RuleGroups   map[string]*RuleGroup
		MemoryStores map[string]*MemoryStoreDef
		Providers    map[string]*ProviderDef

		// Auth carries application-level auth configuration. Nil when the
		// program declares none.
		Auth *AuthConfig
	}

	// AICall configures a single model invocation: prompt, provider binding,
	// memory, and streaming behavior.
	AICall struct {
		Name         string
		Provider     string
		Model        string
		SystemPrompt string
		// PromptExpr produces the user message. Nil means the flow supplies
		// the message through step params.
		PromptExpr *Expr
		// Stream selects the streaming mode: "", "tokens", "sentences" or
		// "full". Empty disables streaming.
		Stream string
		// Memory lists the memory kinds attached to this call, in recall
		// order.
		Memory []*MemoryBinding
		// VectorMemory names a vector store consulted for additional context
		// before the call. Empty disables vector recall.
		VectorMemory string
		// SummaryThreshold is the transcript length (in turns) above which the
		// adapter rewrites older history into a summary. Zero disables.
		SummaryThreshold int
		Temperature      float32
		MaxTokens        int
	}

	// Agent is an AI call with tool access. The runtime treats it as an AI
	// step whose provider may request tool invocations.
	Agent struct {
		Name         string
		Provider     string
		Model        string
		SystemPrompt string
		Tools        []string
		MaxTurns     int
	}

	// Helper is a named expression evaluated with bound parameters.
	Helper struct {
		Name   string
		Params []string
		Body   *Expr
	}

	// RuleGroup is a named conjunction of boolean expressions. Referencing a
	// rulegroup in an expression evaluates every rule against the current
	// environment.
	RuleGroup struct {
		Name  string
		Rules []*Expr
	}

	// ProviderDef binds a provider identifier to credentials and defaults.
	ProviderDef struct {
		Name    string
		Kind    string // "openai", "anthropic", "mock"
		APIKey  string
		BaseURL string
		// Status is mutated by the runtime after calls: "ok" or
		// "unauthorized". It is the only mutable field in the IR and exists
		// so studio surfaces can display provider health.
		Status string
	}

	// AuthConfig describes application level authentication. The runtime only
	// consumes the user record binding for auth_* steps.
	AuthConfig struct {
		UserRecord    string
		IdentityField string
		SecretField   string
	}

	// FrameDef declares a tabular store. File-backed frames load lazily from
	// Path; memory frames start from Seed.
	FrameDef struct {
		Name string
		// Path points at a CSV file for file-backed frames. Empty means the
		// frame is memory-backed.
		Path string
		// Columns fixes the column order for positional CSV files. Empty
		// means the first row is a header.
		Columns []string
		// Seed holds initial rows for memory-backed frames.
		Seed []map[string]any
	}

	// VectorStoreDef declares a vector store fed by a frame or by explicit
	// documents.
	VectorStoreDef struct {
		Name        string
		SourceFrame string
		TextColumn  string
		Documents   []string
	}

	// GraphDef declares an entity co-occurrence graph built lazily from a
	// source frame.
	GraphDef struct {
		Name              string
		SourceFrame       string
		TextColumn        string
		MaxEntitiesPerDoc int
	}

	// GraphSummaryDef declares a connected-component summary over a graph.
	GraphSummaryDef struct {
		Name  string
		Graph string
		TopK  int
	}
)

// Flow returns the named flow or nil.
func (p *Program) Flow(name string) *Flow {
	if p == nil {
		return nil
	}
	return p.Flows[name]
}
