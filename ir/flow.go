package ir

// StepKind enumerates the node kinds a flow graph may contain.
type StepKind string

const (
	StepScript      StepKind = "script"
	StepAI          StepKind = "ai"
	StepAgent       StepKind = "agent"
	StepTool        StepKind = "tool"
	StepCondition   StepKind = "condition"
	StepBranch      StepKind = "branch"
	StepJoin        StepKind = "join"
	StepParallel    StepKind = "parallel"
	StepForEach     StepKind = "for_each"
	StepTry         StepKind = "try"
	StepGotoFlow    StepKind = "goto_flow"
	StepSubflow     StepKind = "subflow"
	StepRAG         StepKind = "rag"
	StepVectorQuery StepKind = "vector_query"
	StepVectorAdd   StepKind = "vector_add"
	StepFrameLoad   StepKind = "frame_load"
	StepFrameAppend StepKind = "frame_append"
	StepDBCreate    StepKind = "db_create"
	StepDBBulkCreate StepKind = "db_bulk_create"
	StepFind        StepKind = "find"
	StepDBUpdate    StepKind = "db_update"
	StepDBBulkUpdate StepKind = "db_bulk_update"
	StepDBDelete    StepKind = "db_delete"
	StepDBBulkDelete StepKind = "db_bulk_delete"
	StepAuthCheck   StepKind = "auth_check"
	StepAuthLogin   StepKind = "auth_login"
	StepNoop        StepKind = "noop"
	StepFunction    StepKind = "function"
	StepTransaction StepKind = "transaction"
)

type (
	// Flow is a named sequence of steps plus control structure, before graph
	// lowering. The runtime lowers it to a node graph on each run.
	Flow struct {
		Name  string
		Steps []*Step
	}

	// Step is one flow step. Control kinds (branch, parallel, for_each, try)
	// nest their bodies; leaf kinds carry configuration.
	Step struct {
		Kind StepKind
		// Name is the step alias; step output becomes addressable as
		// `step.<name>.output`. Optional for control steps.
		Name string

		// When guards execution: when it evaluates false the step is skipped.
		When *Expr

		// TimeoutSeconds bounds step execution. Zero means no timeout.
		TimeoutSeconds float64

		// Target names the referenced resource for ai/agent/tool/rag/goto/
		// subflow/record/frame/vector steps.
		Target string

		// Args maps step parameters to expressions (`with message: ...`).
		Args []NamedExpr

		// Body holds script statements for script steps, the loop body for
		// for_each, and the guarded body for try and transaction steps.
		Body []*Stmt

		// Cond is the branch condition for branch steps and the loop source
		// for for_each steps.
		Cond *Expr

		// TrueSteps/FalseSteps are the branch arms.
		TrueSteps  []*Step
		FalseSteps []*Step

		// ParallelBranches holds the concurrent arms of a parallel step. Each
		// arm is an ordered step list joined after the fan-out.
		ParallelBranches [][]*Step

		// LoopVar binds each element inside a for_each body.
		LoopVar string
		// LoopBind destructures each element when the source declares a
		// pattern.
		LoopBind *BindPattern

		// CatchSteps handle failures of a try step's body; CatchName binds
		// the error.
		CatchSteps []*Step
		CatchName  string

		// Record holds record operation parameters for db_* and find steps.
		Record *RecordOp
	}
)
