package ir

// ExprKind discriminates expression nodes. The parser guarantees that only
// the fields relevant to a node's kind are populated.
type ExprKind string

const (
	ExprLiteral  ExprKind = "literal"
	ExprIdent    ExprKind = "ident"
	ExprPath     ExprKind = "path"
	ExprUnary    ExprKind = "unary"
	ExprBinary   ExprKind = "binary"
	ExprList     ExprKind = "list"
	ExprRecord   ExprKind = "record"
	ExprIndex    ExprKind = "index"
	ExprSlice    ExprKind = "slice"
	ExprCall     ExprKind = "call"
	ExprPipeline ExprKind = "pipeline"
	ExprMatches  ExprKind = "matches"
	ExprRuleRef  ExprKind = "rule_ref"
	ExprGetOtherwise ExprKind = "get_otherwise"
	ExprHasKey   ExprKind = "has_key"
)

type (
	// Expr is a node of the expression tree. Kind selects which fields are
	// meaningful.
	Expr struct {
		Kind ExprKind

		// Value holds the constant for literal nodes.
		Value any

		// Name is the identifier for ident nodes, the head segment for path
		// nodes, the function name for call nodes, the rulegroup name for
		// rule_ref nodes and the key for has_key nodes.
		Name string

		// Path lists the trailing segments of a dotted reference
		// (`user.profile.email` has Name "user" and Path ["profile","email"]).
		Path []string

		// Op names the operator for unary and binary nodes: "not", "-",
		// "+", "*", "/", "%", "==", "is", "!=", "<", "<=", ">", ">=", "and",
		// "or", "in", "contains".
		Op string

		// Left and Right are the binary operands. Left doubles as the unary
		// operand, the indexing/slicing target, the matches subject, the
		// get_otherwise target and the has_key container.
		Left  *Expr
		Right *Expr

		// Items holds list literal elements and call arguments.
		Items []*Expr

		// Fields holds record literal entries in source order.
		Fields []RecordEntry

		// From and To bound a slice. Nil means open-ended.
		From *Expr
		To   *Expr

		// Steps holds pipeline stages for pipeline nodes; Left is the source.
		Steps []PipelineStep

		// Pattern holds the match fields for matches nodes.
		Pattern []PatternField

		// Fallback is the `otherwise` value for get_otherwise nodes.
		Fallback *Expr
	}

	// RecordEntry is one `key: value` pair of a record literal.
	RecordEntry struct {
		Key   string
		Value *Expr
	}

	// PatternField is one `key: value` pair of a pattern expression. When Op
	// is set the pattern applies `subject.key <op> value` instead of equality.
	PatternField struct {
		Key   string
		Op    string
		Value *Expr
	}

	// PipelineStep is a single collection pipeline stage.
	PipelineStep struct {
		// Kind is one of "keep", "drop", "group_by", "sort", "take", "skip".
		Kind string
		// Cond is the row predicate for keep/drop steps.
		Cond *Expr
		// Key names the grouping or sort key.
		Key string
		// Desc reverses sort order.
		Desc bool
		// Groups marks a sort step that orders groups rather than rows.
		Groups bool
		// N is the count for take/skip steps.
		N int
		// Lets holds the aggregate bindings of a group_by body. Only `let`
		// statements are permitted there; lowering enforces this.
		Lets []GroupLet
	}

	// GroupLet is one aggregate binding inside a `group by` body.
	GroupLet struct {
		Name string
		Expr *Expr
	}
)

// Lit builds a literal expression. Convenience for tests and synthetic steps.
func Lit(v any) *Expr { return &Expr{Kind: ExprLiteral, Value: v} }

// Ident builds an identifier expression.
func Ident(name string) *Expr { return &Expr{Kind: ExprIdent, Name: name} }

// PathRef builds a dotted reference expression.
func PathRef(head string, rest ...string) *Expr {
	return &Expr{Kind: ExprPath, Name: head, Path: rest}
}

// Bin builds a binary expression.
func Bin(op string, left, right *Expr) *Expr {
	return &Expr{Kind: ExprBinary, Op: op, Left: left, Right: right}
}

// CallExpr builds a builtin or helper call.
func CallExpr(name string, args ...*Expr) *Expr {
	return &Expr{Kind: ExprCall, Name: name, Items: args}
}
