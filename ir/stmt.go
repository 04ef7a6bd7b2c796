package ir

// StmtKind discriminates statement nodes executed inside script steps.
type StmtKind string

const (
	StmtLet        StmtKind = "let"
	StmtSet        StmtKind = "set"
	StmtIf         StmtKind = "if"
	StmtMatch      StmtKind = "match"
	StmtForEach    StmtKind = "for_each"
	StmtRepeat     StmtKind = "repeat"
	StmtRetry      StmtKind = "retry"
	StmtTry        StmtKind = "try"
	StmtGuard      StmtKind = "guard"
	StmtAsk        StmtKind = "ask"
	StmtForm       StmtKind = "form"
	StmtLog        StmtKind = "log"
	StmtNote       StmtKind = "note"
	StmtCheckpoint StmtKind = "checkpoint"
	StmtReturn     StmtKind = "return"
	StmtAction     StmtKind = "action"
	StmtTransaction StmtKind = "transaction"
)

type (
	// Stmt is a single statement. Kind selects the populated fields.
	Stmt struct {
		Kind StmtKind

		// Name is the binding target for let/set/ask/form, or the loop
		// variable for for_each.
		Name string

		// Bind destructures the evaluated value for let and for_each when the
		// source declares a pattern instead of a plain name.
		Bind *BindPattern

		// Const marks a let binding immutable.
		Const bool

		// Expr is the evaluated expression for let/set/guard/return and the
		// match subject.
		Expr *Expr

		// StatePath holds the `state.<field>` target segments of a set
		// statement. Empty means Name targets a variable.
		StatePath []string

		// Branches holds if / otherwise-if arms in source order.
		Branches []CondBranch

		// Cases holds match arms in source order.
		Cases []MatchCase

		// Else is the `otherwise` body for if and match.
		Else []*Stmt

		// Body is the main nested block (loops, retry, try, guard,
		// transaction).
		Body []*Stmt

		// Catch is the handler body of a try statement; CatchName binds the
		// error value inside it.
		Catch     []*Stmt
		CatchName string

		// Count bounds `repeat up to N times` and `retry up to N times`.
		Count int

		// Backoff enables exponential sleep between retry attempts;
		// BackoffBase is the initial delay in seconds (default 1).
		Backoff     bool
		BackoffBase float64

		// Label is the user-facing prompt for ask/form and the text of
		// note/checkpoint statements.
		Label string

		// FormFields lists the fields collected by a form statement.
		FormFields []FormField

		// Level is the log severity: "info", "warning" or "error".
		Level string

		// Meta is the optional structured metadata expression of a log
		// statement.
		Meta *Expr

		// Action describes the inline step of an action statement.
		Action *Action
	}

	// CondBranch is one `if`/`otherwise if` arm. As optionally rebinds the
	// condition subject inside the body.
	CondBranch struct {
		Cond *Expr
		As   string
		Body []*Stmt
	}

	// MatchCase is one `when` arm. Exactly one of Pattern, Success or Error
	// applies: Success/Error match result-shaped values and bind the payload
	// or error to As.
	MatchCase struct {
		Pattern *Expr
		Success bool
		Error   bool
		As      string
		Body    []*Stmt
	}

	// BindPattern destructures a record or list value into variables.
	BindPattern struct {
		// Record maps source field names to binding names. A field bound to
		// itself appears with equal key and value.
		Record []FieldBind
		// List binds positional elements.
		List []string
	}

	// FieldBind renames one destructured record field.
	FieldBind struct {
		Field string
		As    string
	}

	// FormField is one collected input of a form statement.
	FormField struct {
		Label string
		Name  string
	}

	// Action is an inline `do`/`go to` statement: it runs a synthetic step of
	// the referenced kind with the given arguments.
	Action struct {
		// Kind is "ai", "agent", "tool", "flow" or "goto".
		Kind string
		// Target names the referenced ai call, agent, tool, flow or page.
		Target string
		// Args maps argument names to expressions (`with k: v, ...`).
		Args []NamedExpr
	}

	// NamedExpr is an ordered name/expression pair.
	NamedExpr struct {
		Name string
		Expr *Expr
	}
)
