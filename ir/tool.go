package ir

type (
	// Tool configures an invocable tool. Kind selects the transport.
	Tool struct {
		Name string
		// Kind is "http", "graphql", "multipart" or "local_function".
		Kind string

		// Method is the HTTP method. Defaults to GET for http tools and POST
		// for graphql/multipart.
		Method string
		// URLTemplate interpolates `{arg}` placeholders with sanitized
		// argument values. URLExpr takes precedence when set.
		URLTemplate string
		URLExpr     *Expr

		// Headers and Query map names to expressions evaluated per call.
		Headers []NamedExpr
		Query   []NamedExpr
		// QueryEncoding selects list encoding: "repeat" (default) or "csv".
		QueryEncoding string

		// BodyFields builds a JSON object body; BodyTemplate sends a raw
		// string body. Multipart tools use BodyFields as form parts.
		BodyFields   []NamedExpr
		BodyTemplate string

		// GraphQLQuery is the query document for graphql tools; arguments
		// become the variables object.
		GraphQLQuery string

		// Function names the registered local function for local_function
		// tools.
		Function string

		// InputFields lists required argument names.
		InputFields []string

		TimeoutSeconds float64
		Retry          *ToolRetry
		Auth           *ToolAuth
		RateLimit      *ToolRateLimit

		// ResponseSchema is a JSON schema (as a JSON-shaped map) validated
		// against tool output. Nil disables validation.
		ResponseSchema map[string]any

		// LogLevel controls request/response logging: "none", "basic" or
		// "full". Headers are always redacted.
		LogLevel string
	}

	// ToolRetry configures tool call retries.
	ToolRetry struct {
		MaxAttempts int
		// Backoff is "none", "constant" or "exponential".
		Backoff      string
		InitialDelay float64
		MaxDelay     float64
		Jitter       bool
		// RetryOnStatus lists HTTP status codes that trigger a retry.
		RetryOnStatus []int
		// AllowUnsafe permits retries on non-idempotent methods.
		AllowUnsafe bool
	}

	// ToolAuth configures tool authentication.
	ToolAuth struct {
		// Kind is "bearer", "basic", "api_key", "header" or "oauth2".
		Kind string
		// Token carries the bearer/oauth2 token or api key. Secret
		// placeholders are resolved before the runtime sees it.
		Token    string
		Username string
		Password string
		// HeaderName is the header for api_key/header auth (default
		// "X-API-Key"). When In is "query" the key is sent as a query
		// parameter instead.
		HeaderName string
		In         string
	}

	// ToolRateLimit configures the per-tool token bucket.
	ToolRateLimit struct {
		PerSecond float64
		PerMinute float64
		Burst     int
	}
)
