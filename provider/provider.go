// Package provider defines the model invocation layer: a provider-agnostic
// client contract, the error taxonomy surfaced to flows, and the adapter
// that wraps every call with circuit breaking, retries, timeouts, and
// streaming segmentation.
package provider

import "context"

type (
	// Client is the contract implemented per provider SDK (OpenAI,
	// Anthropic). Clients must be safe for concurrent use.
	Client interface {
		// Generate sends a non-streaming completion request.
		Generate(ctx context.Context, req Request) (Response, error)

		// Stream opens a streaming completion. The returned Streamer must be
		// closed by the caller.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer yields incremental output. Recv returns io.EOF after the
	// final chunk.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Request carries the normalized parameters of one model invocation.
	Request struct {
		Model       string
		Messages    []Message
		Tools       []ToolDefinition
		MaxTokens   int
		Temperature float32
	}

	// Message is one chat turn. Role is "system", "user" or "assistant".
	Message struct {
		Role    string
		Content string
	}

	// ToolDefinition describes a tool schema exposed to the model.
	ToolDefinition struct {
		Name        string
		Description string
		Schema      map[string]any
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		Name string
		Args map[string]any
	}

	// Response wraps the generated text and any tool call requests.
	Response struct {
		Text      string
		ToolCalls []ToolCall
		Raw       any
	}

	// Chunk is one streamed delta.
	Chunk struct {
		Delta string
	}
)

// Chat message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
