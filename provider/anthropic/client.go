// Package anthropic implements the provider client contract over the
// Anthropic Claude Messages API using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/namel3ss/n3flow/provider"
)

// defaultMaxTokens applies when a request does not cap completion length.
// Anthropic requires an explicit max_tokens on every call.
const defaultMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. Satisfied by *sdk.MessageService and by mocks in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements provider.Client on top of Anthropic Claude Messages.
type Client struct {
	name string
	msg  MessagesClient
}

// New builds an Anthropic-backed client. name is the provider registry name
// used in error attribution.
func New(name string, msg MessagesClient) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	return &Client{name: name, msg: msg}, nil
}

// NewFromConfig constructs a client from an API key and optional base URL.
func NewFromConfig(name, apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	ac := sdk.NewClient(opts...)
	return New(name, &ac.Messages)
}

// Generate issues a non-streaming Messages.New request.
func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return provider.Response{}, c.classify(req.Model, err)
	}
	return c.translateResponse(req.Model, msg)
}

// Stream opens a streaming Messages request. Tool calls are rejected before
// the request is sent.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	if len(req.Tools) > 0 {
		return nil, provider.NewConfigError(c.name, req.Model, "streaming calls cannot request tools")
	}
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	s := c.msg.NewStreaming(ctx, *params)
	if err := s.Err(); err != nil {
		return nil, c.classify(req.Model, err)
	}
	return &messageStreamer{stream: s}, nil
}

func (c *Client) encodeRequest(req provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, provider.NewConfigError(c.name, req.Model, "messages are required")
	}
	if req.Model == "" {
		return nil, provider.NewConfigError(c.name, "", "model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case provider.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	for _, def := range req.Tools {
		schema, err := toolInputSchema(def.Schema)
		if err != nil {
			return nil, provider.NewConfigError(c.name, req.Model,
				"tool '%s' schema: %v", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func (c *Client) translateResponse(model string, msg *sdk.Message) (provider.Response, error) {
	if msg == nil {
		return provider.Response{}, provider.NewTransientError(c.name, model, 0,
			errors.New("anthropic returned a nil message"))
	}
	out := provider.Response{Raw: msg}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return provider.Response{}, provider.NewTransientError(c.name, model, 0, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{Name: block.Name, Args: args})
		}
	}
	return out, nil
}

// classify maps SDK errors onto the provider taxonomy. 401/403 are auth
// failures; 408/429/529/5xx are transient.
func (c *Client) classify(model string, err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	status := apiErr.StatusCode
	switch {
	case status == 401 || status == 403:
		return provider.NewAuthError(c.name, model, status, err)
	case status == 408 || status == 429 || status >= 500:
		return provider.NewTransientError(c.name, model, status, err)
	default:
		return provider.NewConfigError(c.name, model, "anthropic rejected the request: %v", err)
	}
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// messageStreamer adapts the Anthropic SSE stream to the provider Streamer,
// surfacing text deltas and discarding bookkeeping events.
type messageStreamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *messageStreamer) Recv() (provider.Chunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		deltaEvent, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		textDelta, ok := deltaEvent.Delta.AsAny().(sdk.TextDelta)
		if !ok || textDelta.Text == "" {
			continue
		}
		return provider.Chunk{Delta: textDelta.Text}, nil
	}
	if err := s.stream.Err(); err != nil {
		return provider.Chunk{}, err
	}
	return provider.Chunk{}, io.EOF
}

func (s *messageStreamer) Close() error { return s.stream.Close() }
