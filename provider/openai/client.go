// Package openai implements the provider client contract over the OpenAI
// Chat Completions API using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/namel3ss/n3flow/provider"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter. Satisfied by *openai.Client and by mocks in tests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Client implements provider.Client via the OpenAI Chat Completions API.
type Client struct {
	name string
	chat ChatClient
}

// New builds an OpenAI-backed client. name is the provider registry name
// used in error attribution.
func New(name string, chat ChatClient) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	return &Client{name: name, chat: chat}, nil
}

// NewFromConfig constructs a client from an API key and optional base URL.
func NewFromConfig(name, apiKey, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(name, openai.NewClientWithConfig(cfg))
}

// Generate issues a non-streaming chat completion.
func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return provider.Response{}, c.classify(req.Model, err)
	}
	return c.translateResponse(req.Model, response)
}

// Stream opens a streaming chat completion. Tool calls are rejected before
// the request is sent.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	if len(req.Tools) > 0 {
		return nil, provider.NewConfigError(c.name, req.Model, "streaming calls cannot request tools")
	}
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	s, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, c.classify(req.Model, err)
	}
	return &chatStreamer{stream: s}, nil
}

func (c *Client) encodeRequest(req provider.Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, provider.NewConfigError(c.name, req.Model, "messages are required")
	}
	if req.Model == "" {
		return openai.ChatCompletionRequest{}, provider.NewConfigError(c.name, "", "model identifier is required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	request := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, def := range req.Tools {
		schema := def.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		})
	}
	return request, nil
}

func (c *Client) translateResponse(model string, response openai.ChatCompletionResponse) (provider.Response, error) {
	if len(response.Choices) == 0 {
		return provider.Response{}, provider.NewTransientError(c.name, model, 0,
			errors.New("openai returned no choices"))
	}
	choice := response.Choices[0]
	out := provider.Response{Text: choice.Message.Content, Raw: response}
	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return provider.Response{}, fmt.Errorf("decode tool call arguments for %s: %w",
					call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{Name: call.Function.Name, Args: args})
	}
	return out, nil
}

// classify maps go-openai errors onto the provider taxonomy. 401/403 are
// auth failures; 408/429/5xx are transient.
func (c *Client) classify(model string, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == 401 || status == 403:
		return provider.NewAuthError(c.name, model, status, err)
	case status == 408 || status == 429 || status >= 500:
		return provider.NewTransientError(c.name, model, status, err)
	case status != 0:
		return provider.NewConfigError(c.name, model, "openai rejected the request: %v", err)
	default:
		return err
	}
}

// chatStreamer adapts the go-openai SSE stream to the provider Streamer.
type chatStreamer struct {
	stream *openai.ChatCompletionStream
}

func (s *chatStreamer) Recv() (provider.Chunk, error) {
	for {
		response, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return provider.Chunk{}, io.EOF
		}
		if err != nil {
			return provider.Chunk{}, err
		}
		if len(response.Choices) == 0 {
			continue
		}
		return provider.Chunk{Delta: response.Choices[0].Delta.Content}, nil
	}
}

func (s *chatStreamer) Close() error { return s.stream.Close() }
