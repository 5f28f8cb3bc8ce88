// Package llm wraps the model provider behind a small Client interface and
// implements the six JSON-contract agents of the text-to-SQL pipeline
// (translator, clarifier, planner, engineer, expert, repair).
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ashita-ai/karte/internal/rag"
)

// ErrBadAgentReply marks a provider response that violates the JSON
// contract. Mapped to upstream_error (502) by the HTTP layer.
var ErrBadAgentReply = errors.New("llm: agent reply violates JSON contract")

// ErrEmptyReply marks a provider response with no content at all.
var ErrEmptyReply = errors.New("llm: empty reply")

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response carries the text plus the provider-reported token usage. When
// the provider omits usage, both counts are estimated locally.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Client is the minimal completion interface the agents build on.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// OpenAIClient is the production client: any OpenAI-compatible endpoint
// through langchaingo. Token usage is read from GenerationInfo; a tiktoken
// counter fills the gap for providers that do not report usage.
type OpenAIClient struct {
	model   llms.Model
	counter *rag.TokenCounter
}

// NewOpenAIClient builds the production client. baseURL may be empty for
// the default OpenAI endpoint.
func NewOpenAIClient(baseURL, apiKey, model string) (*OpenAIClient, error) {
	opts := []openai.Option{openai.WithModel(model), openai.WithToken(apiKey)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: init provider: %w", err)
	}
	return &OpenAIClient{model: m, counter: rag.NewTokenCounter()}, nil
}

// Complete sends one system+user exchange and returns the first choice.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}

	var opts []llms.CallOption
	opts = append(opts, llms.WithTemperature(req.Temperature))
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("llm: generate: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return Response{}, ErrEmptyReply
	}
	choice := resp.Choices[0]

	out := Response{Content: choice.Content}
	out.InputTokens = genInfoInt(choice.GenerationInfo, "PromptTokens")
	out.OutputTokens = genInfoInt(choice.GenerationInfo, "CompletionTokens")
	if out.InputTokens == 0 {
		out.InputTokens = c.counter.Count(req.System) + c.counter.Count(req.Prompt)
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = c.counter.Count(choice.Content)
	}
	return out, nil
}

func genInfoInt(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ExtractJSON pulls the JSON object out of a free-form agent reply. A
// fenced ```json block wins; otherwise everything from the first '{' to
// the last '}' is taken. Anything else violates the contract.
func ExtractJSON(s string) (json.RawMessage, error) {
	if fenced := fencedBlock(s); fenced != "" {
		s = fenced
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrBadAgentReply)
	}
	return json.RawMessage(s[start : end+1]), nil
}

// fencedBlock returns the content of the first ```json (or bare ```) fence.
func fencedBlock(s string) string {
	i := strings.Index(s, "```")
	if i < 0 {
		return ""
	}
	rest := s[i+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		head := strings.TrimSpace(strings.ToLower(rest[:nl]))
		if head == "json" || head == "" {
			rest = rest[nl+1:]
		}
	}
	if j := strings.Index(rest, "```"); j >= 0 {
		return rest[:j]
	}
	return ""
}
