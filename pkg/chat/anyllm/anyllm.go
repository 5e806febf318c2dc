// Package anyllm provides a chat provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more. It covers backends that have no first-class Toolbridge adapter;
// the dedicated ollama, openaiapi, and gateway adapters remain preferred
// where they apply because they carry backend-specific recovery logic.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/chat/budget"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// defaultContextWindow is assumed for backends that do not report a window.
const defaultContextWindow = 128_000

// Ensure Provider implements the chat.Provider interface at compile time.
var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider by wrapping an any-llm-go backend.
type Provider struct {
	backend       anyllmlib.Provider
	backendName   string
	contextWindow int
	onTruncate    chat.TruncationHook
}

// New creates a Provider for the named backend. backendName is one of:
// "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq".
// opts are any-llm-go options (e.g. anyllmlib.WithAPIKey). Without an API
// key option the backend falls back to its conventional environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, …).
func New(backendName string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{
		backend:       backend,
		backendName:   backendName,
		contextWindow: defaultContextWindow,
	}, nil
}

// WithTruncationHook registers h to observe budget truncations and
// returns p for chaining at construction. New's variadic slot carries
// any-llm-go options, so this adapter's own knobs live on methods.
func (p *Provider) WithTruncationHook(h chat.TruncationHook) *Provider {
	p.onTruncate = h
	return p
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", name)
	}
}

// HealthCheck issues a minimal one-token completion as a probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	one := 1
	_, err := p.backend.Completion(ctx, anyllmlib.CompletionParams{
		Messages:  []anyllmlib.Message{{Role: anyllmlib.RoleUser, Content: "ping"}},
		MaxTokens: &one,
	})
	if err != nil {
		return fmt.Errorf("anyllm: %w: %w", chat.ErrProviderUnavailable, err)
	}
	return nil
}

// ListModels is not uniformly supported across any-llm-go backends; the
// returned list is empty. Callers pass explicit model names through
// [chat.Request.Model].
func (p *Provider) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	return nil, nil
}

// Chat sends req through the wrapped backend, budget-fitted to the assumed
// context window.
func (p *Provider) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	fitted := budget.Fit(req, p.contextWindow)
	if p.onTruncate != nil {
		if before, after := budget.Estimate(req), budget.Estimate(fitted); after < before {
			p.onTruncate(ctx, before, after)
		}
	}
	params := buildParams(fitted)

	if fitted.Stream {
		return p.chatStream(ctx, params)
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("anyllm: %w", chat.ErrCancelled)
		}
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	msg := types.Message{
		Role:    types.RoleAssistant,
		Content: choice.Message.ContentString(),
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return &chat.Response{
		Message: msg,
		Done:    choice.FinishReason != anyllmlib.FinishReasonToolCalls,
	}, nil
}

// chatStream adapts the backend's chunk/error channel pair to a fragment
// stream.
func (p *Provider) chatStream(ctx context.Context, params anyllmlib.CompletionParams) (*chat.Response, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan chat.Fragment, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case ch <- chat.Fragment{Text: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			select {
			case ch <- chat.Fragment{Err: fmt.Errorf("anyllm: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return &chat.Response{
		Message: types.Message{Role: types.RoleAssistant},
		Stream:  ch,
		Done:    true,
	}, nil
}

// buildParams converts a chat.Request into any-llm-go params. Multi-part
// content is flattened to text; image-capable routing belongs to the
// first-class adapters.
func buildParams(req chat.Request) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, len(req.Messages))
	for i, m := range req.Messages {
		msg := anyllmlib.Message{
			Role:       string(m.Role),
			Content:    m.Text(),
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages[i] = msg
	}

	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: messages,
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}
