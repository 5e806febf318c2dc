// Package openaiapi provides a chat provider backed by an OpenAI-compatible
// chat completion REST API, using the official openai-go SDK.
//
// Beyond plain completion it implements oversize-payload recovery: on an
// HTTP 413 or a "tokens limit reached" error embedded in a 200 body, the
// request is retried exactly once with a materially smaller token budget
// and every inline image part stripped — large attachments, not
// conversational history, are usually the true cause of oversize payloads.
package openaiapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/chat/budget"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// imagePlaceholder replaces stripped inline image parts on the retry path.
const imagePlaceholder = "[image omitted]"

// tokensLimitMessage is the documented error text some deployments embed in
// an HTTP 200 body when the request exceeds the token limit.
const tokensLimitMessage = "tokens limit reached"

// Ensure Provider implements the chat.Provider interface at compile time.
var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider using the OpenAI API (or any
// API-compatible deployment selected via WithBaseURL).
type Provider struct {
	client     oai.Client
	onTruncate chat.TruncationHook
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	timeout    time.Duration
	onTruncate chat.TruncationHook
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTruncationHook registers h to observe budget truncations.
func WithTruncationHook(h chat.TruncationHook) Option {
	return func(c *config) { c.onTruncate = h }
}

// New constructs a new Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openaiapi: apiKey must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		onTruncate: cfg.onTruncate,
	}, nil
}

// HealthCheck lists models as a cheap reachability and credential probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openaiapi: %w: %w", chat.ErrProviderUnavailable, err)
	}
	return nil
}

// ListModels returns the models offered by the API, with context windows
// from the built-in capabilities table.
func (p *Provider) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openaiapi: list models: %w", err)
	}
	models := make([]types.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, types.ModelInfo{
			Name:          m.ID,
			ContextWindow: contextWindow(m.ID),
		})
	}
	return models, nil
}

// Chat sends req to the completions endpoint, budget-fitted to the model's
// context window. Oversize failures retry once via retryOversize; a second
// oversize failure surfaces as [chat.ErrPayloadTooLarge] wrapping the
// original error.
func (p *Provider) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	limit := contextWindow(req.Model)
	fitted := budget.Fit(req, limit)
	if p.onTruncate != nil {
		if before, after := budget.Estimate(req), budget.Estimate(fitted); after < before {
			p.onTruncate(ctx, before, after)
		}
	}

	resp, err := p.send(ctx, fitted)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("openaiapi: %w", chat.ErrCancelled)
	}
	if !isOversize(err) {
		return nil, err
	}

	retryResp, retryErr := p.send(ctx, stripImages(budget.Fit(fitted, limit/2)))
	if retryErr == nil {
		return retryResp, nil
	}
	return nil, fmt.Errorf("openaiapi: %w: %w", chat.ErrPayloadTooLarge, err)
}

// send performs one completion attempt, buffered or streaming.
func (p *Provider) send(ctx context.Context, req chat.Request) (*chat.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openaiapi: build params: %w", err)
	}

	if req.Stream {
		return p.sendStream(ctx, params)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openaiapi: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		// Some deployments embed "tokens limit reached" in a 200 body
		// instead of returning a proper HTTP error.
		if strings.Contains(strings.ToLower(resp.RawJSON()), tokensLimitMessage) {
			return nil, fmt.Errorf("openaiapi: %s", tokensLimitMessage)
		}
		return nil, fmt.Errorf("openaiapi: empty choices in response")
	}

	choice := resp.Choices[0]
	msg := types.Message{
		Role:    types.RoleAssistant,
		Content: choice.Message.Content,
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
		Done:    choice.FinishReason != "tool_calls",
	}, nil
}

// sendStream starts a streaming completion and adapts the SSE events into a
// fragment channel.
func (p *Provider) sendStream(ctx context.Context, params oai.ChatCompletionNewParams) (*chat.Response, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openaiapi: start stream: %w", err)
	}

	ch := make(chan chat.Fragment, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content == "" {
				continue
			}
			select {
			case ch <- chat.Fragment{Text: delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- chat.Fragment{Err: fmt.Errorf("openaiapi: stream: %w", err)}:
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

// isOversize reports whether err is an oversize-payload failure: HTTP 413
// or the documented tokens-limit message.
func isOversize(err error) bool {
	var apierr *oai.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusRequestEntityTooLarge {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), tokensLimitMessage)
}

// stripImages replaces every inline image part with a short text
// placeholder, leaving text parts and plain content untouched.
func stripImages(req chat.Request) chat.Request {
	msgs := make([]types.Message, len(req.Messages))
	copy(msgs, req.Messages)
	for i, m := range msgs {
		if !m.HasImages() {
			continue
		}
		parts := make([]types.Part, len(m.Parts))
		for j, p := range m.Parts {
			if p.Kind == types.PartImage {
				parts[j] = types.Part{Kind: types.PartText, Text: imagePlaceholder}
			} else {
				parts[j] = p
			}
		}
		msgs[i].Parts = parts
	}
	req.Messages = msgs
	return req
}

// buildParams converts a chat.Request into OpenAI SDK params.
func buildParams(req chat.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Text()), nil

	case types.RoleUser:
		if len(m.Parts) == 0 {
			return oai.UserMessage(m.Content), nil
		}
		var parts []oai.ChatCompletionContentPartUnionParam
		for _, p := range m.Parts {
			switch p.Kind {
			case types.PartText:
				parts = append(parts, oai.TextContentPart(p.Text))
			case types.PartImage:
				mime := p.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:" + mime + ";base64," + p.ImageData,
				}))
			}
		}
		return oai.UserMessage(parts), nil

	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case types.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openaiapi: unknown message role %q", m.Role)
	}
}

// contextWindow returns the context window for known model names.
// Unknown models receive a conservative default.
func contextWindow(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"),
		strings.HasPrefix(lower, "gpt-4-turbo"),
		strings.HasPrefix(lower, "gpt-4.1"):
		return 128_000
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return 200_000
	case strings.HasPrefix(lower, "gpt-4"):
		return 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		return 16_385
	default:
		return 32_768
	}
}
