// Package gateway provides a chat provider for an enterprise chat gateway:
// a bearer-authenticated chat-completion REST API fronted by an internal
// proxy that imposes its own request-size cap.
//
// Two gateway quirks are handled here:
//
//   - The proxy rejects requests above a hard cap that is lower than any
//     model's theoretical context window, so the token budget is always
//     min(model limit, [HardTokenCap]).
//   - A model the gateway knows but does not currently serve is reported
//     with a zero token limit. That shape is translated into a
//     [chat.ModelUnavailableError] naming the models that are served,
//     rather than a generic failure.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/chat/budget"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// HardTokenCap is the gateway-imposed request size limit in tokens. It is
// enforced regardless of the target model's advertised context window.
const HardTokenCap = 32_768

// modelCacheTTL bounds how long the model list is reused between refreshes.
const modelCacheTTL = 5 * time.Minute

// Ensure Provider implements the chat.Provider interface at compile time.
var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider against the gateway REST API.
// It is safe for concurrent use.
type Provider struct {
	baseURL    string
	token      string
	httpClient *http.Client
	onTruncate chat.TruncationHook

	mu          sync.Mutex
	models      []types.ModelInfo
	modelsAsOf  time.Time
	modelLimits map[string]int
}

// Option configures a Provider during construction.
type Option func(*Provider)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithTruncationHook registers h to observe budget truncations.
func WithTruncationHook(h chat.TruncationHook) Option {
	return func(p *Provider) { p.onTruncate = h }
}

// New creates a Provider for the gateway at baseURL using the given bearer
// token.
func New(baseURL, token string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: baseURL must not be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("gateway: token must not be empty")
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type completionPayload struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type completionReply struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		Delta        wireMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ─── chat.Provider ───────────────────────────────────────────────────────────

// HealthCheck fetches the model list as a reachability and credential probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.fetchModels(ctx); err != nil {
		return fmt.Errorf("gateway: %w: %w", chat.ErrProviderUnavailable, err)
	}
	return nil
}

// ListModels returns the gateway's model catalog. Models the gateway knows
// but does not serve carry a zero ContextWindow.
func (p *Provider) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	return p.fetchModels(ctx)
}

// Chat sends req to the gateway's completions endpoint. The request is
// budget-fitted to min(model limit, HardTokenCap) first. A model reported
// with a zero token limit fails with [chat.ModelUnavailableError].
func (p *Provider) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	limit, err := p.modelLimit(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	if limit > HardTokenCap {
		limit = HardTokenCap
	}
	fitted := budget.Fit(req, limit)
	if p.onTruncate != nil {
		if before, after := budget.Estimate(req), budget.Estimate(fitted); after < before {
			p.onTruncate(ctx, before, after)
		}
	}

	payload := completionPayload{
		Model:    fitted.Model,
		Messages: convertMessages(fitted.Messages),
		Tools:    convertTools(fitted.Tools),
		Stream:   fitted.Stream,
	}

	if fitted.Stream {
		return p.chatStream(ctx, payload)
	}
	return p.chatBuffered(ctx, payload)
}

// modelLimit resolves the token limit for model, refreshing the cached
// model list when stale. A zero limit means the model is not served.
func (p *Provider) modelLimit(ctx context.Context, model string) (int, error) {
	p.mu.Lock()
	fresh := time.Since(p.modelsAsOf) < modelCacheTTL && p.modelLimits != nil
	limit, known := p.modelLimits[model]
	available := p.models
	p.mu.Unlock()

	if !fresh || !known {
		models, err := p.fetchModels(ctx)
		if err != nil {
			return 0, fmt.Errorf("gateway: resolve model limit: %w", err)
		}
		available = models
		limit = 0
		for _, m := range models {
			if m.Name == model {
				limit = m.ContextWindow
			}
		}
	}

	if limit == 0 {
		served := make([]types.ModelInfo, 0, len(available))
		for _, m := range available {
			if m.ContextWindow > 0 {
				served = append(served, m)
			}
		}
		return 0, &chat.ModelUnavailableError{Model: model, Available: served}
	}
	return limit, nil
}

// fetchModels retrieves and caches the gateway model catalog.
func (p *Provider) fetchModels(ctx context.Context) ([]types.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			ID         string `json:"id"`
			TokenLimit int    `json:"token_limit"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	models := make([]types.ModelInfo, len(body.Data))
	limits := make(map[string]int, len(body.Data))
	for i, m := range body.Data {
		models[i] = types.ModelInfo{Name: m.ID, ContextWindow: m.TokenLimit}
		limits[m.ID] = m.TokenLimit
	}

	p.mu.Lock()
	p.models = models
	p.modelLimits = limits
	p.modelsAsOf = time.Now()
	p.mu.Unlock()

	return models, nil
}

// chatBuffered performs a non-streaming completion.
func (p *Provider) chatBuffered(ctx context.Context, payload completionPayload) (*chat.Response, error) {
	resp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply completionReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("gateway: decode completion: %w", err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("gateway: completion error: %s", reply.Error.Message)
	}
	if len(reply.Choices) == 0 {
		return nil, fmt.Errorf("gateway: empty choices in response")
	}

	choice := reply.Choices[0]
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

// chatStream performs a streaming completion over SSE "data:" framing
// terminated by "data: [DONE]".
func (p *Provider) chatStream(ctx context.Context, payload completionPayload) (*chat.Response, error) {
	resp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan chat.Fragment, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var reply completionReply
			if err := json.Unmarshal([]byte(data), &reply); err != nil {
				ch <- chat.Fragment{Err: fmt.Errorf("gateway: decode stream event: %w", err)}
				return
			}
			if reply.Error != nil {
				ch <- chat.Fragment{Err: fmt.Errorf("gateway: stream error: %s", reply.Error.Message)}
				return
			}
			if len(reply.Choices) == 0 || reply.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case ch <- chat.Fragment{Text: reply.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- chat.Fragment{Err: fmt.Errorf("gateway: read stream: %w", err)}
		}
	}()

	return &chat.Response{
		Message: types.Message{Role: types.RoleAssistant},
		Stream:  ch,
		Done:    true,
	}, nil
}

// post issues the completion request and verifies the HTTP status.
func (p *Provider) post(ctx context.Context, payload completionPayload) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gateway: build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gateway: %w", chat.ErrCancelled)
		}
		return nil, fmt.Errorf("gateway: completion request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("gateway: completion request: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// ─── Conversions ─────────────────────────────────────────────────────────────

// convertMessages maps universal messages to the gateway wire shape.
// Multi-part content is flattened to text; the gateway has no image slots.
func convertMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage{
			Role:       string(m.Role),
			Content:    m.Text(),
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wc := wireToolCall{ID: tc.ID, Type: "function"}
			wc.Function.Name = tc.Name
			wc.Function.Arguments = tc.Arguments
			out[i].ToolCalls = append(out[i].ToolCalls, wc)
		}
	}
	return out
}

// convertTools maps tool definitions to the gateway function-tool shape.
func convertTools(tools []types.ToolDefinition) []wireTool {
	out := make([]wireTool, len(tools))
	for i, td := range tools {
		out[i].Type = "function"
		out[i].Function.Name = td.Name
		out[i].Function.Description = td.Description
		out[i].Function.Parameters = td.Parameters
	}
	return out
}
