// Package ollama provides a chat provider backed by a locally running
// Ollama server (https://ollama.com).
//
// It speaks Ollama's native /api/chat endpoint directly: newline-delimited
// JSON for streaming, a single JSON document otherwise. Only standard
// library packages are used — no additional dependencies are required
// beyond Go's net/http and encoding/json.
//
// Two impedance mismatches with the universal shapes are handled here:
//
//   - Inline image parts are split out of the message content into Ollama's
//     separate per-message images list.
//   - Ollama does not issue tool call ids, so synthetic ids ("call_1",
//     "call_2", …) are assigned to returned tool calls.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/chat/budget"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// defaultContextWindow is assumed when no per-model window is configured.
// Most local models ship with at least a 8k window.
const defaultContextWindow = 8192

// Ensure Provider implements the chat.Provider interface at compile time.
var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider using Ollama's native HTTP API.
// It is safe for concurrent use.
type Provider struct {
	baseURL       string
	httpClient    *http.Client
	contextWindow int
	onTruncate    chat.TruncationHook
}

// Option configures a Provider during construction.
type Option func(*Provider)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithContextWindow sets the token window used for budget enforcement.
// The default is 8192.
func WithContextWindow(n int) Option {
	return func(p *Provider) { p.contextWindow = n }
}

// WithTruncationHook registers h to observe budget truncations.
func WithTruncationHook(h chat.TruncationHook) Option {
	return func(p *Provider) { p.onTruncate = h }
}

// New creates a Provider for the Ollama server at baseURL. An empty baseURL
// selects [DefaultBaseURL].
func New(baseURL string, opts ...Option) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
		contextWindow: defaultContextWindow,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatPayload struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatReply struct {
	Message    wireMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason"`
	Error      string      `json:"error"`
}

// ─── chat.Provider ───────────────────────────────────────────────────────────

// HealthCheck probes the Ollama version endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("ollama: build health request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %w: %w", chat.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: %w: unexpected status %d", chat.ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// ListModels returns the locally pulled models via /api/tags.
func (p *Provider) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: build tags request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: list models: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ollama: decode tags response: %w", err)
	}

	models := make([]types.ModelInfo, len(body.Models))
	for i, m := range body.Models {
		models[i] = types.ModelInfo{Name: m.Name, ContextWindow: p.contextWindow}
	}
	return models, nil
}

// Chat sends req to /api/chat. The request is budget-fitted to the
// configured context window first. Buffered calls race the HTTP round trip
// against ctx so cancellation rejects the instant the signal fires, even if
// the underlying call has not settled. Streaming calls return immediately
// with an NDJSON-fed fragment stream.
//
// Streaming responses carry text only; tool calls are delivered on buffered
// responses (the orchestrator's tool-offer completion is never streamed).
func (p *Provider) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	fitted := budget.Fit(req, p.contextWindow)
	if p.onTruncate != nil {
		if before, after := budget.Estimate(req), budget.Estimate(fitted); after < before {
			p.onTruncate(ctx, before, after)
		}
	}

	payload := chatPayload{
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

// chatBuffered performs a non-streaming completion.
func (p *Provider) chatBuffered(ctx context.Context, payload chatPayload) (*chat.Response, error) {
	type outcome struct {
		reply *chatReply
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		reply, err := p.roundTrip(ctx, payload)
		done <- outcome{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ollama: %w", chat.ErrCancelled)
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		msg := types.Message{
			Role:      types.RoleAssistant,
			Content:   out.reply.Message.Content,
			ToolCalls: synthesizeToolCalls(out.reply.Message.ToolCalls),
		}
		return &chat.Response{Message: msg, Done: out.reply.Done}, nil
	}
}

// chatStream performs a streaming completion over NDJSON.
func (p *Provider) chatStream(ctx context.Context, payload chatPayload) (*chat.Response, error) {
	resp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan chat.Fragment, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Cooperative cancel is a terminal fragment, not a silent close, so
		// consumers can tell an aborted stream from a completed one. The
		// send must not block: a cancelled consumer may have stopped
		// draining.
		cancelled := func() {
			select {
			case ch <- chat.Fragment{Err: fmt.Errorf("ollama: %w", chat.ErrCancelled)}:
			default:
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				cancelled()
				return
			default:
			}

			var reply chatReply
			if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
				ch <- chat.Fragment{Err: fmt.Errorf("ollama: decode stream line: %w", err)}
				return
			}
			if reply.Error != "" {
				ch <- chat.Fragment{Err: fmt.Errorf("ollama: stream error: %s", reply.Error)}
				return
			}
			if reply.Message.Content != "" {
				select {
				case ch <- chat.Fragment{Text: reply.Message.Content}:
				case <-ctx.Done():
					cancelled()
					return
				}
			}
			if reply.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- chat.Fragment{Err: fmt.Errorf("ollama: read stream: %w", err)}
			return
		}
		if ctx.Err() != nil {
			cancelled()
		}
	}()

	return &chat.Response{
		Message: types.Message{Role: types.RoleAssistant},
		Stream:  ch,
		Done:    true,
	}, nil
}

// roundTrip posts payload and decodes the single JSON reply document.
func (p *Provider) roundTrip(ctx context.Context, payload chatPayload) (*chatReply, error) {
	resp, err := p.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply chatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("ollama: decode chat response: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("ollama: chat error: %s", reply.Error)
	}
	return &reply, nil
}

// post issues the /api/chat request and verifies the HTTP status.
func (p *Provider) post(ctx context.Context, payload chatPayload) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ollama: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ollama: %w", chat.ErrCancelled)
		}
		return nil, fmt.Errorf("ollama: chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama: chat request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// ─── Conversions ─────────────────────────────────────────────────────────────

// convertMessages maps universal messages to Ollama's wire shape, splitting
// inline image parts into the separate images list.
func convertMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content}
		for _, p := range m.Parts {
			switch p.Kind {
			case types.PartText:
				wm.Content += p.Text
			case types.PartImage:
				wm.Images = append(wm.Images, p.ImageData)
			}
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Arguments), &args)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Function: wireFunction{Name: tc.Name, Arguments: args},
			})
		}
		out = append(out, wm)
	}
	return out
}

// convertTools maps tool definitions to Ollama's function-tool shape.
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

// synthesizeToolCalls converts Ollama tool calls to the universal shape,
// assigning synthetic ids since Ollama does not issue them.
func synthesizeToolCalls(calls []wireToolCall) []types.ToolCall {
	out := make([]types.ToolCall, 0, len(calls))
	for i, wc := range calls {
		args, err := json.Marshal(wc.Function.Arguments)
		if err != nil || wc.Function.Arguments == nil {
			args = []byte("{}")
		}
		out = append(out, types.ToolCall{
			ID:        fmt.Sprintf("call_%d", i+1),
			Name:      wc.Function.Name,
			Arguments: string(args),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
