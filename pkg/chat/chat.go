// Package chat defines the Provider interface for Large Language Model
// backends together with the request/response shapes they exchange.
//
// A chat provider wraps a remote or local model API (a hosted chat-completion
// endpoint, an enterprise gateway, or a local Ollama instance) and exposes a
// uniform surface for the Toolbridge orchestrator: health checking, model
// listing, and a single Chat operation covering both buffered and streaming
// completions.
//
// Implementations must be safe for concurrent use and must apply the token
// budget manager ([budget.Fit]) to every outbound request, using
// min(model limit, provider hard cap) as the limit argument. Channels
// returned in a streaming [Response] are closed by the implementation when
// the stream ends or the supplied context is cancelled.
package chat

import (
	"context"

	"github.com/toolbridge/toolbridge/pkg/types"
)

// Request carries everything a provider needs to produce one completion.
type Request struct {
	// Model is the target model name as understood by the provider.
	Model string

	// Messages is the ordered conversation history. The last message is
	// typically RoleUser and drives the response.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. The model
	// may respond with tool calls referencing these by name.
	Tools []types.ToolDefinition

	// Stream requests incremental delivery. When true the returned
	// [Response.Stream] is non-nil and Message.Content is empty.
	Stream bool
}

// Fragment is one increment of a streamed completion. The stream is
// forward-only and single-consumption; the producing goroutine closes the
// channel when the provider signals completion or the context is cancelled.
type Fragment struct {
	// Text is the incremental content. May be empty on the final fragment.
	Text string

	// Err is non-nil on the terminal fragment of a failed stream. No
	// further fragments follow a fragment with a non-nil Err.
	Err error
}

// Response is the result of a Chat call.
type Response struct {
	// Message is the assistant's reply. For streaming responses Content is
	// empty and the text arrives via Stream instead; ToolCalls are always
	// delivered here.
	Message types.Message

	// Stream delivers text fragments when the request asked for streaming.
	// Nil for buffered responses. Callers must drain it.
	Stream <-chan Fragment

	// Done reports whether the model finished generating (as opposed to
	// stopping because it wants tool results).
	Done bool
}

// TruncationHook observes a request the token budget manager had to
// shrink before it went out. Adapters invoke it with the estimated token
// sizes before and after fitting; wiring it is optional and typically
// feeds a telemetry counter.
type TruncationHook func(ctx context.Context, before, after int)

// Provider is the abstraction over any chat backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly: when ctx fires, Chat
// returns (or closes its stream) as quickly as possible with an error
// satisfying errors.Is(err, ErrCancelled) on the cooperative path.
type Provider interface {
	// HealthCheck probes the backend and returns nil when it is reachable
	// and able to serve completions.
	HealthCheck(ctx context.Context) error

	// ListModels returns the models the backend currently offers.
	ListModels(ctx context.Context) ([]types.ModelInfo, error)

	// Chat sends req to the model and returns its reply. When req.Stream
	// is true the call returns immediately with a lazily-produced fragment
	// stream; otherwise it blocks until the full response is available.
	Chat(ctx context.Context, req Request) (*Response, error)
}
