// Package orchestrator ties a single user turn to zero or more tool
// executions and a final answer.
//
// The loop runs exactly one round of tool calls per turn: first completion
// with tool offers, concurrent execution of whatever the model requested,
// then a follow-up completion over the extended conversation. An agent that
// wants multi-round tool use invokes the loop again with updated input.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolbridge/toolbridge/internal/observe"
	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// ToolSource is the subset of the tool server manager the loop depends on.
type ToolSource interface {
	// ToolsForServers returns the tool offers for the named servers, with
	// qualified names. An empty list selects every running server.
	ToolsForServers(names []string) []types.ToolDefinition

	// ExecuteTool invokes a tool by (possibly qualified) name with a JSON
	// argument payload and returns its textual result.
	ExecuteTool(ctx context.Context, name string, args string) (string, error)
}

// ConversationStore persists completed exchanges. The loop calls it exactly
// once per completed turn, after the final answer is known in full.
type ConversationStore interface {
	SaveExchange(ctx context.Context, conversationID string, question, answer types.Message) (int64, error)
}

// Config holds all dependencies needed to create a [Loop].
//
// Provider is required. Tools, Store, and Metrics are optional — a nil
// Tools means no tool calling, a nil Store means exchanges are not
// persisted, and a nil Metrics disables instrumentation.
type Config struct {
	// Provider is the chat backend this loop completes against.
	Provider chat.Provider

	// ProviderName labels the provider in logs and metrics.
	ProviderName string

	// Tools supplies the tool catalog and executes tool calls.
	Tools ToolSource

	// Store receives the (question, answer) pair of each completed turn.
	Store ConversationStore

	// Metrics records provider call latency and outcome.
	Metrics *observe.Metrics

	// Log receives turn progress. Nil selects slog.Default.
	Log *slog.Logger
}

// TurnRequest describes one user turn.
type TurnRequest struct {
	// ConversationID identifies the conversation for persistence.
	ConversationID string

	// Model selects the provider model.
	Model string

	// System is an optional system prompt, prepended when non-empty.
	System string

	// History is the prior conversation, in chronological order.
	History []types.Message

	// User is the new user message driving this turn.
	User types.Message

	// Servers filters which tool servers' catalogs are offered. Empty
	// offers the whole catalog.
	Servers []string

	// Stream requests incremental delivery of the final answer.
	Stream bool
}

// Loop executes user turns against a provider with optional tool calling.
// Create instances with [New]. Safe for concurrent use across independent
// turns.
type Loop struct {
	provider     chat.Provider
	providerName string
	tools        ToolSource
	store        ConversationStore
	metrics      *observe.Metrics
	log          *slog.Logger
}

// New validates cfg and creates a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, errors.New("orchestrator: Provider must not be nil")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "default"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Loop{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		tools:        cfg.Tools,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		log:          cfg.Log,
	}, nil
}

// Turn runs one user turn end to end: gather tool offers, first completion,
// at most one round of tool execution, follow-up completion, persistence.
//
// Provider failures propagate as-is; the loop does not retry at its level.
// Messages already appended to the working conversation stay appended, so
// the caller can retry the turn without corrupting state.
func (l *Loop) Turn(ctx context.Context, req TurnRequest) (*chat.Response, error) {
	if req.Model == "" {
		return nil, errors.New("orchestrator: Model must not be empty")
	}
	if req.User.Role == "" {
		req.User.Role = types.RoleUser
	}

	msgs := make([]types.Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: req.System})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, req.User)

	var offers []types.ToolDefinition
	if l.tools != nil {
		offers = l.tools.ToolsForServers(req.Servers)
	}

	first, err := l.complete(ctx, chat.Request{
		Model:    req.Model,
		Messages: msgs,
		Tools:    offers,
	})
	if err != nil {
		return nil, err
	}

	if len(first.Message.ToolCalls) == 0 {
		resp := first
		if req.Stream {
			resp = synthesizeStream(first.Message)
		}
		return l.finish(ctx, req, resp)
	}

	results := l.executeAll(ctx, first.Message.ToolCalls)

	msgs = append(msgs, first.Message)
	for i, call := range first.Message.ToolCalls {
		msgs = append(msgs, types.Message{
			Role:       types.RoleTool,
			Content:    results[i],
			ToolCallID: call.ID,
		})
	}

	// No further tool offers: one round per turn.
	final, err := l.complete(ctx, chat.Request{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
	})
	if err != nil {
		return nil, err
	}
	return l.finish(ctx, req, final)
}

// complete calls the provider once and records the outcome.
func (l *Loop) complete(ctx context.Context, req chat.Request) (*chat.Response, error) {
	start := time.Now()
	resp, err := l.provider.Chat(ctx, req)
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		l.metrics.RecordProviderRequest(ctx, l.providerName, req.Model, status, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: completion: %w", err)
	}
	return resp, nil
}

// executeAll runs every requested tool call concurrently and returns their
// results in request order. A failed call yields an error string in place
// of a result so the model can see and react to the failure; it never
// aborts the other calls or the turn.
func (l *Loop) executeAll(ctx context.Context, calls []types.ToolCall) []string {
	results := make([]string, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			l.log.Debug("executing tool call", "tool", call.Name, "id", call.ID)
			out, err := l.execute(ctx, call)
			if err != nil {
				l.log.Warn("tool call failed", "tool", call.Name, "id", call.ID, "error", err)
				out = "tool execution failed: " + err.Error()
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute dispatches a single tool call to the tool source.
func (l *Loop) execute(ctx context.Context, call types.ToolCall) (string, error) {
	if l.tools == nil {
		return "", errors.New("no tool servers configured")
	}
	return l.tools.ExecuteTool(ctx, call.Name, call.Arguments)
}

// finish persists the exchange and returns the response to the caller.
//
// Buffered responses persist immediately. Streaming responses are teed: the
// caller receives a channel that mirrors the provider's fragments, and the
// full answer is saved once the stream closes cleanly. A stream that ends
// with an error is an incomplete turn and is not persisted.
func (l *Loop) finish(ctx context.Context, req TurnRequest, resp *chat.Response) (*chat.Response, error) {
	if l.store == nil {
		return resp, nil
	}

	if resp.Stream == nil {
		l.persist(ctx, req, resp.Message)
		return resp, nil
	}

	out := make(chan chat.Fragment)
	teed := &chat.Response{Message: resp.Message, Stream: out, Done: resp.Done}
	go func() {
		defer close(out)
		var sb strings.Builder
		failed := false
		for frag := range resp.Stream {
			if frag.Err != nil {
				failed = true
			} else {
				sb.WriteString(frag.Text)
			}
			select {
			case out <- frag:
			case <-ctx.Done():
				// The caller walked away from the stream; an abandoned
				// turn is incomplete and must not be persisted.
				return
			}
		}
		if failed {
			return
		}
		answer := types.Message{Role: types.RoleAssistant, Content: sb.String()}
		// Persistence outlives the turn's cancel scope: the answer is
		// already complete by the time the stream closes.
		l.persist(context.WithoutCancel(ctx), req, answer)
	}()
	return teed, nil
}

// persist saves the (question, answer) pair, logging rather than failing
// the turn when storage misbehaves.
func (l *Loop) persist(ctx context.Context, req TurnRequest, answer types.Message) {
	id, err := l.store.SaveExchange(ctx, req.ConversationID, req.User, answer)
	if err != nil {
		l.log.Error("failed to persist exchange", "conversation", req.ConversationID, "error", err)
		return
	}
	l.log.Debug("exchange persisted", "conversation", req.ConversationID, "exchange", id)
}

// synthesizeStream wraps an already-buffered message in a single-fragment
// stream so streaming callers see a uniform response shape.
func synthesizeStream(msg types.Message) *chat.Response {
	out := make(chan chat.Fragment, 1)
	if text := msg.Text(); text != "" {
		out <- chat.Fragment{Text: text}
	}
	close(out)
	return &chat.Response{Message: msg, Stream: out}
}
