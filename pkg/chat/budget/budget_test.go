package budget_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/chat/budget"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// msg is a shorthand constructor for plain text messages.
func msg(role types.Role, text string) types.Message {
	return types.Message{Role: role, Content: text}
}

// TestFit_Identity verifies that a request already inside the headroom
// target is returned unchanged.
func TestFit_Identity(t *testing.T) {
	req := chat.Request{
		Model: "m",
		Messages: []types.Message{
			msg(types.RoleSystem, "You are helpful."),
			msg(types.RoleUser, "Hello there."),
		},
	}
	got := budget.Fit(req, 1000)
	if !reflect.DeepEqual(got, req) {
		t.Errorf("Fit changed a request that already fits:\ngot  %+v\nwant %+v", got, req)
	}
}

// TestFit_NonPositiveLimit verifies that a zero or negative limit disables
// truncation entirely.
func TestFit_NonPositiveLimit(t *testing.T) {
	req := chat.Request{
		Messages: []types.Message{
			msg(types.RoleUser, strings.Repeat("x", 100_000)),
		},
	}
	for _, limit := range []int{0, -5} {
		got := budget.Fit(req, limit)
		if !reflect.DeepEqual(got, req) {
			t.Errorf("limit %d: Fit changed the request", limit)
		}
	}
}

// TestFit_Idempotence verifies that applying Fit to its own output returns
// that output unchanged, on both the history walk and the aggressive
// fallback path.
func TestFit_Idempotence(t *testing.T) {
	tests := []struct {
		name  string
		req   chat.Request
		limit int
	}{
		{
			name: "history walk",
			req: chat.Request{
				Messages: buildFillerConversation(20),
			},
			limit: 60,
		},
		{
			name: "aggressive fallback",
			req: chat.Request{
				Messages: []types.Message{
					msg(types.RoleUser, strings.Repeat("a", 4000)),
				},
			},
			limit: 20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := budget.Fit(tt.req, tt.limit)
			twice := budget.Fit(once, tt.limit)
			if !reflect.DeepEqual(once, twice) {
				t.Errorf("Fit is not idempotent:\nonce  %+v\ntwice %+v", once, twice)
			}
		})
	}
}

// TestFit_KeepsSystemAndLastUser verifies the degenerate truncation of a
// long conversation: a system message, 20 filler pairs, and a final user
// message under a tiny budget reduce to system + final user only.
func TestFit_KeepsSystemAndLastUser(t *testing.T) {
	msgs := []types.Message{msg(types.RoleSystem, "You are helpful.")}
	msgs = append(msgs, buildFillerConversation(20)...)
	final := msg(types.RoleUser, "What is the capital of France?")
	msgs = append(msgs, final)

	got := budget.Fit(chat.Request{Messages: msgs}, 25)

	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(got.Messages), got.Messages)
	}
	if got.Messages[0].Role != types.RoleSystem {
		t.Errorf("first message role: got %q, want system", got.Messages[0].Role)
	}
	if got.Messages[1].Content != final.Content {
		t.Errorf("last message: got %q, want the final user message", got.Messages[1].Content)
	}
	if size := budget.Estimate(got); size > 25 {
		t.Errorf("truncated request estimates %d tokens, above the limit 25", size)
	}
}

// TestFit_ToolUnitNeverSplit verifies that an assistant message carrying a
// tool call and its tool response survive truncation together or not at
// all.
func TestFit_ToolUnitNeverSplit(t *testing.T) {
	unit := []types.Message{
		{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: "c1", Name: "t", Arguments: "{}"}},
		},
		{Role: types.RoleTool, Content: "result text", ToolCallID: "c1"},
	}
	msgs := append([]types.Message{msg(types.RoleUser, "earlier question")}, unit...)
	msgs = append(msgs, msg(types.RoleUser, "final question"))

	// Generous limit: the whole unit fits.
	got := budget.Fit(chat.Request{Messages: msgs}, 1000)
	assertToolIntegrity(t, got.Messages)
	if !containsToolCall(got.Messages, "c1") {
		t.Errorf("generous limit: unit dropped unexpectedly: %+v", got.Messages)
	}

	// Tight limit: the core fits but the unit does not — both halves must go.
	got = budget.Fit(chat.Request{Messages: msgs}, 12)
	assertToolIntegrity(t, got.Messages)
	if containsToolCall(got.Messages, "c1") {
		t.Errorf("tight limit: assistant tool call retained: %+v", got.Messages)
	}
	for _, m := range got.Messages {
		if m.Role == types.RoleTool {
			t.Errorf("tight limit: orphan tool response retained: %+v", m)
		}
	}
}

// TestFit_IncompleteUnitDropped verifies that an assistant tool call with no
// matching tool response anywhere in history is never retained.
func TestFit_IncompleteUnitDropped(t *testing.T) {
	msgs := []types.Message{
		msg(types.RoleUser, strings.Repeat("padding ", 40)),
		{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: "lost", Name: "t", Arguments: "{}"}},
		},
		msg(types.RoleUser, "final question"),
	}

	got := budget.Fit(chat.Request{Messages: msgs}, 40)
	assertToolIntegrity(t, got.Messages)
	if containsToolCall(got.Messages, "lost") {
		t.Errorf("unanswered tool call retained: %+v", got.Messages)
	}
}

// TestFit_AggressiveFallback verifies that when even system + latest user
// exceed the headroom target, the user message is character-truncated with
// the marker and everything else is dropped.
func TestFit_AggressiveFallback(t *testing.T) {
	req := chat.Request{
		Messages: []types.Message{
			msg(types.RoleUser, "old history that should vanish"),
			msg(types.RoleAssistant, "old answer"),
			msg(types.RoleUser, strings.Repeat("a", 4000)),
		},
	}

	got := budget.Fit(req, 20)
	if len(got.Messages) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(got.Messages), got.Messages)
	}
	text := got.Messages[0].Content
	if !strings.HasSuffix(text, budget.TruncationMarker) {
		t.Errorf("truncated text does not end with the marker: %q", text)
	}
	if len(text) >= 4000 {
		t.Errorf("text was not shortened: %d chars", len(text))
	}
	if size := budget.Estimate(got); size > 20 {
		t.Errorf("aggressive result estimates %d tokens, above the limit 20", size)
	}
}

// TestFit_ImagePayloadCounts verifies that inline image data is part of the
// size estimate, so an oversized attachment triggers truncation.
func TestFit_ImagePayloadCounts(t *testing.T) {
	withImage := chat.Request{
		Messages: []types.Message{
			msg(types.RoleUser, "first"),
			{
				Role: types.RoleUser,
				Parts: []types.Part{
					{Kind: types.PartText, Text: "look at this"},
					{Kind: types.PartImage, ImageData: strings.Repeat("QUJD", 1000), MIMEType: "image/png"},
				},
			},
		},
	}
	if size := budget.Estimate(withImage); size < 1000 {
		t.Errorf("image payload not counted: estimate %d", size)
	}
	got := budget.Fit(withImage, 100)
	if reflect.DeepEqual(got, withImage) {
		t.Error("oversized image request passed through unchanged")
	}
}

// TestSanitize verifies the two integrity rules: assistant messages with
// unanswered calls are dropped, and tool messages answering no announced
// call are dropped.
func TestSanitize(t *testing.T) {
	msgs := []types.Message{
		msg(types.RoleUser, "question"),
		{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: "answered", Name: "a"}},
		},
		{Role: types.RoleTool, Content: "ok", ToolCallID: "answered"},
		{
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCall{{ID: "unanswered", Name: "b"}},
		},
		{Role: types.RoleTool, Content: "orphan", ToolCallID: "nobody-called-this"},
		msg(types.RoleAssistant, "final answer"),
	}

	got := budget.Sanitize(msgs)
	assertToolIntegrity(t, got)

	if !containsToolCall(got, "answered") {
		t.Error("complete unit was dropped")
	}
	if containsToolCall(got, "unanswered") {
		t.Error("assistant with unanswered call survived")
	}
	for _, m := range got {
		if m.Role == types.RoleTool && m.ToolCallID == "nobody-called-this" {
			t.Error("orphan tool message survived")
		}
	}
}

// buildFillerConversation returns n user/assistant pairs of moderate size.
func buildFillerConversation(n int) []types.Message {
	msgs := make([]types.Message, 0, n*2)
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			msg(types.RoleUser, "Tell me something interesting about topic number whatever."),
			msg(types.RoleAssistant, "Here is a moderately long filler answer about that topic."),
		)
	}
	return msgs
}

// containsToolCall reports whether any assistant message carries a tool
// call with the given id.
func containsToolCall(msgs []types.Message, id string) bool {
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

// assertToolIntegrity fails the test when any assistant tool call lacks a
// tool response or any tool message lacks an announcing assistant.
func assertToolIntegrity(t *testing.T, msgs []types.Message) {
	t.Helper()
	responded := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == types.RoleTool {
			responded[m.ToolCallID] = true
		}
	}
	announced := make(map[string]bool)
	for _, m := range msgs {
		switch m.Role {
		case types.RoleAssistant:
			for _, tc := range m.ToolCalls {
				if !responded[tc.ID] {
					t.Errorf("tool call %q has no tool response", tc.ID)
				}
				announced[tc.ID] = true
			}
		case types.RoleTool:
			if !announced[m.ToolCallID] {
				t.Errorf("tool message %q answers no announced call", m.ToolCallID)
			}
		}
	}
}
