// Package budget keeps a chat request inside a model's context window while
// preserving conversational and tool-call correctness.
//
// [Fit] is a pure function of the request and the token limit: it never
// fails, always produces a compliant request, and is idempotent — applying
// it to its own output returns that output unchanged.
//
// Token estimation uses the ~4 characters per token heuristic. English text
// averages roughly 4 characters per token across common LLM tokenizers,
// which avoids pulling in a tokenizer dependency. The estimate deliberately
// includes the base64 payload of inline images; omitting it would silently
// let an oversized attachment through.
package budget

import (
	"encoding/json"

	"github.com/toolbridge/toolbridge/pkg/chat"
	"github.com/toolbridge/toolbridge/pkg/types"
)

// charsPerToken is the heuristic character-to-token ratio.
const charsPerToken = 4

// headroomPercent is the fraction of the model limit available to the
// request itself; the remainder is headroom for response generation.
const headroomPercent = 80

// aggressivePercent is the fallback budget applied when even the minimal
// core (system message + latest user message) exceeds the headroom target.
const aggressivePercent = 50

// TruncationMarker replaces the dropped suffix of a character-truncated
// user message on the aggressive fallback path.
const TruncationMarker = "…[truncated]"

// Fit returns req reduced to fit within limit tokens, or req unchanged when
// it already fits. The system message (if any) and the latest user message
// are always retained; intermediate history is rebuilt from complete units
// so that every retained assistant tool call keeps its tool response.
//
// A non-positive limit disables truncation and returns req unchanged.
func Fit(req chat.Request, limit int) chat.Request {
	if limit <= 0 {
		return req
	}

	target := limit * headroomPercent / 100
	toolTokens := estimateTools(req.Tools)

	total := toolTokens
	for _, m := range req.Messages {
		total += estimateMessage(m)
	}
	if total <= target {
		return req
	}

	msgs := req.Messages

	// Minimal core: the system message plus the most recent user message.
	sysIdx := -1
	lastUserIdx := -1
	for i, m := range msgs {
		if m.Role == types.RoleSystem && sysIdx < 0 {
			sysIdx = i
		}
		if m.Role == types.RoleUser {
			lastUserIdx = i
		}
	}

	coreCost := toolTokens
	if sysIdx >= 0 {
		coreCost += estimateMessage(msgs[sysIdx])
	}
	if lastUserIdx >= 0 {
		coreCost += estimateMessage(msgs[lastUserIdx])
	}

	if coreCost > target {
		req.Messages = aggressiveFallback(msgs, sysIdx, lastUserIdx, limit, toolTokens)
		return req
	}

	// Walk the remaining messages newest to oldest, rebuilding complete
	// units: a lone user (or extra system / plain assistant) message, or an
	// assistant message together with every tool response it references.
	// Units are only eligible when all their tool calls have responses.
	retained := make(map[int]bool, len(msgs))
	if sysIdx >= 0 {
		retained[sysIdx] = true
	}
	if lastUserIdx >= 0 {
		retained[lastUserIdx] = true
	}
	cost := coreCost

	// Tool responses seen so far in the backward walk, keyed by call id.
	toolResp := make(map[string]int)

walk:
	for i := len(msgs) - 1; i >= 0; i-- {
		if i == sysIdx || i == lastUserIdx {
			continue
		}
		m := msgs[i]
		switch m.Role {
		case types.RoleTool:
			// Claimed by the assistant message that issued the call.
			toolResp[m.ToolCallID] = i

		case types.RoleAssistant:
			unit := []int{i}
			unitCost := estimateMessage(m)
			for _, tc := range m.ToolCalls {
				j, ok := toolResp[tc.ID]
				if !ok {
					// Incomplete unit: never split, never retained.
					continue walk
				}
				unit = append(unit, j)
				unitCost += estimateMessage(msgs[j])
			}
			if cost+unitCost > target {
				break walk
			}
			for _, j := range unit {
				retained[j] = true
			}
			cost += unitCost

		default:
			c := estimateMessage(m)
			if cost+c > target {
				break walk
			}
			retained[i] = true
			cost += c
		}
	}

	// Rebuild in chronological order.
	out := make([]types.Message, 0, len(retained))
	for i, m := range msgs {
		if retained[i] {
			out = append(out, m)
		}
	}

	req.Messages = Sanitize(out)
	return req
}

// aggressiveFallback keeps only the system message and a character-truncated
// copy of the latest user message, budgeted at aggressivePercent of the raw
// model limit. All other history, including inline images, is dropped.
func aggressiveFallback(msgs []types.Message, sysIdx, lastUserIdx, limit, toolTokens int) []types.Message {
	budgetTokens := limit * aggressivePercent / 100

	var out []types.Message
	remaining := budgetTokens - toolTokens
	if sysIdx >= 0 {
		out = append(out, msgs[sysIdx])
		remaining -= estimateMessage(msgs[sysIdx])
	}
	if lastUserIdx < 0 {
		return out
	}

	user := msgs[lastUserIdx]
	text := user.Text()

	allowedChars := remaining*charsPerToken - len(types.RoleUser)
	if allowedChars < 0 {
		allowedChars = 0
	}

	if len(text) > allowedChars {
		keep := allowedChars - len(TruncationMarker)
		if keep < 0 {
			keep = 0
		}
		text = text[:keep] + TruncationMarker
	}

	out = append(out, types.Message{Role: types.RoleUser, Content: text})
	return out
}

// Sanitize enforces tool-call integrity on a message list: every retained
// assistant tool call must have a retained tool response, and every tool
// message must answer a call announced by an earlier assistant message.
// Assistant messages with unanswered calls are dropped entirely — their
// tool calls are meaningless without responses. The check runs twice; a
// single re-run suffices because the unit walk only produces complete
// units, so only the fallback path can introduce violations.
func Sanitize(msgs []types.Message) []types.Message {
	for pass := 0; pass < 2; pass++ {
		responded := make(map[string]bool)
		for _, m := range msgs {
			if m.Role == types.RoleTool {
				responded[m.ToolCallID] = true
			}
		}

		out := make([]types.Message, 0, len(msgs))
		announced := make(map[string]bool)
		changed := false
		for _, m := range msgs {
			switch m.Role {
			case types.RoleAssistant:
				complete := true
				for _, tc := range m.ToolCalls {
					if !responded[tc.ID] {
						complete = false
						break
					}
				}
				if !complete {
					changed = true
					continue
				}
				for _, tc := range m.ToolCalls {
					announced[tc.ID] = true
				}
			case types.RoleTool:
				if !announced[m.ToolCallID] {
					changed = true
					continue
				}
			}
			out = append(out, m)
		}

		msgs = out
		if !changed {
			break
		}
	}
	return msgs
}

// Estimate returns the estimated token size of the full request: every
// message's serialized content plus the tool offer list.
func Estimate(req chat.Request) int {
	total := estimateTools(req.Tools)
	for _, m := range req.Messages {
		total += estimateMessage(m)
	}
	return total
}

// estimateMessage estimates the token cost of one message over its full
// serialized content, including inline image payloads and tool call JSON.
func estimateMessage(m types.Message) int {
	n := len(m.Role) + len(m.Content) + len(m.ToolCallID)
	for _, p := range m.Parts {
		n += len(p.Text) + len(p.ImageData) + len(p.MIMEType)
	}
	for _, tc := range m.ToolCalls {
		n += len(tc.ID) + len(tc.Name) + len(tc.Arguments)
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// estimateTools estimates the token cost of the serialized tool offer list.
func estimateTools(tools []types.ToolDefinition) int {
	if len(tools) == 0 {
		return 0
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return (len(data) + charsPerToken - 1) / charsPerToken
}
