// Package types defines the universal message and tool shapes shared by all
// Toolbridge components: chat providers, the token budget manager, the MCP
// tool server manager, and the orchestration loop.
//
// All types in this package are plain data. Providers convert them to and
// from their native wire formats; nothing here depends on any backend SDK.
package types

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a recognised message role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartKind discriminates the content part union.
type PartKind string

const (
	// PartText is a plain text fragment.
	PartText PartKind = "text"

	// PartImage is an inline image carried as base64 data.
	PartImage PartKind = "image"
)

// Part is one element of a multi-part message content. A message carries
// either a plain Content string or an ordered list of Parts, never both.
type Part struct {
	// Kind selects which of the remaining fields is meaningful.
	Kind PartKind

	// Text holds the fragment text when Kind is PartText.
	Text string

	// ImageData holds base64-encoded image bytes when Kind is PartImage.
	ImageData string

	// MIMEType describes the image encoding (e.g. "image/png").
	// Empty for text parts.
	MIMEType string
}

// Message represents a single entry in an LLM conversation history.
type Message struct {
	// Role is the message author. Must satisfy [Role.IsValid].
	Role Role

	// Content is the plain text content. Empty when Parts is used or when
	// an assistant message carries only tool calls.
	Content string

	// Parts is the ordered multi-part content (text and inline images).
	// When non-empty it replaces Content.
	Parts []Part

	// ToolCalls contains tool invocations requested by the model.
	// Only valid on RoleAssistant messages.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the [ToolCall.ID] it answers.
	// Only valid on RoleTool messages.
	ToolCallID string
}

// Text returns the textual content of the message: Content when set,
// otherwise the concatenation of all text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var s string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			s += p.Text
		}
	}
	return s
}

// HasImages reports whether the message carries at least one inline image part.
func (m Message) HasImages() bool {
	for _, p := range m.Parts {
		if p.Kind == PartImage {
			return true
		}
	}
	return false
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	// ID is unique within the assistant message that carries the call.
	// Providers that do not issue ids get synthetic ones from the adapter.
	ID string

	// Name is the tool's unique identifier.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a callable tool as advertised to the model.
// Produced by tool server discovery; immutable once built.
type ToolDefinition struct {
	// Name is the tool's unique identifier within its server.
	Name string `json:"name"`

	// Description explains what the tool does (included in LLM prompts).
	Description string `json:"description"`

	// Parameters is the JSON-Schema-shaped input specification: a "type"
	// (usually "object"), named "properties", and "required" names.
	Parameters map[string]any `json:"parameters"`
}

// ModelInfo describes one model offered by a chat provider.
type ModelInfo struct {
	// Name is the provider-side model identifier.
	Name string

	// ContextWindow is the maximum combined request size in tokens.
	// Zero means the provider did not report a limit — for gateway-style
	// providers a zero limit marks the model as unavailable.
	ContextWindow int
}
