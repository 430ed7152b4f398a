// Package llm holds the chat wire format every creature speaks (the
// source format of the translating proxy) and an HTTP client for it, used
// by the narrator and creator agents.
package llm

import (
	"encoding/json"
	"fmt"
)

// Content block discriminators.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// ContentBlock is a tagged union of text, tool_use and tool_result blocks.
// Type selects which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// MessageContent is either a bare string or a list of content blocks on the
// wire. Blocks takes precedence when non-nil.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

// MarshalJSON emits a bare string unless blocks are present.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Blocks != nil {
		return json.Marshal(m.Blocks)
	}
	return json.Marshal(m.Text)
}

// UnmarshalJSON accepts both wire shapes.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Text = s
		m.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content is neither string nor block list: %w", err)
	}
	m.Blocks = blocks
	return nil
}

// AsBlocks normalizes to block form.
func (m MessageContent) AsBlocks() []ContentBlock {
	if m.Blocks != nil {
		return m.Blocks
	}
	if m.Text == "" {
		return nil
	}
	return []ContentBlock{TextBlock(m.Text)}
}

// FlatText concatenates the text of string content and text blocks.
func (m MessageContent) FlatText() string {
	if m.Blocks == nil {
		return m.Text
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// TextMessage builds a plain-text turn.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: MessageContent{Text: text}}
}

// BlocksMessage builds a turn from content blocks.
func BlocksMessage(role string, blocks ...ContentBlock) Message {
	return Message{Role: role, Content: MessageContent{Blocks: blocks}}
}

// Tool describes a callable tool in the source format.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MessagesRequest is the source-format chat request.
type MessagesRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	System    *MessageContent `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     []Tool          `json:"tools,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// MessagesResponse is the source-format chat response.
type MessagesResponse struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// TextContent concatenates all text blocks of the response.
func (r *MessagesResponse) TextContent() string {
	var out string
	for _, b := range r.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the response.
func (r *MessagesResponse) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}
