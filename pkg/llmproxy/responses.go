// Package llmproxy is the translating LLM gateway. Creatures always speak
// the source chat format (pkg/llm); depending on the requested model the
// proxy either forwards to the source upstream verbatim or translates the
// exchange to and from the target provider's response-style API.
package llmproxy

import "encoding/json"

// Response-item discriminators of the target format.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemReasoning          = "reasoning"
)

// Content-part discriminators of the target format.
const (
	PartInputText  = "input_text"
	PartOutputText = "output_text"
)

// ResponsesRequest is the target-format request body.
type ResponsesRequest struct {
	Model           string         `json:"model"`
	Instructions    string         `json:"instructions,omitempty"`
	Input           []ResponseItem `json:"input"`
	Tools           []FunctionTool `json:"tools,omitempty"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
}

// ResponseItem is one element of the flat input/output sequence: a
// user/assistant message, a function call, its output, or provider
// reasoning.
type ResponseItem struct {
	Type    string         `json:"type,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []ResponsePart `json:"content,omitempty"`

	// function_call / function_call_output
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ResponsePart is a typed text fragment inside a message item.
type ResponsePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// FunctionTool is the target-format tool declaration.
type FunctionTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponsesUsage is the target-format token accounting.
type ResponsesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResponsesResponse is the target-format response body.
type ResponsesResponse struct {
	ID     string         `json:"id,omitempty"`
	Output []ResponseItem `json:"output"`
	Usage  ResponsesUsage `json:"usage"`
}
