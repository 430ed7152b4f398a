package llmproxy

import (
	"encoding/json"
	"strings"

	"github.com/menagerie-sh/menagerie/pkg/llm"
)

// TranslateRequest converts a source-format chat request into the target
// format. System text becomes instructions; tool_result blocks become
// function_call_output items; assistant tool_use blocks become
// function_call items. Block order within each message is preserved.
func TranslateRequest(req *llm.MessagesRequest) *ResponsesRequest {
	out := &ResponsesRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
	}
	if req.System != nil {
		out.Instructions = req.System.FlatText()
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			out.Input = append(out.Input, translateUserMessage(msg)...)
		case "assistant":
			out.Input = append(out.Input, translateAssistantMessage(msg)...)
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, FunctionTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}

func translateUserMessage(msg llm.Message) []ResponseItem {
	var items []ResponseItem
	var parts []ResponsePart

	flush := func() {
		if len(parts) > 0 {
			items = append(items, ResponseItem{Type: ItemMessage, Role: "user", Content: parts})
			parts = nil
		}
	}

	for _, b := range msg.Content.AsBlocks() {
		switch b.Type {
		case llm.BlockText:
			parts = append(parts, ResponsePart{Type: PartInputText, Text: b.Text})
		case llm.BlockToolResult:
			flush()
			items = append(items, ResponseItem{
				Type:   ItemFunctionCallOutput,
				CallID: b.ToolUseID,
				Output: b.Content,
			})
		}
	}
	flush()
	return items
}

func translateAssistantMessage(msg llm.Message) []ResponseItem {
	var items []ResponseItem
	var parts []ResponsePart

	flush := func() {
		if len(parts) > 0 {
			items = append(items, ResponseItem{Type: ItemMessage, Role: "assistant", Content: parts})
			parts = nil
		}
	}

	for _, b := range msg.Content.AsBlocks() {
		switch b.Type {
		case llm.BlockText:
			parts = append(parts, ResponsePart{Type: PartOutputText, Text: b.Text})
		case llm.BlockToolUse:
			flush()
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			items = append(items, ResponseItem{
				Type:      ItemFunctionCall,
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	flush()
	return items
}

// TranslateResponse converts a target-format response back to the source
// format. output_text parts become text blocks; function_call items become
// tool_use blocks (call_id → id, arguments parsed with an empty-object
// fallback); reasoning items are skipped. stop_reason is tool_use iff any
// tool_use block was produced.
func TranslateResponse(model string, rr *ResponsesResponse) *llm.MessagesResponse {
	out := &llm.MessagesResponse{
		Role:       "assistant",
		Model:      model,
		StopReason: llm.StopEndTurn,
		Usage: llm.Usage{
			InputTokens:  rr.Usage.InputTokens,
			OutputTokens: rr.Usage.OutputTokens,
		},
	}

	for _, item := range rr.Output {
		switch item.Type {
		case ItemMessage, "":
			for _, part := range item.Content {
				if part.Type == PartOutputText {
					out.Content = append(out.Content, llm.TextBlock(part.Text))
				}
			}
		case ItemFunctionCall:
			input := json.RawMessage(item.Arguments)
			if !json.Valid(input) || len(strings.TrimSpace(item.Arguments)) == 0 {
				input = json.RawMessage("{}")
			}
			out.Content = append(out.Content, llm.ToolUseBlock(item.CallID, item.Name, input))
			out.StopReason = llm.StopToolUse
		case ItemReasoning:
			// Provider-internal; not representable in the source format.
		}
	}
	return out
}
