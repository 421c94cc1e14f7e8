package translator

import (
	"encoding/json"
	"maps"
	"strings"

	"raaf-gateway/internal/models"
)

// Responses API input item types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// ResponsesRequest is the outbound Responses API payload.
type ResponsesRequest struct {
	Model              string
	Input              []InputItem
	Instructions       string
	Tools              []ResponsesTool
	ToolChoice         any
	Stream             bool
	PreviousResponseID string
	Extra              map[string]any
}

// MarshalJSON merges pass-through parameters beneath the typed fields.
func (r ResponsesRequest) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(r.Extra)+7)
	maps.Copy(payload, r.Extra)
	payload["model"] = r.Model
	input := r.Input
	if input == nil {
		input = []InputItem{}
	}
	payload["input"] = input
	if r.Instructions != "" {
		payload["instructions"] = r.Instructions
	}
	if len(r.Tools) > 0 {
		payload["tools"] = r.Tools
	}
	if r.ToolChoice != nil {
		payload["tool_choice"] = r.ToolChoice
	}
	if r.Stream {
		payload["stream"] = true
	}
	if r.PreviousResponseID != "" {
		payload["previous_response_id"] = r.PreviousResponseID
	}
	return json.Marshal(payload)
}

// InputItem is one typed entry of a Responses API input array.
type InputItem struct {
	Type      string
	Role      string
	Content   string
	CallID    string
	Output    string
	Name      string
	Arguments string
}

// MarshalJSON emits only the fields that belong to the item's type.
func (i InputItem) MarshalJSON() ([]byte, error) {
	switch i.Type {
	case ItemFunctionCallOutput:
		return json.Marshal(map[string]any{
			"type":    i.Type,
			"call_id": i.CallID,
			"output":  i.Output,
		})
	case ItemFunctionCall:
		return json.Marshal(map[string]any{
			"type":      i.Type,
			"call_id":   i.CallID,
			"name":      i.Name,
			"arguments": i.Arguments,
		})
	default:
		return json.Marshal(map[string]any{
			"type":    ItemMessage,
			"role":    i.Role,
			"content": i.Content,
		})
	}
}

// ResponsesTool is a tool definition in Responses API form.
type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict"`
}

// BuildResponsesRequest converts a canonical request into the Responses API
// shape. System messages become the instructions string and never appear in
// the input array; tool results become function_call_output items.
func BuildResponsesRequest(req models.CompletionRequest) ResponsesRequest {
	instructions, items := MessagesToItems(req.Messages)

	extra := maps.Clone(req.Extra)
	if v, ok := extra["max_tokens"]; ok {
		delete(extra, "max_tokens")
		if _, exists := extra["max_output_tokens"]; !exists {
			extra["max_output_tokens"] = v
		}
	}

	var tools []ResponsesTool
	for _, tool := range req.Tools {
		tools = append(tools, ResponsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  parametersOrEmpty(tool.Parameters),
		})
	}

	return ResponsesRequest{
		Model:              req.Model,
		Input:              items,
		Instructions:       instructions,
		Tools:              tools,
		ToolChoice:         req.ToolChoice,
		Stream:             req.Stream,
		PreviousResponseID: req.PreviousResponseID,
		Extra:              extra,
	}
}

// MessagesToItems splits messages into the instructions string and input
// items. Assistant tool calls become function_call items placed after the
// assistant's text, so they precede the function_call_output items that
// answer them.
func MessagesToItems(messages []models.Message) (string, []InputItem) {
	var system []string
	items := make([]InputItem, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				system = append(system, msg.Content)
			}
		case models.RoleTool:
			items = append(items, InputItem{
				Type:   ItemFunctionCallOutput,
				CallID: msg.ToolCallID,
				Output: msg.Content,
			})
		default:
			if msg.Content != "" || len(msg.ToolCalls) == 0 {
				items = append(items, InputItem{
					Type:    ItemMessage,
					Role:    string(msg.Role),
					Content: msg.Content,
				})
			}
			for _, call := range msg.ToolCalls {
				items = append(items, InputItem{
					Type:      ItemFunctionCall,
					CallID:    call.ID,
					Name:      call.Name,
					Arguments: call.Arguments,
				})
			}
		}
	}
	return strings.Join(system, "\n\n"), items
}

// ItemsToMessages reverses MessagesToItems. Instructions, when present,
// become a leading system message. Function call items attach to the
// assistant message directly before them, or start a new one.
func ItemsToMessages(instructions string, items []InputItem) []models.Message {
	messages := make([]models.Message, 0, len(items)+1)
	if strings.TrimSpace(instructions) != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: instructions})
	}
	for _, item := range items {
		switch item.Type {
		case ItemFunctionCallOutput:
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    item.Output,
				ToolCallID: item.CallID,
			})
		case ItemFunctionCall:
			if n := len(messages); n == 0 || messages[n-1].Role != models.RoleAssistant {
				messages = append(messages, models.Message{Role: models.RoleAssistant})
			}
			last := &messages[len(messages)-1]
			last.ToolCalls = append(last.ToolCalls, models.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		case ItemMessage, "":
			messages = append(messages, models.Message{
				Role:    models.Role(item.Role),
				Content: item.Content,
			})
		}
	}
	return messages
}

// NormalizeResponsesResponse converts a decoded Responses API response.
// Output items keep upstream order; item types other than message and
// function_call are dropped. Absent output yields an empty slice.
func NormalizeResponsesResponse(obj Object) models.NormalizedResponse {
	resp := models.NormalizedResponse{
		ID:     stringValue(obj, "id"),
		Model:  stringValue(obj, "model"),
		Output: []models.OutputItem{},
		Usage:  parseUsage(objectValue(obj, "usage")),
	}
	for _, entry := range sliceValue(obj, "output") {
		item, ok := entry.(Object)
		if !ok {
			continue
		}
		if out, ok := NormalizeOutputItem(item); ok {
			resp.Output = append(resp.Output, out)
		}
	}
	return resp
}

// NormalizeOutputItem converts a single Responses API output item. It
// reports false for item types without a canonical form and for empty messages.
func NormalizeOutputItem(item Object) (models.OutputItem, bool) {
	switch stringValue(item, "type") {
	case ItemMessage:
		content := textContent(item["content"])
		if content == "" {
			return models.OutputItem{}, false
		}
		role := models.Role(stringValue(item, "role"))
		if role == "" {
			role = models.RoleAssistant
		}
		out := models.MessageItem(role, content)
		out.ID = stringValue(item, "id")
		return out, true
	case ItemFunctionCall:
		id := stringValue(item, "id")
		callID := stringValue(item, "call_id")
		if callID == "" {
			callID = id
		}
		if id == "" {
			id = callID
		}
		return models.OutputItem{
			Type:      models.OutputFunctionCall,
			ID:        id,
			CallID:    callID,
			Name:      stringValue(item, "name"),
			Arguments: rawString(item["arguments"]),
		}, true
	default:
		return models.OutputItem{}, false
	}
}
