package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"raaf-gateway/internal/models"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errInvalidTool     = errors.New("invalid tool definition")
)

// ChatRequest is the outbound Chat Completions payload.
type ChatRequest struct {
	Model      string
	Messages   []ChatMessage
	Tools      []ChatTool
	ToolChoice any
	Stream     bool
	Extra      map[string]any
}

// MarshalJSON merges pass-through parameters beneath the typed fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(r.Extra)+5)
	maps.Copy(payload, r.Extra)
	payload["model"] = r.Model
	payload["messages"] = r.Messages
	if len(r.Tools) > 0 {
		payload["tools"] = r.Tools
	}
	if r.ToolChoice != nil {
		payload["tool_choice"] = r.ToolChoice
	}
	if r.Stream {
		payload["stream"] = true
	}
	return json.Marshal(payload)
}

// ChatMessage is a single message in a Chat Completions payload.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
}

// UnmarshalJSON supports string and array-of-text content formats and
// validates inbound messages.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		Name       string          `json:"name"`
		ToolCallID string          `json:"tool_call_id"`
		ToolCalls  []ChatToolCall  `json:"tool_calls"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCallID = strings.TrimSpace(raw.ToolCallID)
	m.ToolCalls = raw.ToolCalls

	return m.validate()
}

func (m *ChatMessage) validate() error {
	role := models.Role(m.Role)
	if !role.Valid() {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	switch role {
	case models.RoleSystem, models.RoleUser:
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
		}
	case models.RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("%w: tool message requires tool_call_id", errInvalidContent)
		}
	}
	return nil
}

// ChatToolCall is a tool invocation carried on an assistant message.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall holds the function name and its raw JSON arguments.
type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatTool is a tool definition in Chat Completions form.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

// ChatFunction describes a callable function.
type ChatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// BuildChatRequest converts a canonical request into the Chat Completions shape.
func BuildChatRequest(req models.CompletionRequest) ChatRequest {
	messages := make([]ChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		out := ChatMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ChatToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: ChatFunctionCall{Name: call.Name, Arguments: call.Arguments},
			})
		}
		messages = append(messages, out)
	}

	extra := maps.Clone(req.Extra)
	if v, ok := extra["max_output_tokens"]; ok {
		delete(extra, "max_output_tokens")
		if _, exists := extra["max_tokens"]; !exists {
			extra["max_tokens"] = v
		}
	}

	return ChatRequest{
		Model:      req.Model,
		Messages:   messages,
		Tools:      buildChatTools(req.Tools),
		ToolChoice: req.ToolChoice,
		Stream:     req.Stream,
		Extra:      extra,
	}
}

func buildChatTools(tools []models.ToolDefinition) []ChatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ChatTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  parametersOrEmpty(tool.Parameters),
			},
		})
	}
	return out
}

func parametersOrEmpty(params map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return params
}

// NormalizeChatResponse converts a decoded Chat Completions response. The
// message item, when present, always precedes function call items, and
// tool_calls order is preserved. A response without choices has empty output.
func NormalizeChatResponse(obj Object) models.NormalizedResponse {
	resp := models.NormalizedResponse{
		ID:     stringValue(obj, "id"),
		Model:  stringValue(obj, "model"),
		Output: []models.OutputItem{},
		Usage:  parseUsage(objectValue(obj, "usage")),
	}

	choices := sliceValue(obj, "choices")
	if len(choices) == 0 {
		return resp
	}
	choice, _ := choices[0].(Object)
	message := objectValue(choice, "message")
	if message == nil {
		return resp
	}

	if content := textContent(message["content"]); content != "" {
		role := models.Role(stringValue(message, "role"))
		if role == "" {
			role = models.RoleAssistant
		}
		resp.Output = append(resp.Output, models.MessageItem(role, content))
	}

	for _, entry := range sliceValue(message, "tool_calls") {
		call, ok := entry.(Object)
		if !ok {
			continue
		}
		function := objectValue(call, "function")
		resp.Output = append(resp.Output, models.FunctionCallItem(
			stringValue(call, "id"),
			stringValue(function, "name"),
			rawString(function["arguments"]),
		))
	}

	return resp
}

// ChatCompletionRequest models an inbound OpenAI chat/completions request.
type ChatCompletionRequest struct {
	Model      string
	Messages   []ChatMessage
	Stream     bool
	Stop       []string
	Tools      []models.ToolDefinition
	ToolChoice any
	Options    map[string]any
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model            string             `json:"model"`
		Messages         []ChatMessage      `json:"messages"`
		Stream           bool               `json:"stream"`
		MaxTokens        *int               `json:"max_tokens"`
		Temperature      *float64           `json:"temperature"`
		TopP             *float64           `json:"top_p"`
		FrequencyPenalty *float64           `json:"frequency_penalty"`
		PresencePenalty  *float64           `json:"presence_penalty"`
		Stop             json.RawMessage    `json:"stop"`
		ResponseFormat   map[string]any     `json:"response_format"`
		Tools            []ChatTool         `json:"tools"`
		ToolChoice       any                `json:"tool_choice"`
		LogitBias        map[string]float64 `json:"logit_bias"`
		Metadata         map[string]any     `json:"metadata"`
		User             string             `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.Stop = stopValues
	r.ToolChoice = raw.ToolChoice

	r.Tools = make([]models.ToolDefinition, 0, len(raw.Tools))
	for i, tool := range raw.Tools {
		if tool.Type != "" && tool.Type != "function" {
			continue
		}
		name := strings.TrimSpace(tool.Function.Name)
		if name == "" {
			return fmt.Errorf("tools[%d]: %w: function name is required", i, errInvalidTool)
		}
		r.Tools = append(r.Tools, models.ToolDefinition{
			Name:        name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	r.Options = make(map[string]any)
	if raw.Temperature != nil {
		r.Options["temperature"] = *raw.Temperature
	}
	if raw.TopP != nil {
		r.Options["top_p"] = *raw.TopP
	}
	if raw.MaxTokens != nil {
		r.Options["max_tokens"] = *raw.MaxTokens
	}
	if raw.FrequencyPenalty != nil {
		r.Options["frequency_penalty"] = *raw.FrequencyPenalty
	}
	if raw.PresencePenalty != nil {
		r.Options["presence_penalty"] = *raw.PresencePenalty
	}
	if len(stopValues) > 0 {
		r.Options["stop"] = stopValues
	}
	if raw.ResponseFormat != nil {
		r.Options["response_format"] = raw.ResponseFormat
	}
	if raw.LogitBias != nil {
		r.Options["logit_bias"] = raw.LogitBias
	}
	if raw.Metadata != nil {
		r.Options["metadata"] = raw.Metadata
	}
	if raw.User != "" {
		r.Options["user"] = raw.User
	}

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	return nil
}

// ToCompletionRequest converts the inbound request into canonical form.
func (r ChatCompletionRequest) ToCompletionRequest() models.CompletionRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msg := models.Message{
			Role:       models.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		msgs = append(msgs, msg)
	}

	opts := []models.RequestOption{
		models.WithTools(r.Tools...),
		models.WithStream(r.Stream),
		models.WithToolChoice(r.ToolChoice),
	}
	for k, v := range r.Options {
		opts = append(opts, models.WithExtra(k, v))
	}
	return models.NewCompletionRequest(r.Model, msgs, opts...)
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromNormalizedChat renders a normalized response in Chat Completions form.
func FromNormalizedChat(modelID string, createdUnix int64, resp *models.NormalizedResponse) ChatCompletionResponse {
	message := ChatMessage{
		Role:    string(models.RoleAssistant),
		Content: resp.Text(),
	}
	finishReason := "stop"
	for _, call := range resp.FunctionCalls() {
		id := call.CallID
		if id == "" {
			id = call.ID
		}
		message.ToolCalls = append(message.ToolCalls, ChatToolCall{
			ID:   id,
			Type: "function",
			Function: ChatFunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
		finishReason = "tool_calls"
	}

	var usage *OpenAIUsage
	if resp.Usage.TotalTokens != 0 || resp.Usage.InputTokens != 0 || resp.Usage.OutputTokens != 0 {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return ChatCompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{{Index: 0, Message: message, FinishReason: finishReason}},
		Usage:   usage,
	}
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			item = strings.TrimSpace(item)
			if item == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

func parseUsage(usage Object) models.Usage {
	if usage == nil {
		return models.Usage{}
	}
	out := models.Usage{
		InputTokens:  firstNonZero(intValue(usage, "input_tokens"), intValue(usage, "prompt_tokens")),
		OutputTokens: firstNonZero(intValue(usage, "output_tokens"), intValue(usage, "completion_tokens")),
		TotalTokens:  intValue(usage, "total_tokens"),
		CachedTokens: firstNonZero(
			intValue(objectValue(usage, "input_tokens_details"), "cached_tokens"),
			intValue(objectValue(usage, "prompt_tokens_details"), "cached_tokens"),
		),
		ReasoningTokens: firstNonZero(
			intValue(objectValue(usage, "output_tokens_details"), "reasoning_tokens"),
			intValue(objectValue(usage, "completion_tokens_details"), "reasoning_tokens"),
		),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
