package models

import (
	"maps"
	"strings"
)

// Role identifies the author of a conversational message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the four supported roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message represents a single conversational message in the canonical schema.
// ToolCalls is only meaningful on assistant messages.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a function invocation previously issued by the model, replayed
// as conversation history.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable function exposed to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest is the canonical request accepted by every adapter.
// Values built through NewCompletionRequest own their slices and maps and
// should be treated as read-only; use Clone to derive a modified copy.
type CompletionRequest struct {
	Model              string           `json:"model"`
	Messages           []Message        `json:"messages"`
	Tools              []ToolDefinition `json:"tools,omitempty"`
	ToolChoice         any              `json:"tool_choice,omitempty"`
	Stream             bool             `json:"stream,omitempty"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Extra              map[string]any   `json:"extra,omitempty"`
}

// RequestOption customises a CompletionRequest at construction time.
type RequestOption func(*CompletionRequest)

// WithTools attaches tool definitions to the request.
func WithTools(tools ...ToolDefinition) RequestOption {
	return func(r *CompletionRequest) {
		r.Tools = append(r.Tools, tools...)
	}
}

// WithStream marks the request as streaming.
func WithStream(stream bool) RequestOption {
	return func(r *CompletionRequest) {
		r.Stream = stream
	}
}

// WithToolChoice sets the tool_choice value forwarded upstream.
func WithToolChoice(choice any) RequestOption {
	return func(r *CompletionRequest) {
		r.ToolChoice = choice
	}
}

// WithPreviousResponseID chains the request onto an earlier Responses API call.
func WithPreviousResponseID(id string) RequestOption {
	return func(r *CompletionRequest) {
		r.PreviousResponseID = id
	}
}

// WithExtra sets a pass-through parameter such as temperature or max_tokens.
func WithExtra(key string, value any) RequestOption {
	return func(r *CompletionRequest) {
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[key] = value
	}
}

// NewCompletionRequest builds a request that does not share memory with its inputs.
func NewCompletionRequest(model string, messages []Message, opts ...RequestOption) CompletionRequest {
	req := CompletionRequest{
		Model:    model,
		Messages: append([]Message(nil), messages...),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&req)
		}
	}
	return req.Clone()
}

// Clone returns a deep copy of the request's slices and top-level maps.
func (r CompletionRequest) Clone() CompletionRequest {
	out := r
	out.Messages = append([]Message(nil), r.Messages...)
	for i := range out.Messages {
		if out.Messages[i].ToolCalls != nil {
			out.Messages[i].ToolCalls = append([]ToolCall(nil), out.Messages[i].ToolCalls...)
		}
	}
	if r.Tools != nil {
		out.Tools = make([]ToolDefinition, len(r.Tools))
		for i, tool := range r.Tools {
			tool.Parameters = maps.Clone(tool.Parameters)
			out.Tools[i] = tool
		}
	}
	out.Extra = maps.Clone(r.Extra)
	return out
}

// OutputItemType discriminates the variants of OutputItem.
type OutputItemType string

const (
	OutputMessage      OutputItemType = "message"
	OutputFunctionCall OutputItemType = "function_call"
)

// OutputItem is one entry of a normalized response. Message items carry Role
// and Content; function call items carry ID, CallID, Name and Arguments.
type OutputItem struct {
	Type      OutputItemType `json:"type"`
	Role      Role           `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ID        string         `json:"id,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments string         `json:"arguments,omitempty"`
}

// MessageItem constructs a message output item.
func MessageItem(role Role, content string) OutputItem {
	return OutputItem{Type: OutputMessage, Role: role, Content: content}
}

// FunctionCallItem constructs a function call output item. The call id
// doubles as the item id when the upstream does not distinguish them.
func FunctionCallItem(id, name, arguments string) OutputItem {
	return OutputItem{Type: OutputFunctionCall, ID: id, CallID: id, Name: name, Arguments: arguments}
}

// NormalizedResponse is the canonical completion result every caller consumes.
type NormalizedResponse struct {
	ID     string       `json:"id"`
	Model  string       `json:"model"`
	Output []OutputItem `json:"output"`
	Usage  Usage        `json:"usage"`
}

// Text concatenates the content of all message items in order.
func (r NormalizedResponse) Text() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type == OutputMessage {
			b.WriteString(item.Content)
		}
	}
	return b.String()
}

// FunctionCalls returns the function call items in output order.
func (r NormalizedResponse) FunctionCalls() []OutputItem {
	var calls []OutputItem
	for _, item := range r.Output {
		if item.Type == OutputFunctionCall {
			calls = append(calls, item)
		}
	}
	return calls
}

// Usage records token accounting information.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	TotalTokens     int `json:"total_tokens"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// CapabilitySet lists which operations a provider supports.
type CapabilitySet struct {
	ResponsesAPI    bool `json:"responses_api"`
	ChatCompletion  bool `json:"chat_completion"`
	Streaming       bool `json:"streaming"`
	FunctionCalling bool `json:"function_calling"`
	Handoffs        bool `json:"handoffs"`
}

// Normalize returns the set with Handoffs mirroring FunctionCalling.
func (c CapabilitySet) Normalize() CapabilitySet {
	c.Handoffs = c.FunctionCalling
	return c
}

// StreamEventType discriminates StreamEvent variants.
type StreamEventType string

const (
	EventCreated         StreamEventType = "created"
	EventOutputItemAdded StreamEventType = "output_item.added"
	EventOutputItemDone  StreamEventType = "output_item.done"
	EventCompleted       StreamEventType = "completed"
	EventUnknown         StreamEventType = "unknown"
)

// StreamEvent is a typed event decoded from a Responses-style SSE stream.
// Response is set for created and completed events, Item for output item
// events, and Raw always holds the decoded payload.
type StreamEvent struct {
	Type           StreamEventType     `json:"type"`
	Response       *NormalizedResponse `json:"response,omitempty"`
	Item           *OutputItem         `json:"item,omitempty"`
	OutputIndex    int                 `json:"output_index"`
	SequenceNumber int                 `json:"sequence_number"`
	Raw            map[string]any      `json:"raw,omitempty"`
}

// HandoffResult is the outcome of scanning text for a handoff directive.
// Target is empty and Found false when no roster agent was matched.
type HandoffResult struct {
	Target       string  `json:"target,omitempty"`
	Found        bool    `json:"found"`
	Confidence   float64 `json:"confidence"`
	Method       string  `json:"method,omitempty"`
	PatternIndex int     `json:"pattern_index"`
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	APIStyle string `json:"api_style"`
}
