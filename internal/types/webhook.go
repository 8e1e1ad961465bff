package types

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	MessageAssistantRequest = "assistant-request"
	MessageToolCalls        = "tool-calls"
	MessageStatusUpdate     = "status-update"
	MessageEndOfCallReport  = "end-of-call-report"
	MessageTranscript       = "transcript"
	MessageUserInterrupted  = "user-interrupted"
	MessageHang             = "hang"
)

var ErrMissingMessage = errors.New("webhook payload has no message")

// Message is the `message` object of an inbound webhook envelope. Fields are
// the union of what the supported event types carry; Raw keeps the original
// bytes for event logging.
type Message struct {
	Type string `json:"type"`
	Call *Call  `json:"call,omitempty"`

	Status string `json:"status,omitempty"`

	Role             string   `json:"role,omitempty"`
	TranscriptType   string   `json:"transcriptType,omitempty"`
	Transcript       string   `json:"transcript,omitempty"`
	SecondsFromStart *float64 `json:"secondsFromStart,omitempty"`

	ToolWithToolCallList []ToolCall `json:"toolWithToolCallList,omitempty"`
	ToolCallList         []ToolCall `json:"toolCallList,omitempty"`

	EndedReason     string          `json:"endedReason,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	DurationSeconds float64         `json:"durationSeconds,omitempty"`
	Cost            *float64        `json:"cost,omitempty"`
	RecordingURL    string          `json:"recordingUrl,omitempty"`
	Messages        json.RawMessage `json:"messages,omitempty"`
	Analysis        json.RawMessage `json:"analysis,omitempty"`

	Raw json.RawMessage `json:"-"`
}

type Call struct {
	ID            string       `json:"id"`
	Status        string       `json:"status,omitempty"`
	PhoneNumberID string       `json:"phoneNumberId,omitempty"`
	Customer      *Customer    `json:"customer,omitempty"`
	Metadata      CallMetadata `json:"metadata,omitempty"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	EndedAt       *time.Time   `json:"endedAt,omitempty"`
}

type Customer struct {
	Number string `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`
}

type CallMetadata struct {
	ConversationID string `json:"conversationId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}

// CallID is safe to call on a message without a call.
func (m *Message) CallID() string {
	if m == nil || m.Call == nil {
		return ""
	}
	return m.Call.ID
}

// ConversationID returns the conversation linked through call metadata.
func (m *Message) ConversationID() string {
	if m == nil || m.Call == nil {
		return ""
	}
	return m.Call.Metadata.ConversationID
}

// CustomerNumber returns the caller's number, if known.
func (m *Message) CustomerNumber() string {
	if m == nil || m.Call == nil || m.Call.Customer == nil {
		return ""
	}
	return m.Call.Customer.Number
}

// ToolCalls returns the batch in the order the platform sent it.
func (m *Message) ToolCalls() []ToolCall {
	if len(m.ToolWithToolCallList) > 0 {
		return m.ToolWithToolCallList
	}
	return m.ToolCallList
}

// IsFinalTranscript reports whether a transcript message is final.
func (m *Message) IsFinalTranscript() bool {
	return m.TranscriptType == "final"
}

// ToolCall tolerates the shapes the platform has used over time: a flat
// {id, name, parameters}, an OpenAI style {id, function:{name, arguments}},
// and the wrapped {function, toolCall:{id, function}} form.
type ToolCall struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Function   *ToolFunction   `json:"function,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	ToolCall   *ToolCall       `json:"toolCall,omitempty"`
}

type ToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (tc ToolCall) CallID() string {
	if tc.ID != "" {
		return tc.ID
	}
	if tc.ToolCall != nil {
		return tc.ToolCall.CallID()
	}
	return ""
}

func (tc ToolCall) FunctionName() string {
	if tc.Function != nil && tc.Function.Name != "" {
		return tc.Function.Name
	}
	if tc.Name != "" {
		return tc.Name
	}
	if tc.ToolCall != nil {
		return tc.ToolCall.FunctionName()
	}
	return ""
}

// RawArguments returns the arguments as sent: either a JSON object or a JSON
// string holding an object.
func (tc ToolCall) RawArguments() json.RawMessage {
	if tc.Function != nil && len(tc.Function.Arguments) > 0 {
		return tc.Function.Arguments
	}
	if len(tc.Parameters) > 0 {
		return tc.Parameters
	}
	if tc.ToolCall != nil {
		return tc.ToolCall.RawArguments()
	}
	return json.RawMessage(`{}`)
}

// DecodeEnvelope parses `{message: {...}}` and keeps the raw message bytes.
func DecodeEnvelope(body []byte) (*Message, error) {
	var env struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if len(env.Message) == 0 || string(env.Message) == "null" {
		return nil, ErrMissingMessage
	}
	var msg Message
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return nil, err
	}
	msg.Raw = env.Message
	return &msg, nil
}

// RawMap decodes the raw message into a generic map for event payloads.
func (m *Message) RawMap() map[string]any {
	out := map[string]any{}
	if m == nil || len(m.Raw) == 0 {
		return out
	}
	_ = json.Unmarshal(m.Raw, &out)
	return out
}

type ToolCallResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ToolCallsResponse struct {
	Results []ToolCallResult `json:"results"`
}

type Ack struct {
	Success bool `json:"success"`
}

type AssistantResponse struct {
	AssistantID        string              `json:"assistantId,omitempty"`
	AssistantOverrides *AssistantOverrides `json:"assistantOverrides,omitempty"`
}

type AssistantOverrides struct {
	FirstMessage string         `json:"firstMessage,omitempty"`
	Model        *ModelOverride `json:"model,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type ModelOverride struct {
	Messages []ModelMessage `json:"messages"`
}

type ModelMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
