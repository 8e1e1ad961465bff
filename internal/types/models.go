package types

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventTranscript         = "transcript"
	EventStatusUpdate       = "status-update"
	EventEndOfCallReport    = "end-of-call-report"
	EventUserInterrupted    = "user-interrupted"
	EventHang               = "hang"
	EventError              = "error"
	EventCopilotAnalysis    = "copilot-analysis"
	EventCopilotFailed      = "copilot-analysis-failed"
	EventCopilotEscalation  = "copilot-escalation-suggested"
	EventCopilotAction      = "copilot-action-executed"
	EventCopilotFinalReport = "copilot-final-report"
)

// CallEvent is one row of the append-only call event log.
type CallEvent struct {
	VapiCallID       string         `json:"vapi_call_id"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	EventType        string         `json:"event_type"`
	EventSubtype     string         `json:"event_subtype,omitempty"`
	EventData        map[string]any `json:"event_data"`
	Speaker          string         `json:"speaker,omitempty"`
	TranscriptText   string         `json:"transcript_text,omitempty"`
	IsFinal          *bool          `json:"is_final,omitempty"`
	ToolName         string         `json:"tool_name,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	SecondsFromStart *float64       `json:"seconds_from_start,omitempty"`
	EventTime        time.Time      `json:"event_time"`
}

// ToolLog is the audit record of a single tool execution.
type ToolLog struct {
	ID                 string         `json:"id,omitempty"`
	VapiCallID         string         `json:"vapi_call_id"`
	ConversationID     string         `json:"conversation_id,omitempty"`
	ClientID           string         `json:"client_id,omitempty"`
	ToolName           string         `json:"tool_name"`
	ToolCallID         string         `json:"tool_call_id,omitempty"`
	Arguments          map[string]any `json:"arguments"`
	ArgumentsRaw       string         `json:"arguments_raw,omitempty"`
	Success            bool           `json:"success"`
	Result             any            `json:"result,omitempty"`
	ResultMessage      string         `json:"result_message,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	DurationMs         int64          `json:"duration_ms"`
	CustomerPhone      string         `json:"customer_phone,omitempty"`
	CallSecondsElapsed *float64       `json:"call_seconds_elapsed,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
	CompletedAt        time.Time      `json:"completed_at"`
}

// ToolContext identifies who a tool runs on behalf of.
type ToolContext struct {
	CallID         string `json:"callId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	CustomerPhone  string `json:"customerPhone,omitempty"`
}

type CallRecord struct {
	VapiCallID     string     `json:"vapi_call_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Direction      string     `json:"direction"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Interruptions  int        `json:"interruption_count"`
}

type CallFinal struct {
	VapiCallID      string          `json:"vapi_call_id"`
	Transcript      string          `json:"transcript"`
	Summary         string          `json:"summary"`
	EndedReason     string          `json:"ended_reason"`
	DurationSeconds float64         `json:"duration_seconds"`
	Cost            *float64        `json:"cost,omitempty"`
	Messages        json.RawMessage `json:"messages_json,omitempty"`
	Analysis        json.RawMessage `json:"analysis,omitempty"`
	RecordingURL    string          `json:"recording_url,omitempty"`
	EndedAt         time.Time       `json:"ended_at"`
}

type Client struct {
	ID            string   `json:"client_id"`
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email,omitempty"`
	Phone         string   `json:"phone,omitempty"`
	TotalOrders   int      `json:"total_orders"`
	LTV           float64  `json:"ltv"`
	LastOrder     *Order   `json:"last_order,omitempty"`
	PendingOrders []Order  `json:"pending_orders,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	EmotionalVibe string   `json:"emotional_vibe,omitempty"`
}

type Order struct {
	ID                string    `json:"id"`
	OrderNumber       string    `json:"order_number"`
	ClientID          string    `json:"client_id,omitempty"`
	FinancialStatus   string    `json:"financial_status"`
	FulfillmentStatus string    `json:"fulfillment_status"`
	Total             float64   `json:"total"`
	TrackingNumber    string    `json:"tracking_number,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Status renders the combined financial/fulfillment status.
func (o Order) Status() string {
	return fmt.Sprintf("%s/%s", o.FinancialStatus, o.FulfillmentStatus)
}

// Pending reports whether the order is paid but not yet shipped.
func (o Order) Pending() bool {
	paid := o.FinancialStatus == "paid" || o.FinancialStatus == "partially_paid"
	open := o.FulfillmentStatus == "unfulfilled" || o.FulfillmentStatus == "partial" || o.FulfillmentStatus == ""
	return paid && open
}

type Conversation struct {
	ID             string                `json:"conversation_id"`
	ClientID       string                `json:"client_id,omitempty"`
	Channel        string                `json:"channel"`
	Tags           []string              `json:"tags,omitempty"`
	RecentMessages []ConversationMessage `json:"recent_messages,omitempty"`
	Facts          map[string]any        `json:"facts,omitempty"`
}

type ConversationMessage struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Direction      string    `json:"direction"`
	Role           string    `json:"role"`
	MessageType    string    `json:"message_type"`
	Content        string    `json:"content"`
	Status         string    `json:"status"`
	Internal       bool      `json:"is_internal,omitempty"`
	RawPayload     any       `json:"raw_payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Coupon struct {
	Code            string    `json:"code"`
	DiscountPercent float64   `json:"discount_percent"`
	Reason          string    `json:"reason,omitempty"`
	ClientID        string    `json:"client_id,omitempty"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type Escalation struct {
	ID             string    `json:"id"`
	VapiCallID     string    `json:"vapi_call_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	CustomerPhone  string    `json:"customer_phone,omitempty"`
	Reason         string    `json:"reason"`
	WantsCallback  bool      `json:"wants_callback"`
	CreatedAt      time.Time `json:"created_at"`
}
