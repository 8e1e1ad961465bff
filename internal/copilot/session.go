package copilot

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle position of one tracked call.
type State int

const (
	StateIdle State = iota
	StateAnalyzing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAnalyzing:
		return "ANALYZING"
	case StateEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

const (
	ActionSendWhatsApp   = "send_whatsapp"
	ActionSearchProducts = "search_products"
	ActionEscalate       = "escalate"
	ActionInjectContext  = "inject_context"
)

type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsFinal   bool      `json:"isFinal"`
}

// PendingAction is a compensating action proposed by an analysis.
type PendingAction struct {
	Type       string         `json:"type"`
	Priority   Priority       `json:"priority"`
	Params     map[string]any `json:"params"`
	Reason     string         `json:"reason"`
	DetectedAt time.Time      `json:"detectedAt"`
	ExecutedAt *time.Time     `json:"executedAt,omitempty"`

	// key identifies the action by (type, params) as proposed, before
	// execution attaches results to Params.
	key string
}

func actionKey(actionType string, params map[string]any) string {
	b, err := json.Marshal(params)
	if err != nil {
		b = []byte(fmt.Sprint(params))
	}
	return actionType + "|" + string(b)
}

// Caller is what is known about the other party when a session starts.
type Caller struct {
	ConversationID string
	ClientID       string
	CustomerPhone  string
	CustomerName   string
}

// Session is the mutable state of one live call. Fields are guarded by mu;
// actionMu serialises compensating action execution for the call.
type Session struct {
	mu       sync.Mutex
	actionMu sync.Mutex
	inflight sync.WaitGroup

	callID string
	caller Caller

	transcripts    []TranscriptEntry
	fullTranscript string

	toolsCalled []string
	toolsMissed []string

	sentiment        float64
	sentimentHistory []float64
	frustration      []string

	pending  []*PendingAction
	executed []*PendingAction

	state           State
	needsEscalation bool
	lastAnalysisAt  time.Time
	analysisCount   int

	startedAt      time.Time
	lastActivityAt time.Time
}

func newSession(callID string, c Caller, now time.Time) *Session {
	return &Session{callID: callID, caller: c, state: StateIdle, startedAt: now, lastActivityAt: now}
}

func (s *Session) CallID() string { return s.callID }

// fill sets caller fields that are still unknown.
func (s *Session) fill(c Caller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caller.ConversationID == "" {
		s.caller.ConversationID = c.ConversationID
	}
	if s.caller.ClientID == "" {
		s.caller.ClientID = c.ClientID
	}
	if s.caller.CustomerPhone == "" {
		s.caller.CustomerPhone = c.CustomerPhone
	}
	if s.caller.CustomerName == "" {
		s.caller.CustomerName = c.CustomerName
	}
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	CallID                string            `json:"callId"`
	ConversationID        string            `json:"conversationId,omitempty"`
	ClientID              string            `json:"clientId,omitempty"`
	CustomerPhone         string            `json:"customerPhone,omitempty"`
	CustomerName          string            `json:"customerName,omitempty"`
	State                 string            `json:"state"`
	Transcripts           []TranscriptEntry `json:"transcripts"`
	FullTranscript        string            `json:"fullTranscript"`
	ToolsCalled           []string          `json:"toolsCalled"`
	ToolsMissed           []string          `json:"toolsMissed"`
	SentimentScore        float64           `json:"sentimentScore"`
	SentimentHistory      []float64         `json:"sentimentHistory"`
	FrustrationIndicators []string          `json:"frustrationIndicators"`
	PendingActions        []PendingAction   `json:"pendingActions"`
	ExecutedActions       []PendingAction   `json:"executedActions"`
	IsActive              bool              `json:"isActive"`
	NeedsEscalation       bool              `json:"needsEscalation"`
	LastAnalysisAt        *time.Time        `json:"lastAnalysisAt,omitempty"`
	AnalysisCount         int               `json:"analysisCount"`
	StartedAt             time.Time         `json:"startedAt"`
	LastActivityAt        time.Time         `json:"lastActivityAt"`
}

func copyActions(in []*PendingAction) []PendingAction {
	out := make([]PendingAction, 0, len(in))
	for _, a := range in {
		cp := *a
		cp.Params = cloneParams(a.Params)
		out = append(out, cp)
	}
	return out
}

func cloneParams(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		CallID:                s.callID,
		ConversationID:        s.caller.ConversationID,
		ClientID:              s.caller.ClientID,
		CustomerPhone:         s.caller.CustomerPhone,
		CustomerName:          s.caller.CustomerName,
		State:                 s.state.String(),
		Transcripts:           slices.Clone(s.transcripts),
		FullTranscript:        s.fullTranscript,
		ToolsCalled:           slices.Clone(s.toolsCalled),
		ToolsMissed:           slices.Clone(s.toolsMissed),
		SentimentScore:        s.sentiment,
		SentimentHistory:      slices.Clone(s.sentimentHistory),
		FrustrationIndicators: slices.Clone(s.frustration),
		PendingActions:        copyActions(s.pending),
		ExecutedActions:       copyActions(s.executed),
		IsActive:              s.state != StateEnded,
		NeedsEscalation:       s.needsEscalation,
		AnalysisCount:         s.analysisCount,
		StartedAt:             s.startedAt,
		LastActivityAt:        s.lastActivityAt,
	}
	if !s.lastAnalysisAt.IsZero() {
		at := s.lastAnalysisAt
		snap.LastAnalysisAt = &at
	}
	return snap
}

// endedRetention is how long a retired call id is refused, covering
// events the platform delivers after the end-of-call report.
const endedRetention = 30 * time.Minute

// Registry holds the sessions of every call currently tracked. One Registry
// is built at startup and handed to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ended    map[string]time.Time
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}, ended: map[string]time.Time{}, now: time.Now}
}

// GetOrCreate returns the call's session, creating it from c if absent. For
// an existing session, unknown caller fields are filled from c. A call that
// was retired is not tracked again: the session is nil.
func (r *Registry) GetOrCreate(callID string, c Caller) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if !ok {
		now := r.now()
		if at, gone := r.ended[callID]; gone && now.Sub(at) < endedRetention {
			r.mu.Unlock()
			return nil, false
		}
		s = newSession(callID, c, now)
		r.sessions[callID] = s
	}
	r.mu.Unlock()
	if ok {
		s.fill(c)
	}
	return s, !ok
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Retire removes and returns the session and refuses the call id for a
// while, so late events of an ended call do not start a new session.
func (r *Registry) Retire(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, at := range r.ended {
		if now.Sub(at) >= endedRetention {
			delete(r.ended, id)
		}
	}
	r.ended[callID] = now
	s, ok := r.sessions[callID]
	delete(r.sessions, callID)
	return s, ok
}

// IDs lists tracked call ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
