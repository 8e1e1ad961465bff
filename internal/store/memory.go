package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-copilot-go/internal/types"
)

// Memory is a process-local Store used when no database is configured and
// as the test double for every package that persists through Store.
type Memory struct {
	mu sync.Mutex

	events      []types.CallEvent
	toolLogs    []types.ToolLog
	calls       map[string]*types.CallRecord
	finals      map[string]types.CallFinal
	clients     map[string]types.Client
	orders      []types.Order
	convs       map[string]*memConversation
	messages    []types.ConversationMessage
	coupons     []types.Coupon
	escalations []types.Escalation

	failInserts error
}

type memConversation struct {
	conv      types.Conversation
	updatedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		calls:   map[string]*types.CallRecord{},
		finals:  map[string]types.CallFinal{},
		clients: map[string]types.Client{},
		convs:   map[string]*memConversation{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) InsertEvents(_ context.Context, events []types.CallEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts != nil {
		return m.failInserts
	}
	m.events = append(m.events, events...)
	return nil
}

// FailInserts makes InsertEvents return err until called again with nil.
func (m *Memory) FailInserts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInserts = err
}

// Events returns a copy of every persisted call event in write order.
func (m *Memory) Events() []types.CallEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// EventsOfType filters Events by event type.
func (m *Memory) EventsOfType(eventType string) []types.CallEvent {
	var out []types.CallEvent
	for _, e := range m.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) InsertToolLog(_ context.Context, l types.ToolLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	m.toolLogs = append(m.toolLogs, l)
	return nil
}

func (m *Memory) ToolLogs() []types.ToolLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.toolLogs)
}

func (m *Memory) RecentToolFailures(_ context.Context, limit int) ([]types.ToolLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ToolLog
	for i := len(m.toolLogs) - 1; i >= 0 && len(out) < limit; i-- {
		if !m.toolLogs[i].Success {
			out = append(out, m.toolLogs[i])
		}
	}
	return out, nil
}

func (m *Memory) CreateCall(_ context.Context, c types.CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.calls[c.VapiCallID]; ok {
		if existing.ConversationID == "" {
			existing.ConversationID = c.ConversationID
		}
		return nil
	}
	m.calls[c.VapiCallID] = &c
	return nil
}

func (m *Memory) call(id string) *types.CallRecord {
	c, ok := m.calls[id]
	if !ok {
		c = &types.CallRecord{VapiCallID: id, Direction: "inbound", Status: "in-progress"}
		m.calls[id] = c
	}
	return c
}

func (m *Memory) UpdateCallStatus(_ context.Context, callID, status string, startedAt, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.call(callID)
	c.Status = status
	if startedAt != nil {
		c.StartedAt = startedAt
	}
	if endedAt != nil {
		c.EndedAt = endedAt
	}
	return nil
}

func (m *Memory) IncrementInterruptions(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.call(callID).Interruptions++
	return nil
}

func (m *Memory) FinalizeCall(_ context.Context, f types.CallFinal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.call(f.VapiCallID)
	c.Status = "ended"
	at := f.EndedAt
	c.EndedAt = &at
	m.finals[f.VapiCallID] = f
	return nil
}

// Final returns what FinalizeCall stored for a call.
func (m *Memory) Final(callID string) (types.CallFinal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.finals[callID]
	return f, ok
}

func (m *Memory) GetCall(_ context.Context, callID string) (*types.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// AddClient seeds a client record.
func (m *Memory) AddClient(c types.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

// AddOrder seeds an order record.
func (m *Memory) AddOrder(o types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
}

// AddConversation seeds a conversation record.
func (m *Memory) AddConversation(c types.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = &memConversation{conv: c, updatedAt: time.Now()}
}

func (m *Memory) GetClient(_ context.Context, id string) (*types.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) FindClientByPhone(_ context.Context, phone string) (*types.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.Phone == phone {
			return &c, nil
		}
	}
	key := types.PhoneKey(phone)
	if len(key) < 7 {
		return nil, ErrNotFound
	}
	for _, c := range m.clients {
		if strings.HasSuffix(types.PhoneKey(c.Phone), key) {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ClientOrders(_ context.Context, clientID string, limit int) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.orders {
		if o.ClientID == clientID {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindOrder(_ context.Context, orderNumber string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(orderNumber)
	for _, o := range m.orders {
		if strings.Contains(strings.ToLower(o.OrderNumber), needle) {
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) conversation(mc *memConversation) *types.Conversation {
	c := mc.conv
	c.Tags = slices.Clone(mc.conv.Tags)
	c.Facts = maps.Clone(mc.conv.Facts)
	var msgs []types.ConversationMessage
	for _, msg := range m.messages {
		if msg.ConversationID == c.ID && !msg.Internal {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) > recentMessages {
		msgs = msgs[len(msgs)-recentMessages:]
	}
	c.RecentMessages = msgs
	return &c
}

func (m *Memory) GetConversation(_ context.Context, id string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.conversation(mc), nil
}

func (m *Memory) ActiveConversation(_ context.Context, clientID string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *memConversation
	for _, mc := range m.convs {
		if mc.conv.ClientID != clientID {
			continue
		}
		if best == nil || mc.updatedAt.After(best.updatedAt) {
			best = mc
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return m.conversation(best), nil
}

func (m *Memory) CreateConversation(_ context.Context, clientID, _, channel string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := types.Conversation{ID: uuid.NewString(), ClientID: clientID, Channel: channel}
	m.convs[c.ID] = &memConversation{conv: c, updatedAt: time.Now()}
	return &c, nil
}

func (m *Memory) TagConversation(_ context.Context, id, tag string, facts map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.convs[id]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(mc.conv.Tags, tag) {
		mc.conv.Tags = append(mc.conv.Tags, tag)
	}
	if mc.conv.Facts == nil {
		mc.conv.Facts = map[string]any{}
	}
	for k, v := range facts {
		mc.conv.Facts[k] = v
	}
	mc.updatedAt = time.Now()
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, msg types.ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages = append(m.messages, msg)
	if mc, ok := m.convs[msg.ConversationID]; ok {
		mc.updatedAt = time.Now()
	}
	return nil
}

// Messages returns every message appended to a conversation, internal notes included.
func (m *Memory) Messages(conversationID string) []types.ConversationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ConversationMessage
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Memory) CreateCoupon(_ context.Context, c types.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons = append(m.coupons, c)
	return nil
}

func (m *Memory) Coupons() []types.Coupon {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.coupons)
}

func (m *Memory) CreateEscalation(_ context.Context, e types.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, e)
	return nil
}

func (m *Memory) Escalations() []types.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.escalations)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
