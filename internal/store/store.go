// Package store persists call events, tool logs and call metadata, and reads
// the CRM records (clients, orders, conversations) the tools work against.
package store

import (
	"context"
	"errors"
	"time"

	"voice-copilot-go/internal/types"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	InsertEvents(ctx context.Context, events []types.CallEvent) error
	InsertToolLog(ctx context.Context, log types.ToolLog) error
	RecentToolFailures(ctx context.Context, limit int) ([]types.ToolLog, error)

	CreateCall(ctx context.Context, call types.CallRecord) error
	UpdateCallStatus(ctx context.Context, callID, status string, startedAt, endedAt *time.Time) error
	IncrementInterruptions(ctx context.Context, callID string) error
	FinalizeCall(ctx context.Context, final types.CallFinal) error
	GetCall(ctx context.Context, callID string) (*types.CallRecord, error)

	GetClient(ctx context.Context, id string) (*types.Client, error)
	FindClientByPhone(ctx context.Context, phone string) (*types.Client, error)
	ClientOrders(ctx context.Context, clientID string, limit int) ([]types.Order, error)
	FindOrder(ctx context.Context, orderNumber string) (*types.Order, error)

	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	ActiveConversation(ctx context.Context, clientID string) (*types.Conversation, error)
	CreateConversation(ctx context.Context, clientID, handle, channel string) (*types.Conversation, error)
	TagConversation(ctx context.Context, id, tag string, facts map[string]any) error
	AppendMessage(ctx context.Context, msg types.ConversationMessage) error

	CreateCoupon(ctx context.Context, c types.Coupon) error
	CreateEscalation(ctx context.Context, e types.Escalation) error

	Ping(ctx context.Context) error
	Close()
}

// recentMessages is how many conversation messages are loaded for context.
const recentMessages = 5
