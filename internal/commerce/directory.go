package commerce

import (
	"context"
	"errors"
	"math"

	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/types"
)

// profileOrders bounds the order history used for client aggregates.
const profileOrders = 10

// Profile loads a client with order aggregates (count, LTV, last and pending
// orders) and the tags of their latest conversation.
func (s *Service) Profile(ctx context.Context, clientID string) (*types.Client, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, c)
}

// FindCaller resolves a phone number to an enriched client.
func (s *Service) FindCaller(ctx context.Context, phone string) (*types.Client, error) {
	if phone == "" {
		return nil, store.ErrNotFound
	}
	c, err := s.store.FindClientByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	return s.enrich(ctx, c)
}

func (s *Service) enrich(ctx context.Context, c *types.Client) (*types.Client, error) {
	orders, err := s.store.ClientOrders(ctx, c.ID, profileOrders)
	if err != nil {
		return nil, err
	}
	c.TotalOrders = len(orders)
	c.LTV = 0
	c.PendingOrders = nil
	for i, o := range orders {
		c.LTV += o.Total
		if o.Pending() {
			c.PendingOrders = append(c.PendingOrders, orders[i])
		}
	}
	c.LTV = math.Round(c.LTV)
	if len(orders) > 0 {
		c.LastOrder = &orders[0]
	}

	conv, err := s.store.ActiveConversation(ctx, c.ID)
	switch {
	case err == nil:
		if len(conv.Tags) > 0 {
			c.Tags = conv.Tags
		}
		if vibe, ok := conv.Facts["emotional_vibe"].(string); ok {
			c.EmotionalVibe = vibe
		}
	case !errors.Is(err, store.ErrNotFound):
		s.log.WithError(err).WithField("client_id", c.ID).Warn("conversation lookup failed")
	}
	return c, nil
}

// ResolveToolContext fills a missing client id, and then a missing
// conversation id, from the caller's phone. Lookup failures leave tc as is.
func (s *Service) ResolveToolContext(ctx context.Context, tc types.ToolContext) types.ToolContext {
	if tc.ClientID != "" || tc.CustomerPhone == "" {
		return tc
	}
	c, err := s.store.FindClientByPhone(ctx, tc.CustomerPhone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).WithField("call_id", tc.CallID).Warn("tool context lookup failed")
		}
		return tc
	}
	tc.ClientID = c.ID
	if tc.ConversationID == "" {
		if conv, err := s.store.ActiveConversation(ctx, c.ID); err == nil {
			tc.ConversationID = conv.ID
		}
	}
	return tc
}
