// Package commerce implements the store-facing tools the voice agent can
// call (products, certificates, orders, coupons, escalations, WhatsApp) and
// the caller briefing injected at the start of a call.
package commerce

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-copilot-go/internal/messaging"
	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/types"
)

// Catalog is the read side of the product and certificate catalog.
type Catalog interface {
	Search(query, category string) types.SearchResult
	Certificate(batch, product string) (types.Certificate, bool)
}

type Messenger interface {
	Send(ctx context.Context, m messaging.Message) (messaging.Receipt, error)
}

type Config struct {
	AssistantName string
	Brand         string
	StoreURL      string
	COAViewerURL  string

	// EscalationPhone receives a WhatsApp alert for every escalation.
	EscalationPhone string
}

type Service struct {
	store   store.Store
	catalog Catalog
	msg     Messenger
	cfg     Config
	log     *logrus.Entry
	now     func() time.Time
}

func New(st store.Store, cat Catalog, msg Messenger, cfg Config, log *logrus.Entry) *Service {
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Ara"
	}
	if cfg.Brand == "" {
		cfg.Brand = "Extractos EUM"
	}
	cfg.StoreURL = strings.TrimRight(cfg.StoreURL, "/")
	cfg.COAViewerURL = strings.TrimRight(cfg.COAViewerURL, "/")
	return &Service{
		store:   st,
		catalog: cat,
		msg:     msg,
		cfg:     cfg,
		log:     log.WithField("component", "commerce"),
		now:     time.Now,
	}
}

// Register installs every handler on d.
func (s *Service) Register(d *tools.Dispatcher) {
	d.Register(tools.SendWhatsApp, s.sendWhatsApp)
	d.Register(tools.SearchProducts, s.searchProducts)
	d.Register(tools.GetCOA, s.getCOA)
	d.Register(tools.LookupOrder, s.lookupOrder)
	d.Register(tools.CreateCoupon, s.createCoupon)
	d.Register(tools.GetClientInfo, s.getClientInfo)
	d.Register(tools.EscalateToHuman, s.escalateToHuman)
}

// mirror records an outbound message on the caller's conversation so the
// CRM thread shows what was sent during the call. Failures are logged only.
func (s *Service) mirror(ctx context.Context, conversationID, content, mediaURL string, extra map[string]any) {
	if conversationID == "" {
		return
	}
	kind := "text"
	if mediaURL != "" {
		kind = "image"
	}
	payload := map[string]any{"source": "vapi_tool_call"}
	if mediaURL != "" {
		payload["media_url"] = mediaURL
	}
	for k, v := range extra {
		payload[k] = v
	}
	err := s.store.AppendMessage(ctx, types.ConversationMessage{
		ConversationID: conversationID,
		Direction:      "outbound",
		Role:           "assistant",
		MessageType:    kind,
		Content:        content,
		Status:         "sent",
		RawPayload:     payload,
	})
	if err != nil {
		s.log.WithError(err).WithField("conversation_id", conversationID).Warn("mirror message failed")
	}
}

// notify sends body to the caller and mirrors it. It reports whether the
// message went out.
func (s *Service) notify(ctx context.Context, tc types.ToolContext, body string, extra map[string]any) bool {
	if tc.CustomerPhone == "" {
		return false
	}
	if _, err := s.msg.Send(ctx, messaging.Message{To: tc.CustomerPhone, Body: body}); err != nil {
		s.log.WithError(err).WithField("call_id", tc.CallID).Warn("whatsapp notify failed")
		return false
	}
	s.mirror(ctx, tc.ConversationID, body, "", extra)
	return true
}
