package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/types"
)

// recentShown is how many recent conversation messages go into a briefing.
const recentShown = 3

// Briefing is what the agent is told about the caller before it speaks.
type Briefing struct {
	Client         *types.Client
	Conversation   *types.Conversation
	ContextMessage string
	FirstMessage   string
}

// BriefPhone identifies the caller by phone. An unknown caller still gets a
// context message asking the agent to learn their name.
func (s *Service) BriefPhone(ctx context.Context, phone string) Briefing {
	client, err := s.FindCaller(ctx, phone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).Warn("caller lookup failed")
		}
		return s.brief(nil, nil)
	}
	conv, err := s.store.ActiveConversation(ctx, client.ID)
	if err != nil {
		conv = nil
	}
	return s.brief(client, conv)
}

// BriefConversation builds the briefing for an existing conversation. An
// unknown conversation yields only a generic first message.
func (s *Service) BriefConversation(ctx context.Context, conversationID string) Briefing {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Briefing{FirstMessage: s.FirstMessage("")}
	}
	var client *types.Client
	if conv.ClientID != "" {
		if c, err := s.Profile(ctx, conv.ClientID); err == nil {
			client = c
		}
	}
	return s.brief(client, conv)
}

// EnsureConversation returns the client's active conversation, creating a
// voice conversation keyed by handle when there is none.
func (s *Service) EnsureConversation(ctx context.Context, clientID, handle string) (string, error) {
	conv, err := s.store.ActiveConversation(ctx, clientID)
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	conv, err = s.store.CreateConversation(ctx, clientID, handle, "voice")
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return conv.ID, nil
}

func (s *Service) brief(client *types.Client, conv *types.Conversation) Briefing {
	b := Briefing{Client: client, Conversation: conv}
	name := ""
	if client != nil {
		name = client.Name
	}
	b.FirstMessage = s.FirstMessage(name)
	b.ContextMessage = s.contextMessage(client, conv)
	return b
}

// FirstMessage greets by first name when the caller is known.
func (s *Service) FirstMessage(name string) string {
	if first := strings.Fields(name); len(first) > 0 {
		return fmt.Sprintf("¡Hola %s! Soy %s de %s. ¿Cómo estás?", first[0], s.cfg.AssistantName, s.cfg.Brand)
	}
	return fmt.Sprintf("¡Hola! Soy %s de %s. ¿Con quién tengo el gusto?", s.cfg.AssistantName, s.cfg.Brand)
}

func (s *Service) contextMessage(client *types.Client, conv *types.Conversation) string {
	if client == nil && conv == nil {
		return "[CONTEXTO: Cliente nuevo o no identificado. Pide su nombre amablemente.]"
	}

	lines := []string{
		"[INSTRUCCIONES DEL SISTEMA]",
		fmt.Sprintf("- Eres %s, el asistente de %s. Tu objetivo es vender y dar soporte.", s.cfg.AssistantName, s.cfg.Brand),
		"- USA TUS HERRAMIENTAS. No inventes información de productos ni pedidos.",
		`- Si te preguntan por productos, usa "search_products".`,
		`- Si te preguntan por un pedido, usa "lookup_order".`,
		`- Si necesitan un COA, pregunta el lote o producto y usa "get_coa".`,
		"- Sé breve, amable y profesional.",
		"",
		"[CONTEXTO DEL CLIENTE - Usa esta información para personalizar]",
	}

	if client != nil {
		if client.Name != "" {
			lines = append(lines, "- Nombre: "+client.Name)
		}
		if client.TotalOrders > 0 && client.LTV > 0 {
			lines = append(lines, fmt.Sprintf("- Cliente con %d pedidos | LTV: $%s MXN", client.TotalOrders, number(client.LTV)))
		}
		if o := client.LastOrder; o != nil {
			lines = append(lines, fmt.Sprintf("- Último pedido: #%s (%s)", o.OrderNumber, o.Status()))
		}
		if len(client.PendingOrders) > 0 {
			nums := make([]string, 0, len(client.PendingOrders))
			for _, o := range client.PendingOrders {
				nums = append(nums, "#"+o.OrderNumber)
			}
			lines = append(lines, "- Pedidos pendientes: "+strings.Join(nums, ", "))
		}
	}

	if conv != nil && len(conv.RecentMessages) > 0 {
		lines = append(lines, "\n[MENSAJES RECIENTES POR WHATSAPP]")
		recent := conv.RecentMessages
		if len(recent) > recentShown {
			recent = recent[len(recent)-recentShown:]
		}
		for _, m := range recent {
			who := "Cliente"
			if m.Role == "assistant" {
				who = s.cfg.AssistantName
			}
			lines = append(lines, who+": "+clip(m.Content, 200))
		}
	}
	return strings.Join(lines, "\n")
}

// Overrides turns a briefing into the assistant override sent to the
// telephony platform. Nil when there is nothing to inject.
func (b Briefing) Overrides(metadata map[string]any) *types.AssistantOverrides {
	if b.ContextMessage == "" {
		return nil
	}
	return &types.AssistantOverrides{
		FirstMessage: b.FirstMessage,
		Model: &types.ModelOverride{
			Messages: []types.ModelMessage{{Role: "system", Content: b.ContextMessage}},
		},
		Metadata: metadata,
	}
}
