package webhook

import (
	"context"
	"errors"
	"maps"
	"strings"

	"voice-copilot-go/internal/commerce"
	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/types"
	"voice-copilot-go/internal/vapi"
)

var ErrNoPhoneNumber = errors.New("phoneNumber is required")

// OutboundRequest is the body of POST /vapi/calls.
type OutboundRequest struct {
	PhoneNumber    string         `json:"phoneNumber"`
	CustomerName   string         `json:"customerName,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	AssistantID    string         `json:"assistantId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// StartCall places an outbound call carrying the same CRM context an
// inbound caller would get, and records it as queued.
func (d *Dispatcher) StartCall(ctx context.Context, req OutboundRequest) (*vapi.Call, error) {
	if d.vapi == nil {
		return nil, vapi.ErrNotConfigured
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return nil, ErrNoPhoneNumber
	}

	var brief commerce.Briefing
	if req.ConversationID != "" {
		brief = d.commerce.BriefConversation(ctx, req.ConversationID)
	} else {
		brief = d.commerce.BriefPhone(ctx, req.PhoneNumber)
	}

	name := req.CustomerName
	meta := map[string]any{}
	if req.ConversationID != "" {
		meta["conversationId"] = req.ConversationID
	}
	if brief.Client != nil {
		meta["clientId"] = brief.Client.ID
		if name == "" {
			name = brief.Client.Name
		}
	}
	maps.Copy(meta, req.Metadata)

	call, err := d.vapi.CreateCall(ctx, vapi.OutboundCall{
		PhoneNumber:  req.PhoneNumber,
		CustomerName: name,
		AssistantID:  req.AssistantID,
		Overrides:    brief.Overrides(nil),
		Metadata:     meta,
	})
	if err != nil {
		return nil, err
	}

	err = d.store.CreateCall(ctx, types.CallRecord{
		VapiCallID:     call.ID,
		ConversationID: req.ConversationID,
		Direction:      "outbound",
		PhoneNumber:    req.PhoneNumber,
		Status:         "queued",
	})
	if err != nil {
		logger.WithCall(d.log, call.ID).WithError(err).Warn("could not record outbound call")
	}
	return call, nil
}
