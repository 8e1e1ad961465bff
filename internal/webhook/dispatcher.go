// Package webhook routes the telephony platform's server messages to the
// event log, the tool dispatcher, the CRM and the copilot.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"voice-copilot-go/internal/commerce"
	"voice-copilot-go/internal/copilot"
	"voice-copilot-go/internal/eventlog"
	"voice-copilot-go/internal/metrics"
	"voice-copilot-go/internal/store"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/types"
	"voice-copilot-go/internal/vapi"
)

// ToolRunner executes one tool invocation. *tools.Dispatcher implements it.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args tools.Args, tc types.ToolContext) tools.Result
}

type Config struct {
	// AssistantID answers assistant-request messages.
	AssistantID string
	// TeardownTimeout bounds the copilot's end-of-call work.
	TeardownTimeout time.Duration
}

type Deps struct {
	Store    store.Store
	Events   *eventlog.Logger
	Tools    ToolRunner
	Commerce *commerce.Service
	Copilot  *copilot.Copilot
	Vapi     *vapi.Client
	Metrics  *metrics.Metrics
}

type Dispatcher struct {
	cfg      Config
	store    store.Store
	events   *eventlog.Logger
	tools    ToolRunner
	commerce *commerce.Service
	copilot  *copilot.Copilot
	vapi     *vapi.Client
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time
}

func New(cfg Config, deps Deps, log *logrus.Entry) *Dispatcher {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    deps.Store,
		events:   deps.Events,
		tools:    deps.Tools,
		commerce: deps.Commerce,
		copilot:  deps.Copilot,
		vapi:     deps.Vapi,
		metrics:  deps.Metrics,
		log:      log.WithField("component", "webhook"),
		now:      time.Now,
	}
}

// Handle processes one message and returns the response body. It never
// fails: errors and panics are logged, recorded as error events when the
// call is known, and answered with an acknowledgement.
func (d *Dispatcher) Handle(ctx context.Context, msg *types.Message) (resp any) {
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			d.fail(ctx, msg, fmt.Errorf("panic handling %s: %v", msg.Type, r))
			resp = d.fallback(msg)
		}
		d.metrics.RecordWebhook(msg.Type, outcome)
	}()

	entry := d.log.WithFields(logrus.Fields{"type": msg.Type, "call_id": msg.CallID()})
	entry.Debug("webhook received")

	var err error
	switch msg.Type {
	case types.MessageAssistantRequest:
		return d.assistantRequest(ctx, msg)
	case types.MessageToolCalls:
		return d.toolCalls(ctx, msg)
	case types.MessageStatusUpdate:
		err = d.statusUpdate(ctx, msg)
	case types.MessageTranscript:
		d.transcript(ctx, msg)
	case types.MessageUserInterrupted:
		err = d.userInterrupted(ctx, msg)
	case types.MessageHang:
		d.hang(ctx, msg)
	case types.MessageEndOfCallReport:
		err = d.endOfCall(ctx, msg)
	default:
		outcome = "ignored"
		entry.Debug("unhandled message type")
	}
	if err != nil {
		outcome = "error"
		d.fail(ctx, msg, err)
	}
	return types.Ack{Success: true}
}

// fallback is the response after a panic: an empty result list keeps the
// platform from waiting on tool results that will never come.
func (d *Dispatcher) fallback(msg *types.Message) any {
	switch msg.Type {
	case types.MessageToolCalls:
		results := make([]types.ToolCallResult, 0, len(msg.ToolCalls()))
		for _, tc := range msg.ToolCalls() {
			results = append(results, types.ToolCallResult{ToolCallID: tc.CallID(), Error: "internal error"})
		}
		return types.ToolCallsResponse{Results: results}
	case types.MessageAssistantRequest:
		return types.AssistantResponse{AssistantID: d.cfg.AssistantID}
	}
	return types.Ack{Success: true}
}

func (d *Dispatcher) fail(ctx context.Context, msg *types.Message, err error) {
	d.log.WithError(err).WithFields(logrus.Fields{
		"type":    msg.Type,
		"call_id": msg.CallID(),
	}).Error("webhook handling failed")
	if id := msg.CallID(); id != "" {
		d.events.LogError(ctx, id, msg.ConversationID(), msg.Type, err)
	}
}

// caller is what the copilot knows about the person on the line.
func caller(msg *types.Message) copilot.Caller {
	c := copilot.Caller{ConversationID: msg.ConversationID(), CustomerPhone: msg.CustomerNumber()}
	if msg.Call != nil {
		c.ClientID = msg.Call.Metadata.ClientID
		if msg.Call.Customer != nil {
			c.CustomerName = msg.Call.Customer.Name
		}
	}
	return c
}
