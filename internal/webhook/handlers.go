package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"voice-copilot-go/internal/copilot"
	"voice-copilot-go/internal/logger"
	"voice-copilot-go/internal/tools"
	"voice-copilot-go/internal/types"
)

// assistantRequest picks the assistant for an inbound call and injects
// what the CRM knows about the caller.
func (d *Dispatcher) assistantRequest(ctx context.Context, msg *types.Message) types.AssistantResponse {
	phone := msg.CustomerNumber()
	callID := msg.CallID()
	log := logger.WithCall(d.log, callID)

	brief := d.commerce.BriefPhone(ctx, phone)

	var convID, clientID string
	if brief.Client != nil {
		clientID = brief.Client.ID
		id, err := d.commerce.EnsureConversation(ctx, clientID, phone)
		if err != nil {
			log.WithError(err).Warn("could not open conversation for inbound call")
		}
		convID = id
	}

	if callID != "" {
		started := d.now().UTC()
		err := d.store.CreateCall(ctx, types.CallRecord{
			VapiCallID:     callID,
			ConversationID: convID,
			Direction:      "inbound",
			PhoneNumber:    phone,
			Status:         "in-progress",
			StartedAt:      &started,
		})
		if err != nil {
			log.WithError(err).Warn("could not record inbound call")
		}
	}

	meta := map[string]any{"context": "inbound"}
	if convID != "" {
		meta["conversationId"] = convID
	}
	if clientID != "" {
		meta["clientId"] = clientID
	}
	log.WithFields(logrus.Fields{"known_caller": brief.Client != nil, "conversation_id": convID}).Info("assistant requested")
	return types.AssistantResponse{
		AssistantID:        d.cfg.AssistantID,
		AssistantOverrides: brief.Overrides(meta),
	}
}

// toolCalls runs a batch strictly in order and answers one result per
// invocation, in the order received.
func (d *Dispatcher) toolCalls(ctx context.Context, msg *types.Message) types.ToolCallsResponse {
	tc := types.ToolContext{
		CallID:         msg.CallID(),
		ConversationID: msg.ConversationID(),
		CustomerPhone:  msg.CustomerNumber(),
	}
	if msg.Call != nil {
		tc.ClientID = msg.Call.Metadata.ClientID
	}
	tc = d.commerce.ResolveToolContext(ctx, tc)

	who := caller(msg)
	who.ClientID, who.ConversationID = tc.ClientID, tc.ConversationID

	var callStart *time.Time
	if msg.Call != nil {
		callStart = msg.Call.StartedAt
	}

	batch := msg.ToolCalls()
	results := make([]types.ToolCallResult, 0, len(batch))
	for _, call := range batch {
		results = append(results, d.runTool(ctx, call, tc, who, callStart))
	}
	return types.ToolCallsResponse{Results: results}
}

func (d *Dispatcher) runTool(ctx context.Context, call types.ToolCall, tc types.ToolContext, who copilot.Caller, callStart *time.Time) types.ToolCallResult {
	name := call.FunctionName()
	out := types.ToolCallResult{ToolCallID: call.CallID()}
	started := d.now()

	payload, _ := json.Marshal(call)
	tl := types.ToolLog{
		VapiCallID:     tc.CallID,
		ConversationID: tc.ConversationID,
		ClientID:       tc.ClientID,
		ToolName:       name,
		ToolCallID:     out.ToolCallID,
		ArgumentsRaw:   string(payload),
		CustomerPhone:  tc.CustomerPhone,
		StartedAt:      started.UTC(),
	}
	if callStart != nil {
		elapsed := math.Round(started.Sub(*callStart).Seconds()*10) / 10
		tl.CallSecondsElapsed = &elapsed
	}

	args, err := tools.ParseArgs(call.RawArguments())
	if err != nil {
		tl.ErrorMessage = err.Error()
		out.Error = singleLine(err.Error())
	} else {
		res := d.tools.Execute(ctx, name, args, tc)
		tl.Arguments = args
		tl.Success = res.Success
		tl.Result = res
		tl.ResultMessage = res.Message
		tl.ErrorMessage = res.Error

		encoded, err := json.Marshal(res)
		if err != nil {
			out.Error = singleLine(fmt.Sprintf("encode result: %v", err))
		} else {
			out.Result = singleLine(string(encoded))
		}
		if !tools.IsUnknown(res) {
			d.copilot.RecordToolCall(tc.CallID, name, who)
		}
	}

	done := d.now()
	tl.CompletedAt = done.UTC()
	tl.DurationMs = done.Sub(started).Milliseconds()
	_ = d.events.LogToolCall(ctx, tl)

	d.log.WithFields(logrus.Fields{
		"call_id":     tc.CallID,
		"tool":        name,
		"success":     tl.Success,
		"duration_ms": tl.DurationMs,
	}).Info("tool executed")
	return out
}

// singleLine keeps tool results on one line; the platform reads them as a
// single string.
func singleLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}

func (d *Dispatcher) statusUpdate(ctx context.Context, msg *types.Message) error {
	callID := msg.CallID()
	if callID == "" {
		return nil
	}
	status := msg.Status
	if status == "" {
		status = msg.Call.Status
	}
	data := map[string]any{}
	if msg.Call.StartedAt != nil {
		data["startedAt"] = msg.Call.StartedAt
	}
	if msg.Call.EndedAt != nil {
		data["endedAt"] = msg.Call.EndedAt
	}
	if msg.EndedReason != "" {
		data["endedReason"] = msg.EndedReason
	}
	d.events.LogStatusUpdate(ctx, callID, msg.ConversationID(), status, data)

	if err := d.store.UpdateCallStatus(ctx, callID, status, msg.Call.StartedAt, msg.Call.EndedAt); err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return nil
}

func (d *Dispatcher) transcript(ctx context.Context, msg *types.Message) {
	callID := msg.CallID()
	if callID == "" {
		return
	}
	final := msg.IsFinalTranscript()
	d.events.LogTranscript(ctx, callID, msg.ConversationID(), msg.Role, msg.Transcript, final, msg.SecondsFromStart)
	d.copilot.ProcessTranscript(ctx, copilot.Transcript{
		CallID:  callID,
		Role:    msg.Role,
		Content: msg.Transcript,
		IsFinal: final,
		Caller:  caller(msg),
	})
}

func (d *Dispatcher) userInterrupted(ctx context.Context, msg *types.Message) error {
	callID := msg.CallID()
	if callID == "" {
		return nil
	}
	data := map[string]any{}
	if msg.SecondsFromStart != nil {
		data["secondsFromStart"] = *msg.SecondsFromStart
	}
	d.events.LogEvent(ctx, types.CallEvent{
		VapiCallID:       callID,
		ConversationID:   msg.ConversationID(),
		EventType:        types.EventUserInterrupted,
		EventData:        data,
		SecondsFromStart: msg.SecondsFromStart,
	})
	if err := d.store.IncrementInterruptions(ctx, callID); err != nil {
		return fmt.Errorf("count interruption: %w", err)
	}
	return nil
}

func (d *Dispatcher) hang(ctx context.Context, msg *types.Message) {
	callID := msg.CallID()
	if callID == "" {
		return
	}
	data := map[string]any{"reason": msg.EndedReason}
	if msg.DurationSeconds > 0 {
		data["durationSeconds"] = msg.DurationSeconds
	}
	if msg.SecondsFromStart != nil {
		data["secondsFromStart"] = *msg.SecondsFromStart
	}
	d.events.LogEvent(ctx, types.CallEvent{
		VapiCallID:       callID,
		ConversationID:   msg.ConversationID(),
		EventType:        types.EventHang,
		EventSubtype:     msg.EndedReason,
		EventData:        data,
		SecondsFromStart: msg.SecondsFromStart,
	})
}

// endOfCall persists the platform's report, posts a summary into the linked
// conversation and tears the copilot session down. Every step runs even
// when an earlier one failed.
func (d *Dispatcher) endOfCall(ctx context.Context, msg *types.Message) error {
	callID := msg.CallID()
	if callID == "" {
		return nil
	}
	convID := msg.ConversationID()
	var errs []error

	data := map[string]any{
		"durationSeconds": msg.DurationSeconds,
		"summary":         msg.Summary,
		"endedReason":     msg.EndedReason,
	}
	if msg.Cost != nil {
		data["cost"] = *msg.Cost
	}
	if msg.RecordingURL != "" {
		data["recordingUrl"] = msg.RecordingURL
	}
	d.events.LogEndOfCallReport(ctx, callID, convID, msg.EndedReason, data)

	err := d.store.FinalizeCall(ctx, types.CallFinal{
		VapiCallID:      callID,
		Transcript:      msg.Transcript,
		Summary:         msg.Summary,
		EndedReason:     msg.EndedReason,
		DurationSeconds: msg.DurationSeconds,
		Cost:            msg.Cost,
		Messages:        msg.Messages,
		Analysis:        msg.Analysis,
		RecordingURL:    msg.RecordingURL,
		EndedAt:         d.now().UTC(),
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("finalize call: %w", err))
	}

	if convID != "" {
		err := d.store.AppendMessage(ctx, types.ConversationMessage{
			ConversationID: convID,
			Direction:      "inbound",
			Role:           "system",
			MessageType:    "call_summary",
			Content:        callSummary(msg),
			Status:         "delivered",
			RawPayload:     msg.RawMap(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("post call summary: %w", err))
		}
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.TeardownTimeout)
	defer cancel()
	if report := d.copilot.EndCall(tctx, callID); report != nil {
		d.log.WithFields(logrus.Fields{
			"call_id":         callID,
			"recommendations": len(report.Recommendations),
		}).Info("copilot report ready")
	}
	return errors.Join(errs...)
}

func callSummary(msg *types.Message) string {
	summary := msg.Summary
	if summary == "" {
		summary = "N/A"
	}
	s := fmt.Sprintf("📞 **Llamada finalizada** (%ds)\n\n**Resumen:** %s\n\n**Razón:** %s",
		int(math.Round(msg.DurationSeconds)), summary, msg.EndedReason)
	if msg.RecordingURL != "" {
		s += fmt.Sprintf("\n\n[🎧 Escuchar Grabación](%s)", msg.RecordingURL)
	}
	return s
}
