package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"voice-copilot-go/internal/types"
	"voice-copilot-go/internal/vapi"
	"voice-copilot-go/internal/webhook"
)

const (
	maxWebhookBody      = 5 << 20
	defaultFailureLimit = 20
	maxFailureLimit     = 200
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.WithRequest(r).WithError(err).Warn("store not ready")
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "store unavailable")
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// handleWebhook answers every well-formed envelope with 200; processing
// failures are reported through the call event log instead.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "webhook")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		reqLog.WithError(err).Warn("could not read webhook body")
		writeJSON(w, http.StatusBadRequest, types.Ack{Success: false})
		return
	}
	msg, err := types.DecodeEnvelope(body)
	if errors.Is(err, types.ErrMissingMessage) {
		reqLog.Warn("webhook without message")
		writeJSON(w, http.StatusOK, types.Ack{Success: false})
		return
	}
	if err != nil {
		reqLog.WithError(err).Warn("malformed webhook payload")
		s.metrics.RecordWebhook("", "malformed")
		writeJSON(w, http.StatusBadRequest, types.Ack{Success: false})
		return
	}

	writeJSON(w, http.StatusOK, s.webhook.Handle(r.Context(), msg))
}

func (s *Server) startCall(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "start_call")

	var req webhook.OutboundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	call, err := s.webhook.StartCall(r.Context(), req)
	switch {
	case err == nil:
		reqLog.WithField("call_id", call.ID).Info("outbound call started")
		writeJSON(w, http.StatusCreated, call)
	case errors.Is(err, webhook.ErrNoPhoneNumber):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, vapi.ErrNotConfigured), errors.Is(err, vapi.ErrNoPhoneNumberID), errors.Is(err, vapi.ErrNoAssistant):
		reqLog.WithError(err).Error("outbound calling not configured")
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, err.Error())
	default:
		reqLog.WithError(err).Error("outbound call failed")
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}

func (s *Server) listCopilotCalls(w http.ResponseWriter, r *http.Request) {
	ids := s.copilot.ActiveCalls()
	writeJSON(w, http.StatusOK, map[string]any{"calls": ids, "count": len(ids)})
}

func (s *Server) getCopilotCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	snap, ok := s.copilot.Session(callID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "call not tracked: "+callID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) toolFailures(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailureLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailureLimit)
	}
	logs, err := s.store.RecentToolFailures(r.Context(), limit)
	if err != nil {
		s.log.WithRequest(r).WithError(err).Error("tool failure query failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "could not load tool failures")
		return
	}
	if logs == nil {
		logs = []types.ToolLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": logs, "count": len(logs)})
}
