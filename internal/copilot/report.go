package copilot

import (
	"fmt"
	"slices"
	"time"
	"unicode/utf8"
)

// Report summarises a call once tracking ends.
type Report struct {
	CallID          string   `json:"callId"`
	Summary         string   `json:"summary"`
	Sentiment       float64  `json:"sentiment"`
	ActionsExecuted int      `json:"actionsExecuted"`
	ActionsMissed   int      `json:"actionsMissed"`
	Recommendations []string `json:"recommendations"`
}

// recommend derives coaching notes for the agent's configuration from the
// call's final sentiment and the tools it failed to use.
func recommend(sentiment, threshold float64, missed []string) []string {
	recs := []string{}
	if sentiment < threshold {
		recs = append(recs, "Cliente mostró alta frustración - considerar follow-up proactivo")
	}
	if slices.Contains(missed, ActionSendWhatsApp) {
		recs = append(recs, "WhatsApp no enviado cuando se solicitó - revisar prompt del asistente")
	}
	if slices.Contains(missed, ActionSearchProducts) {
		recs = append(recs, "Búsqueda de productos fallida - revisar mappings de términos")
	}
	return recs
}

func buildReport(snap Snapshot, threshold float64, now time.Time) Report {
	secs := int(now.Sub(snap.StartedAt).Round(time.Second).Seconds())
	return Report{
		CallID:          snap.CallID,
		Summary:         fmt.Sprintf("Call tracked for %ds with %d analyses", secs, snap.AnalysisCount),
		Sentiment:       snap.SentimentScore,
		ActionsExecuted: len(snap.ExecutedActions),
		ActionsMissed:   len(snap.ToolsMissed),
		Recommendations: recommend(snap.SentimentScore, threshold, snap.ToolsMissed),
	}
}

type executedSummary struct {
	Type       string     `json:"type"`
	Reason     string     `json:"reason"`
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
}

// reportEventData is the persisted form of the final report.
func reportEventData(r Report, snap Snapshot) map[string]any {
	executed := make([]executedSummary, 0, len(snap.ExecutedActions))
	for _, a := range snap.ExecutedActions {
		executed = append(executed, executedSummary{Type: a.Type, Reason: a.Reason, ExecutedAt: a.ExecutedAt})
	}
	return map[string]any{
		"summary":               r.Summary,
		"sentiment":             r.Sentiment,
		"actionsExecuted":       r.ActionsExecuted,
		"actionsMissed":         r.ActionsMissed,
		"recommendations":       r.Recommendations,
		"fullTranscriptLength":  utf8.RuneCountInString(snap.FullTranscript),
		"totalToolsCalled":      snap.ToolsCalled,
		"totalToolsMissed":      snap.ToolsMissed,
		"sentimentHistory":      snap.SentimentHistory,
		"frustrationIndicators": snap.FrustrationIndicators,
		"executedActions":       executed,
	}
}
