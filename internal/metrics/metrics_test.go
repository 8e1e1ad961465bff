package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecordHelpers(t *testing.T) {
	m := New("test")

	m.RecordWebhook("tool-calls", "ok")
	m.RecordTool("send_whatsapp", true, 20*time.Millisecond)
	m.RecordTool("send_whatsapp", false, 5*time.Millisecond)
	m.RecordFlush(4, nil)
	m.RecordFlush(2, errors.New("db down"))
	m.SetSessions(3)
	m.RecordAction("send_whatsapp")

	out := scrape(t, m)
	assert.Contains(t, out, `test_webhook_events_total{outcome="ok",type="tool-calls"} 1`)
	assert.Contains(t, out, `test_tool_executions_total{outcome="failure",tool="send_whatsapp"} 1`)
	assert.Contains(t, out, `test_events_persisted_total 4`)
	assert.Contains(t, out, `test_event_flushes_total{outcome="failure"} 1`)
	assert.Contains(t, out, `test_copilot_sessions_active 3`)
	assert.Contains(t, out, `test_copilot_actions_executed_total{type="send_whatsapp"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWebhook("", "ok")
		m.RecordAnalysis("ok", time.Second)
		m.RecordPublish("verdict", nil)
	})
}
