package copilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"upper fence", "```JSON\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Claro, aquí va:\n{\"a\":{\"b\":2}}\nEspero que sirva {no}", `{"a":{"b":2}}`},
		{"braces in strings", `{"reason":"dijo \"}\" y {luego}","x":1} sobra`, `{"reason":"dijo \"}\" y {luego}","x":1}`},
		{"none", "sin json aquí", ""},
		{"unbalanced", `{"a":{"b":1}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestDecodeVerdictNormalises(t *testing.T) {
	v, err := DecodeVerdict("```json\n" + `{
		"sentiment": -3,
		"missedActions": [
			{"type": "", "priority": "critical"},
			{"type": " send_whatsapp ", "priority": "CRITICAL", "reason": "pidió WhatsApp"},
			{"type": "search_products", "priority": "urgent", "params": {"query": "gomitas"}}
		],
		"shouldEscalate": true,
		"escalationReason": "molesto",
		"summary": "mal"
	}` + "\n```")
	require.NoError(t, err)

	assert.Equal(t, -1.0, v.Sentiment)
	assert.Equal(t, []string{}, v.FrustrationIndicators)
	require.Len(t, v.MissedActions, 2)
	assert.Equal(t, "send_whatsapp", v.MissedActions[0].Type)
	assert.Equal(t, PriorityCritical, v.MissedActions[0].Priority)
	assert.Equal(t, map[string]any{}, v.MissedActions[0].Params)
	assert.Equal(t, PriorityMedium, v.MissedActions[1].Priority)
	assert.Equal(t, "gomitas", v.MissedActions[1].Params["query"])
	assert.True(t, v.ShouldEscalate)
	assert.Equal(t, "molesto", v.EscalationReason)
}

func TestDecodeVerdictClampsHigh(t *testing.T) {
	v, err := DecodeVerdict(`{"sentiment": 4.2}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Sentiment)
	assert.Empty(t, v.MissedActions)
}

func TestDecodeVerdictRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "no puedo ayudar con eso", `{"sentiment": "muy mal"}`} {
		_, err := DecodeVerdict(raw)
		assert.ErrorIs(t, err, ErrNoVerdict, raw)
	}
}
