package copilot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoVerdict = errors.New("copilot: no verdict in response")

type MissedAction struct {
	Type     string         `json:"type"`
	Priority Priority       `json:"priority"`
	Reason   string         `json:"reason"`
	Params   map[string]any `json:"params"`
}

// Verdict is the decoded judgement of one analysis.
type Verdict struct {
	Sentiment             float64        `json:"sentiment"`
	FrustrationIndicators []string       `json:"frustrationIndicators"`
	MissedActions         []MissedAction `json:"missedActions"`
	ShouldEscalate        bool           `json:"shouldEscalate"`
	EscalationReason      string         `json:"escalationReason"`
	Summary               string         `json:"summary"`
}

// DecodeVerdict pulls the first JSON object out of raw model output (prose
// and markdown fences are tolerated) and decodes it. Sentiment is clamped to
// [-1, 1]; actions without a type are dropped and unknown priorities become
// medium.
func DecodeVerdict(raw string) (Verdict, error) {
	obj := extractJSON(raw)
	if obj == "" {
		return Verdict{}, ErrNoVerdict
	}
	var v Verdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrNoVerdict, err)
	}

	v.Sentiment = max(-1, min(1, v.Sentiment))
	if v.FrustrationIndicators == nil {
		v.FrustrationIndicators = []string{}
	}
	actions := v.MissedActions[:0]
	for _, a := range v.MissedActions {
		a.Type = strings.TrimSpace(a.Type)
		if a.Type == "" {
			continue
		}
		switch p := Priority(strings.ToLower(string(a.Priority))); p {
		case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
			a.Priority = p
		default:
			a.Priority = PriorityMedium
		}
		if a.Params == nil {
			a.Params = map[string]any{}
		}
		actions = append(actions, a)
	}
	v.MissedActions = actions
	return v, nil
}

// extractJSON strips markdown fences and returns the first balanced {...}
// object, skipping braces inside string literals.
func extractJSON(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, fence := range []string{"```json", "```JSON", "```"} {
		s = strings.ReplaceAll(s, fence, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}
