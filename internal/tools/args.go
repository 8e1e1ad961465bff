package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Args are the decoded arguments of one invocation.
type Args map[string]any

var ErrMalformedArgs = errors.New("malformed tool arguments")

// ParseArgs accepts a JSON object or a JSON string that holds an object, the
// two shapes the platform sends. Empty input yields empty Args.
func ParseArgs(raw []byte) (Args, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return Args{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArgs, err)
		}
		s = strings.TrimSpace(inner)
		if s == "" {
			return Args{}, nil
		}
	}
	var out Args
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArgs, err)
	}
	if out == nil {
		out = Args{}
	}
	return out, nil
}

func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b || strings.EqualFold(strings.TrimSpace(v), "si") || strings.EqualFold(strings.TrimSpace(v), "sí")
	default:
		return false
	}
}

// Float reads a number sent either as JSON number or numeric string.
func (a Args) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
