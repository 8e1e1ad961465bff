// Package llm calls an OpenAI compatible chat completions gateway.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var ErrNotConfigured = errors.New("llm gateway not configured")

type Config struct {
	GatewayURL string
	APIKey     string
	Model      string
	// UseMock answers every prompt with a canned neutral verdict.
	UseMock      bool
	Timeout      time.Duration
	MaxRetryTime time.Duration
	MaxTokens    int
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MaxRetryTime <= 0 {
		cfg.MaxRetryTime = cfg.Timeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.WithField("component", "llm"),
	}
}

const mockVerdict = "```json\n" + `{"sentiment": 0.1, "frustrationIndicators": [], "missedActions": [],
 "shouldEscalate": false, "escalationReason": "", "summary": "mock analysis"}` + "\n```"

// Analyze sends one system+user exchange and returns the assistant's raw
// text. Callers own parsing; the text may wrap JSON in prose or fences.
func (c *Client) Analyze(ctx context.Context, system, prompt string) (string, error) {
	if c.cfg.UseMock {
		return mockVerdict, nil
	}
	if c.cfg.GatewayURL == "" || c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}

	messages := []map[string]string{}
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})
	data, err := json.Marshal(map[string]any{
		"model":       c.cfg.Model,
		"messages":    messages,
		"temperature": 0.0,
		"max_tokens":  c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	c.log.WithField("payload_len", len(data)).Debug("llm request")

	var content string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GatewayURL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.WithError(err).Warn("llm request failed")
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		c.log.WithField("http_status", resp.StatusCode).Debug("llm response")

		if resp.StatusCode >= 400 {
			err := fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(body), 200))
			if resp.StatusCode < 500 {
				// Permanent: don't retry on client errors
				return backoff.Permanent(err)
			}
			return err
		}

		// choices[0].message.content (OpenAI-like), else the raw body
		if inner, ok := contentFromChoices(body); ok {
			content = inner
		} else {
			content = string(body)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.MaxRetryTime
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", fmt.Errorf("llm analyze: %w", err)
	}
	return content, nil
}

func contentFromChoices(body []byte) (string, bool) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return "", false
	}
	return parsed.Choices[0].Message.Content, true
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
