// Package messaging sends WhatsApp messages through an HTTP gateway.
package messaging

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

	"voice-copilot-go/internal/types"
)

var (
	ErrNoDestination = errors.New("messaging: no destination")
	ErrNotConfigured = errors.New("messaging: gateway not configured")
)

type Message struct {
	To       string
	Body     string
	MediaURL string
}

type Receipt struct {
	ID string `json:"id"`
}

type Config struct {
	APIURL  string
	Token   string
	Timeout time.Duration
	// MaxRetryTime bounds all attempts of one send.
	MaxRetryTime time.Duration
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	maxWait time.Duration
	log     *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetryTime <= 0 {
		cfg.MaxRetryTime = 3 * cfg.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		maxWait: cfg.MaxRetryTime,
		log:     log.WithField("component", "messaging"),
	}
}

type sendResponse struct {
	Sent    bool    `json:"sent"`
	Message Receipt `json:"message"`
	Error   any     `json:"error,omitempty"`
}

// Send delivers a text message, or an image with caption when MediaURL is set.
// Server errors are retried; 4xx answers are not.
func (c *Client) Send(ctx context.Context, m Message) (Receipt, error) {
	to := strings.TrimPrefix(types.DialNumber(m.To), "+")
	if to == "" {
		return Receipt{}, ErrNoDestination
	}
	if c.baseURL == "" {
		return Receipt{}, ErrNotConfigured
	}

	endpoint := c.baseURL + "/messages/text"
	payload := map[string]any{"to": to, "body": m.Body}
	if m.MediaURL != "" {
		endpoint = c.baseURL + "/messages/image"
		payload = map[string]any{"to": to, "media": m.MediaURL, "caption": m.Body}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}

	log := c.log.WithFields(logrus.Fields{"to": maskPhone(to), "media": m.MediaURL != ""})

	var out sendResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			log.WithError(err).Warn("whatsapp request failed")
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 400 {
			err := fmt.Errorf("whatsapp gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode gateway response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.maxWait
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return Receipt{}, err
	}
	if !out.Sent {
		return Receipt{}, fmt.Errorf("whatsapp gateway did not send: %v", out.Error)
	}
	log.WithField("message_id", out.Message.ID).Info("whatsapp message sent")
	return out.Message, nil
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return p
	}
	return strings.Repeat("*", len(p)-4) + p[len(p)-4:]
}
