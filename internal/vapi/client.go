// Package vapi talks to the telephony platform's REST API.
package vapi

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
	ErrNotConfigured   = errors.New("vapi: api key not configured")
	ErrNoPhoneNumberID = errors.New("vapi: no phone number id configured for destination")
	ErrNoAssistant     = errors.New("vapi: no assistant id")
)

type Config struct {
	APIKey             string
	BaseURL            string
	DefaultAssistantID string
	// PhoneNumberID is the default caller id; PhoneNumberIDUS is used for
	// +1 destinations when set.
	PhoneNumberID   string
	PhoneNumberIDUS string
	Timeout         time.Duration
	MaxRetryTime    time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vapi.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetryTime <= 0 {
		cfg.MaxRetryTime = 2 * cfg.Timeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.WithField("component", "vapi"),
	}
}

// DefaultAssistantID is the assistant answered for inbound calls.
func (c *Client) DefaultAssistantID() string { return c.cfg.DefaultAssistantID }

// PhoneNumberIDFor picks the outbound caller id for a destination in
// +<country><number> form.
func (c *Client) PhoneNumberIDFor(destination string) string {
	if strings.HasPrefix(destination, "+1") && c.cfg.PhoneNumberIDUS != "" {
		return c.cfg.PhoneNumberIDUS
	}
	return c.cfg.PhoneNumberID
}

// OutboundCall describes a call to place.
type OutboundCall struct {
	PhoneNumber  string
	CustomerName string
	AssistantID  string
	Overrides    *types.AssistantOverrides
	Metadata     map[string]any
}

type Call struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type createCallRequest struct {
	PhoneNumberID      string                    `json:"phoneNumberId"`
	AssistantID        string                    `json:"assistantId"`
	Customer           types.Customer            `json:"customer"`
	AssistantOverrides *types.AssistantOverrides `json:"assistantOverrides,omitempty"`
	Metadata           map[string]any            `json:"metadata,omitempty"`
}

// CreateCall places an outbound call. Rate limiting and server errors are
// retried; other 4xx answers are not.
func (c *Client) CreateCall(ctx context.Context, oc OutboundCall) (*Call, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	dest := types.DialNumber(oc.PhoneNumber)
	phoneID := c.PhoneNumberIDFor(dest)
	if phoneID == "" {
		return nil, ErrNoPhoneNumberID
	}
	assistant := oc.AssistantID
	if assistant == "" {
		assistant = c.cfg.DefaultAssistantID
	}
	if assistant == "" {
		return nil, ErrNoAssistant
	}

	body, err := json.Marshal(createCallRequest{
		PhoneNumberID:      phoneID,
		AssistantID:        assistant,
		Customer:           types.Customer{Number: dest, Name: oc.CustomerName},
		AssistantOverrides: oc.Overrides,
		Metadata:           oc.Metadata,
	})
	if err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{"phone_number_id": clip(phoneID, 8), "context": oc.Overrides != nil})

	var out Call
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/call", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			log.WithError(err).Warn("vapi request failed")
			return err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 400 {
			err := fmt.Errorf("vapi status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode call: %w", err))
		}
		if out.ID == "" {
			return backoff.Permanent(errors.New("vapi returned a call without id"))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 300 * time.Millisecond
	b.MaxElapsedTime = c.cfg.MaxRetryTime
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	log.WithField("call_id", out.ID).Info("outbound call created")
	return &out, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
