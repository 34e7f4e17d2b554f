// Package backend is a thin HTTP client for the application backend's
// pending-messages/mark-sent endpoints (spec.md §6), consumed by the
// Outbound Poller. Grounded in the teacher's provider HTTP clients (e.g.
// providers/anthropic/provider.go): a bounded-timeout *http.Client, a
// bearer-style auth header, and JSON request/response bodies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Timeout bounds every call this client makes (spec.md §5).
const Timeout = 10 * time.Second

// OutboundMessage is one pending send the backend wants delivered, as
// returned by PullOutbound (spec.md §6's pending-messages response
// shape). LidID is set only when IsLid is true, mirroring the
// opaque-address convention NormalizedInboundMessage uses on the inbound
// side.
type OutboundMessage struct {
	ID          string  `json:"id"`
	PhoneNumber string  `json:"phoneNumber"`
	Content     string  `json:"content"`
	IsLid       bool    `json:"isLid,omitempty"`
	LidID       *string `json:"lidId,omitempty"`
}

// Client talks to one application backend instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *zap.Logger
}

// New builds a Client. baseURL is trimmed of any trailing slash so
// callers can configure it either way.
func New(baseURL, apiKey string, logger *zap.Logger) *Client {
	l := logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: Timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     l,
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// PullOutbound fetches every message the backend wants sent for tenantID
// (spec.md §6: GET …/pending-messages?tenantId=…). An empty slice (not
// an error) means nothing is pending.
func (c *Client) PullOutbound(ctx context.Context, tenantID string) ([]OutboundMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/pending-messages?tenantId=%s", c.baseURL, url.QueryEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: pull outbound: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: pull outbound: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Success  bool              `json:"success"`
		Messages []OutboundMessage `json:"messages"`
		Count    int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("backend: decode pull response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("backend: pull outbound reported failure")
	}
	return out.Messages, nil
}

// AckRequest is the mark-sent request body (spec.md §6). Status is
// "sent" or "failed"; ProviderMessageID and Error are set only on the
// respective outcome.
type AckRequest struct {
	IDs               []string `json:"ids"`
	Status            string   `json:"status"`
	ProviderMessageID string   `json:"providerMessageId,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// AckOutbound confirms one message's delivery outcome so the backend
// stops returning it from PullOutbound (spec.md §6: POST …/mark-sent).
// The wire shape is batch-oriented (ids plural); this client always acks
// a single id per call, one send at a time, mirroring the one-message-
// per-dispatch granularity the Outbound Poller works at.
func (c *Client) AckOutbound(ctx context.Context, tenantID, messageID string, sent bool, providerMessageID, sendErr string) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	status := "sent"
	if !sent {
		status = "failed"
	}
	body, err := json.Marshal(AckRequest{
		IDs:               []string{messageID},
		Status:            status,
		ProviderMessageID: providerMessageID,
		Error:             sendErr,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/mark-sent", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: ack outbound: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("backend: ack outbound: unexpected status %d", resp.StatusCode)
	}
	return nil
}
