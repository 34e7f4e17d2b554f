// Package httpprovider implements P1, the official HTTP/webhook-based
// transport. The upstream platform's actual wire protocol is out of scope
// for this repository (spec.md §1) — this package implements only the
// capability contract from spec.md §4.1 against a generic REST surface,
// so it is usable standalone and is what the Session Supervisor and Send
// Router are exercised against in integration tests.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/types"
)

// Config configures a P1 provider instance.
type Config struct {
	BaseURL     string
	Credentials string // opaque bearer/API key, per spec.md §6 p1Credentials
	HTTPClient  *http.Client
}

// Provider is the P1 concrete implementation.
type Provider struct {
	provider.HealthTracker

	cfg    Config
	sink   provider.EventSink
	logger *zap.Logger

	status        types.SessionStatus
	phoneIdentity string
	client        *http.Client
}

// New constructs a P1 provider wired to the given event sink.
func New(cfg Config, sink provider.EventSink, logger *zap.Logger) *Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: provider.SendTimeout}
	}
	return &Provider{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(zap.String("provider", string(types.ProviderP1))),
		status: types.StatusInitializing,
		client: client,
	}
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) ID() types.ProviderID { return types.ProviderP1 }

func (p *Provider) Capabilities() types.Capabilities {
	return types.Capabilities{
		SupportsTemplates:   true,
		SupportsInteractive: true,
		RequiresQRAuth:      false,
		IsOfficial:          true,
	}
}

// Connect validates credentials against the upstream platform. P1 is
// credential-based and resolves synchronously to connected.
func (p *Provider) Connect(ctx context.Context) (types.ConnectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.ConnectTimeout)
	defer cancel()

	if p.cfg.Credentials == "" {
		return types.ConnectResult{}, types.Classify(types.ErrClassAuthError, fmt.Errorf("missing p1 credentials"))
	}

	identity, err := p.verifyCredentials(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return types.ConnectResult{}, types.Classify(types.ErrClassTimeout, err)
		}
		return types.ConnectResult{}, types.Classify(types.ErrClassAuthError, err)
	}

	p.phoneIdentity = identity
	p.status = types.StatusConnected
	if p.sink != nil {
		p.sink.OnStatusChange(types.StatusConnected, identity, provider.CauseNone)
	}
	return types.ConnectResult{Status: types.StatusConnected, PhoneIdentity: identity}, nil
}

func (p *Provider) verifyCredentials(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/identity", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Credentials)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("p1 credentials rejected: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("p1 identity check failed: status %d", resp.StatusCode)
	}

	var body struct {
		PhoneIdentity string `json:"phoneIdentity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.PhoneIdentity, nil
}

func (p *Provider) Disconnect(_ context.Context) {
	p.status = types.StatusDisconnected
	if p.sink != nil {
		p.sink.OnStatusChange(types.StatusDisconnected, p.phoneIdentity, provider.CauseNone)
	}
}

func (p *Provider) SendText(ctx context.Context, to, text string) (types.SendResult, error) {
	return p.send(ctx, map[string]any{"to": to, "type": "text", "text": text})
}

func (p *Provider) SendTemplate(ctx context.Context, to, name string, params map[string]string, language string) (types.SendResult, error) {
	return p.send(ctx, map[string]any{
		"to": to, "type": "template", "template": name, "params": params, "language": language,
	})
}

func (p *Provider) SendMedia(ctx context.Context, to string, media types.MediaPayload) (types.SendResult, error) {
	return p.send(ctx, map[string]any{
		"to": to, "type": "media", "url": media.URL, "mime": media.Mime, "caption": media.Caption,
	})
}

func (p *Provider) send(ctx context.Context, payload map[string]any) (types.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.SendTimeout)
	defer cancel()

	start := time.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		return types.SendResult{}, types.Classify(types.ErrClassOther, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return types.SendResult{}, types.Classify(types.ErrClassOther, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Credentials)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			cerr := types.Classify(types.ErrClassTimeout, err)
			p.RecordFailure(cerr)
			return types.SendResult{}, cerr
		}
		cerr := types.Classify(types.ErrClassServerError, err)
		p.RecordFailure(cerr)
		return types.SendResult{}, cerr
	}
	defer resp.Body.Close()

	cerr := classifyStatus(resp.StatusCode)
	if cerr != nil {
		p.RecordFailure(cerr)
		return types.SendResult{}, cerr
	}

	var decoded struct {
		MessageID string `json:"messageId"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)

	p.RecordSuccess(time.Since(start))
	return types.SendResult{MessageID: decoded.MessageID, Provider: types.ProviderP1}, nil
}

func classifyStatus(status int) *types.ClassifiedError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return types.Classify(types.ErrClassRateLimit, fmt.Errorf("status %d", status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.Classify(types.ErrClassAuthError, fmt.Errorf("status %d", status))
	case status == http.StatusUnprocessableEntity:
		return types.Classify(types.ErrClassInvalidPhone, fmt.Errorf("status %d", status))
	case status == http.StatusBadRequest:
		return types.Classify(types.ErrClassTemplateError, fmt.Errorf("status %d", status))
	case status >= 500:
		return types.Classify(types.ErrClassServerError, fmt.Errorf("status %d", status))
	default:
		return types.Classify(types.ErrClassOther, fmt.Errorf("status %d", status))
	}
}

// InboundWebhookPayload is the shape this package expects from the
// platform's inbound webhook POST (spec.md §6 leaves P1's own wire
// format out of scope; this is the minimal decode this repository
// defines for it). ToPhoneIdentity lets the HTTP admin surface route an
// inbound POST to the right tenant before calling HandleInboundWebhook.
type InboundWebhookPayload struct {
	MessageID       string  `json:"messageId"`
	From            string  `json:"from"`
	ToPhoneIdentity string  `json:"toPhoneIdentity"`
	Content         string  `json:"content"`
	Kind            string  `json:"kind,omitempty"`
	PushName        *string `json:"pushName,omitempty"`
	Timestamp       int64   `json:"timestamp"`
}

// HandleInboundWebhook normalizes one decoded platform webhook payload
// and hands it to the event sink, as if it had arrived over a live
// connection — the Session Supervisor's handling of an inbound event is
// identical regardless of whether the originating transport is a
// webhook POST (P1) or a socket stream (P2).
func (p *Provider) HandleInboundWebhook(tenantID string, payload InboundWebhookPayload) {
	if p.sink == nil {
		return
	}
	kind := types.KindText
	if payload.Kind != "" {
		kind = types.MessageKind(payload.Kind)
	}
	p.sink.OnInbound(types.NormalizedInboundMessage{
		Provider:      types.ProviderP1,
		TenantID:      tenantID,
		MessageID:     payload.MessageID,
		From:          payload.From,
		ResolvedPhone: &payload.From,
		Timestamp:     payload.Timestamp,
		Kind:          kind,
		Content:       payload.Content,
		PushName:      payload.PushName,
	})
}

func (p *Provider) IsHealthy() bool {
	return p.status == types.StatusConnected && p.HealthTracker.IsHealthy()
}

func (p *Provider) HealthMetrics() types.HealthMetrics { return p.HealthTracker.Snapshot() }
func (p *Provider) PhoneIdentity() string              { return p.phoneIdentity }
func (p *Provider) Status() types.SessionStatus         { return p.status }
