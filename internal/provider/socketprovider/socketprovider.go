// Package socketprovider implements P2, the QR-code-authenticated socket
// transport. As with httpprovider, the upstream wire protocol is out of
// scope — this implements only the capability contract from spec.md
// §4.1, using a long-lived websocket connection (github.com/coder/websocket)
// for the duplex QR handshake and subsequent message stream.
package socketprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/types"
)

// Config configures a P2 provider instance.
type Config struct {
	WSURL string // wss:// endpoint the upstream QR bridge listens on
}

// Provider is the P2 concrete implementation.
type Provider struct {
	provider.HealthTracker

	cfg    Config
	sink   provider.EventSink
	logger *zap.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	status        types.SessionStatus
	phoneIdentity string
	cancel        context.CancelFunc
}

// New constructs a P2 provider wired to the given event sink.
func New(cfg Config, sink provider.EventSink, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(zap.String("provider", string(types.ProviderP2))),
		status: types.StatusInitializing,
	}
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) ID() types.ProviderID { return types.ProviderP2 }

func (p *Provider) Capabilities() types.Capabilities {
	return types.Capabilities{
		SupportsTemplates:   false,
		SupportsInteractive: false,
		RequiresQRAuth:      true,
		IsOfficial:          false,
	}
}

type wireEvent struct {
	Type          string `json:"type"` // "qr" | "connected" | "logged_out" | "bad_session" | "inbound"
	QRPayload     string `json:"qrPayload,omitempty"`
	PhoneIdentity string `json:"phoneIdentity,omitempty"`
	Inbound       *types.NormalizedInboundMessage `json:"inbound,omitempty"`
}

// Connect dials the socket bridge and resolves qr_ready as soon as the
// bridge emits a QR challenge; the eventual transition to connected
// arrives asynchronously via the event sink once the remote end confirms
// the scan, handled identically by the Session Supervisor's callback path
// (spec.md §4.3 step 3).
func (p *Provider) Connect(ctx context.Context) (types.ConnectResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, provider.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.cfg.WSURL, nil)
	if err != nil {
		return types.ConnectResult{}, types.Classify(types.ErrClassTimeout, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.conn = conn
	p.cancel = runCancel
	p.mu.Unlock()

	var first wireEvent
	if err := wsjson.Read(dialCtx, conn, &first); err != nil {
		p.teardown()
		return types.ConnectResult{}, types.Classify(types.ErrClassTimeout, err)
	}

	go p.readLoop(runCtx)

	switch first.Type {
	case "qr":
		p.status = types.StatusQRReady
		if p.sink != nil {
			p.sink.OnQR(first.QRPayload)
		}
		return types.ConnectResult{Status: types.StatusQRReady, QRPayload: first.QRPayload}, nil
	case "connected":
		p.status = types.StatusConnected
		p.phoneIdentity = first.PhoneIdentity
		if p.sink != nil {
			p.sink.OnStatusChange(types.StatusConnected, first.PhoneIdentity, provider.CauseNone)
		}
		return types.ConnectResult{Status: types.StatusConnected, PhoneIdentity: first.PhoneIdentity}, nil
	default:
		p.teardown()
		return types.ConnectResult{}, types.Classify(types.ErrClassAuthError, fmt.Errorf("unexpected first event %q", first.Type))
	}
}

// readLoop consumes subsequent events (status transitions, inbound
// messages) for the lifetime of the connection.
func (p *Provider) readLoop(ctx context.Context) {
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}

		var ev wireEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("socket provider read failed, treating as connection close", zap.Error(err))
			p.handleClose(provider.CauseOther)
			return
		}

		switch ev.Type {
		case "connected":
			p.status = types.StatusConnected
			p.phoneIdentity = ev.PhoneIdentity
			if p.sink != nil {
				p.sink.OnStatusChange(types.StatusConnected, ev.PhoneIdentity, provider.CauseNone)
			}
		case "logged_out":
			p.handleClose(provider.CauseLoggedOut)
			return
		case "bad_session":
			p.handleClose(provider.CauseBadSession)
			return
		case "inbound":
			if ev.Inbound != nil && p.sink != nil {
				ev.Inbound.Provider = types.ProviderP2
				p.sink.OnInbound(*ev.Inbound)
			}
		}
	}
}

func (p *Provider) handleClose(cause provider.DisconnectCause) {
	p.status = types.StatusDisconnected
	if p.sink != nil {
		p.sink.OnStatusChange(types.StatusDisconnected, p.phoneIdentity, cause)
	}
}

func (p *Provider) teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "teardown")
		p.conn = nil
	}
}

// Disconnect is idempotent: it releases the socket and cancels the read
// loop. The event sink reference is kept, not cleared.
func (p *Provider) Disconnect(_ context.Context) {
	p.teardown()
	p.status = types.StatusDisconnected
}

func (p *Provider) SendText(ctx context.Context, to, text string) (types.SendResult, error) {
	return p.send(ctx, map[string]any{"to": to, "type": "text", "text": text})
}

// SendTemplate always fails synchronously: P2 has no template support
// (spec.md §4.1 — "P2 MUST fail sendTemplate synchronously with
// template_not_supported (non-retryable)").
func (p *Provider) SendTemplate(_ context.Context, _, _ string, _ map[string]string, _ string) (types.SendResult, error) {
	return types.SendResult{}, types.Classify(types.ErrClassTemplateNotSupported, fmt.Errorf("p2 does not support templates"))
}

func (p *Provider) SendMedia(ctx context.Context, to string, media types.MediaPayload) (types.SendResult, error) {
	return p.send(ctx, map[string]any{"to": to, "type": "media", "url": media.URL, "mime": media.Mime, "caption": media.Caption})
}

func (p *Provider) send(ctx context.Context, payload map[string]any) (types.SendResult, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		cerr := types.Classify(types.ErrClassServerError, fmt.Errorf("socket not connected"))
		p.RecordFailure(cerr)
		return types.SendResult{}, cerr
	}

	ctx, cancel := context.WithTimeout(ctx, provider.SendTimeout)
	defer cancel()

	start := time.Now()
	envelope := map[string]any{"type": "send", "payload": payload}
	if err := wsjson.Write(ctx, conn, envelope); err != nil {
		cerr := classifyWriteErr(ctx, err)
		p.RecordFailure(cerr)
		return types.SendResult{}, cerr
	}

	var ack struct {
		MessageID string `json:"messageId"`
		Error     string `json:"error,omitempty"`
	}
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		cerr := classifyWriteErr(ctx, err)
		p.RecordFailure(cerr)
		return types.SendResult{}, cerr
	}
	if ack.Error != "" {
		cerr := types.Classify(types.ErrClassServerError, fmt.Errorf("%s", ack.Error))
		p.RecordFailure(cerr)
		return types.SendResult{}, cerr
	}

	p.RecordSuccess(time.Since(start))
	return types.SendResult{MessageID: ack.MessageID, Provider: types.ProviderP2}, nil
}

func classifyWriteErr(ctx context.Context, err error) *types.ClassifiedError {
	if ctx.Err() != nil {
		return types.Classify(types.ErrClassTimeout, err)
	}
	return types.Classify(types.ErrClassServerError, err)
}

func (p *Provider) IsHealthy() bool {
	return p.status == types.StatusConnected && p.HealthTracker.IsHealthy()
}

func (p *Provider) HealthMetrics() types.HealthMetrics { return p.HealthTracker.Snapshot() }
func (p *Provider) PhoneIdentity() string              { return p.phoneIdentity }
func (p *Provider) Status() types.SessionStatus         { return p.status }
