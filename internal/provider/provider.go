// Package provider defines the uniform transport contract (spec.md §4.1)
// that the Session Supervisor and Send Router drive. Which providers are
// available and in what priority order is resolved separately, by
// package registry (spec.md §4.2).
package provider

import (
	"context"
	"time"

	"github.com/relaymesh/gateway/internal/types"
)

// EventSink is the typed callback surface a Provider is constructed with.
// The Session Supervisor owns the sink and stamps every event with the
// generation token current at construction time, so a Provider that
// outlives its Session (a slow goroutine, a stray timer) cannot mutate
// state that no longer belongs to it — the sink simply drops events whose
// generation doesn't match (spec.md §9, "Callback cycles between Provider
// and Session").
type EventSink interface {
	OnQR(payload string)
	OnStatusChange(status types.SessionStatus, phoneIdentity string, cause DisconnectCause)
	OnInbound(msg types.NormalizedInboundMessage)
}

// DisconnectCause classifies why a provider's connection closed, which the
// Supervisor maps to a state transition (spec.md §4.3, §7).
type DisconnectCause string

const (
	CauseNone       DisconnectCause = ""
	CauseLoggedOut  DisconnectCause = "logged_out"
	CauseBadSession DisconnectCause = "bad_session"
	CauseOther      DisconnectCause = "other"
)

// Provider is the uniform contract over one upstream transport.
type Provider interface {
	// Connect attempts to establish the session. It may resolve with
	// connected immediately, or with qr_ready followed by asynchronous
	// OnStatusChange events delivered through the EventSink. It fails
	// with auth_error or timeout after 60s without resolution.
	Connect(ctx context.Context) (types.ConnectResult, error)

	// Disconnect is idempotent: it releases all I/O, cancels internal
	// timers, and removes external event handlers.
	Disconnect(ctx context.Context)

	SendText(ctx context.Context, to, text string) (types.SendResult, error)
	SendTemplate(ctx context.Context, to, name string, params map[string]string, language string) (types.SendResult, error)
	SendMedia(ctx context.Context, to string, media types.MediaPayload) (types.SendResult, error)

	IsHealthy() bool
	HealthMetrics() types.HealthMetrics
	PhoneIdentity() string
	Status() types.SessionStatus

	// ID and Capabilities are static per concrete variant.
	ID() types.ProviderID
	Capabilities() types.Capabilities

	RecordSuccess(responseTime time.Duration)
	RecordFailure(err *types.ClassifiedError)
}

// ConnectTimeout is the upper bound on Connect resolving (spec.md §4.1).
const ConnectTimeout = 60 * time.Second

// SendTimeout bounds every provider send call (spec.md §5).
const SendTimeout = 30 * time.Second
