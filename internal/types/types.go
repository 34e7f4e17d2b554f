// Package types holds the data model shared across the gateway: session
// status, provider identifiers, normalized inbound messages, and the
// error taxonomy used to drive fallback decisions.
package types

import "time"

// ProviderID identifies a configured transport provider for a tenant.
type ProviderID string

const (
	ProviderP1 ProviderID = "p1" // official HTTP/webhook provider
	ProviderP2 ProviderID = "p2" // QR-authenticated socket provider
)

// SessionStatus is the state of a tenant's session state machine.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusQRReady       SessionStatus = "qr_ready"
	StatusConnecting    SessionStatus = "connecting"
	StatusConnected     SessionStatus = "connected"
	StatusReconnecting  SessionStatus = "reconnecting"
	StatusLoggedOut     SessionStatus = "logged_out"
	StatusFailed        SessionStatus = "failed"
	StatusDisconnected  SessionStatus = "disconnected"
)

// MessageKind enumerates the normalized inbound message content types.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindVideo       MessageKind = "video"
	KindAudio       MessageKind = "audio"
	KindVoice       MessageKind = "voice"
	KindDocument    MessageKind = "document"
	KindSticker     MessageKind = "sticker"
	KindLocation    MessageKind = "location"
	KindContact     MessageKind = "contact"
	KindInteractive MessageKind = "interactive"
	KindUnknown     MessageKind = "unknown"
)

// NormalizedInboundMessage is the interface between Providers and the
// Webhook Forwarder. Exactly one of ResolvedPhone / OpaqueAddressID is set.
type NormalizedInboundMessage struct {
	Provider             ProviderID
	TenantID             string
	MessageID            string
	From                 string
	ResolvedPhone        *string
	IsOpaqueAddress      bool
	OpaqueAddressID      *string
	Timestamp            int64 // epoch seconds
	Kind                 MessageKind
	Content              string
	PushName             *string
	IsVoice              bool
	VoiceTranscript      string
	VoiceDurationSeconds int
}

// ErrorClass normalizes a provider-boundary failure into one of a small,
// closed set of categories the Send Router and Webhook Forwarder can act
// on without ever re-inspecting a raw upstream error or status code.
type ErrorClass string

const (
	ErrClassRateLimit             ErrorClass = "rate_limit"
	ErrClassTemplateError         ErrorClass = "template_error"
	ErrClassServerError           ErrorClass = "server_error"
	ErrClassTimeout               ErrorClass = "timeout"
	ErrClassInvalidPhone          ErrorClass = "invalid_phone"
	ErrClassAuthError             ErrorClass = "auth_error"
	ErrClassTemplateNotSupported  ErrorClass = "template_not_supported"
	ErrClassOther                ErrorClass = "other"
)

// ClassifiedError carries an ErrorClass alongside the flags the Send
// Router and Supervisor consult, plus the underlying cause for logging.
type ClassifiedError struct {
	Class           ErrorClass
	Retryable       bool
	TriggersFallback bool
	Cause           error
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return string(e.Class) + ": " + e.Cause.Error()
	}
	return string(e.Class)
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Classify assigns the default retryable/triggers-fallback flags for a
// class. invalid_phone and auth_error are never retried or failed over;
// template_not_supported is a synchronous, non-retryable rejection.
func Classify(class ErrorClass, cause error) *ClassifiedError {
	ce := &ClassifiedError{Class: class, Cause: cause}
	switch class {
	case ErrClassInvalidPhone, ErrClassAuthError, ErrClassTemplateNotSupported:
		ce.Retryable = false
		ce.TriggersFallback = false
	case ErrClassTimeout, ErrClassRateLimit, ErrClassTemplateError, ErrClassServerError:
		ce.Retryable = true
		ce.TriggersFallback = true
	default:
		ce.Retryable = true
		ce.TriggersFallback = false
	}
	return ce
}

// QueuedDelivery is an entry in the Inbound Delivery Queue.
type QueuedDelivery struct {
	MessageID string                   `json:"messageId"`
	TenantID  string                   `json:"tenantId"`
	Payload   NormalizedInboundMessage `json:"payload"`
	QueuedAt  int64                    `json:"queuedAt"` // epoch ms
	Attempts  int                      `json:"attempts"`
}

// MaxAttempts and TTL bound QueuedDelivery lifetime (spec.md §3).
const (
	MaxAttempts = 5
	QueueTTL    = 24 * time.Hour
)

// Expired reports whether the entry has exceeded its attempt budget or TTL.
func (q *QueuedDelivery) Expired(now time.Time) bool {
	if q.Attempts >= MaxAttempts {
		return true
	}
	age := now.Sub(time.UnixMilli(q.QueuedAt))
	return age >= QueueTTL
}

// HealthMetrics is the running health bookkeeping kept per Provider.
type HealthMetrics struct {
	SuccessCount      int64
	FailureCount      int64
	LastSuccessAt     time.Time
	LastFailureAt     time.Time
	AvgResponseTimeMs float64
}

// IsHealthy implements the §3 rule: healthy if no observations exist yet,
// or the failure ratio is below 30%.
func (h *HealthMetrics) IsHealthy() bool {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return true
	}
	return float64(h.FailureCount)/float64(total) < 0.30
}

// Capabilities describes the static, per-variant capability set a
// Provider reports (spec.md §4.1).
type Capabilities struct {
	SupportsTemplates   bool
	SupportsInteractive bool
	RequiresQRAuth      bool
	IsOfficial          bool
}

// SendResult is returned by every successful send path.
type SendResult struct {
	MessageID string
	Provider  ProviderID
}

// ConnectResult is returned by Provider.Connect.
type ConnectResult struct {
	Status        SessionStatus
	PhoneIdentity string
	QRPayload     string
}

// MediaPayload is the generic media send argument (media content is
// opaque to this layer beyond a URL/mime-type/caption triple).
type MediaPayload struct {
	URL     string
	Mime    string
	Caption string
}

// SendOptions carries optional per-send routing hints consumed by the
// Send Router (template promotion in particular).
type SendOptions struct {
	TemplateName     string
	TemplateParams   map[string]string
	TemplateLanguage string
}
