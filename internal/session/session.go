// Package session implements the per-tenant session state machine and
// supervisor (spec.md §4.3): connect, QR exchange, reconnect-with-backoff,
// and teardown across two heterogeneous providers. Each tenant owns one
// goroutine (an "actor") that serializes every mutation to its Session
// record; state is published as an immutable Snapshot after each mutation
// so concurrent readers never observe a torn value (spec.md §5).
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/types"
)

// recDelayCap mirrors the cap used in computeReconnectDelay; kept here as a
// named constant so callers outside this file (tests) can reference it
// without reaching into backoff.go internals.
const recDelayCap = 60 * time.Second

// ErrSessionNotFound is returned by operations addressed at an unknown tenant.
var ErrSessionNotFound = errors.New("session: not found")

// MaxReconnectAttempts bounds the reconnect loop (spec.md §4.3).
const MaxReconnectAttempts = 8

// ProviderFactory constructs a concrete Provider for a tenant, wired to
// the sink the supervisor hands it. Concrete providers live in
// internal/provider/httpprovider and internal/provider/socketprovider;
// this indirection keeps the session package free of transport details.
type ProviderFactory interface {
	Create(ctx context.Context, id types.ProviderID, tenantID string, sink provider.EventSink) (provider.Provider, error)
}

// Hooks lets the Supervisor trigger the Outbound Poller and the Webhook
// Forwarder's queue drain without importing either package directly,
// avoiding an import cycle (both of those components call back into
// session.Supervisor for the active provider and session status).
type Hooks struct {
	StartPolling       func(tenantID string)
	StopPolling        func(tenantID string)
	ScheduleQueueDrain func(tenantID string, after time.Duration)

	// PurgeCredentials removes a tenant's persisted auth material. Called
	// on a logged_out or bad_session disconnect cause (spec.md §4.3, §7).
	PurgeCredentials func(tenantID string)

	// Deliver hands a normalized inbound message to the Webhook Forwarder.
	// Called synchronously from the owning actor's goroutine so forwarder
	// attempts happen in the exact order providers emitted them (spec.md §8).
	Deliver func(types.NormalizedInboundMessage)

	// RecordTransition appends one status change to the audit log
	// (SPEC_FULL.md §2). providerID and reason may be empty.
	RecordTransition func(tenantID, fromStatus, toStatus, providerID, reason string)
}

// StatusChangeFunc is invoked synchronously, in subscription order, for
// every status transition a tenant's session makes.
type StatusChangeFunc func(Snapshot)

// fillHookDefaults replaces any unset field of hooks with a no-op, so a
// caller that only cares about some callbacks doesn't have to stub the
// rest.
func fillHookDefaults(hooks *Hooks) {
	if hooks.StartPolling == nil {
		hooks.StartPolling = func(string) {}
	}
	if hooks.StopPolling == nil {
		hooks.StopPolling = func(string) {}
	}
	if hooks.ScheduleQueueDrain == nil {
		hooks.ScheduleQueueDrain = func(string, time.Duration) {}
	}
	if hooks.PurgeCredentials == nil {
		hooks.PurgeCredentials = func(string) {}
	}
	if hooks.Deliver == nil {
		hooks.Deliver = func(types.NormalizedInboundMessage) {}
	}
	if hooks.RecordTransition == nil {
		hooks.RecordTransition = func(string, string, string, string, string) {}
	}
}

// logOrNop returns a non-nil logger.
func logOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
