package session

import "github.com/relaymesh/gateway/internal/types"
import "github.com/relaymesh/gateway/internal/provider"

// tenantEventSink is the per-provider event sink handed to a Provider at
// construction time. It captures the actor's generation at that moment;
// any event arriving after the actor has moved on to a new generation
// (a teardown, a replacement session) is dropped instead of mutating
// state that no longer belongs to it (spec.md §9).
type tenantEventSink struct {
	actor      *sessionActor
	providerID types.ProviderID
	generation uint64
}

var _ provider.EventSink = (*tenantEventSink)(nil)

func (s *tenantEventSink) stale() bool {
	return s.actor.generation.Load() != s.generation
}

func (s *tenantEventSink) OnQR(payload string) {
	if s.stale() {
		return
	}
	s.actor.post(func() { s.actor.handleQR(s.providerID, payload) })
}

func (s *tenantEventSink) OnStatusChange(status types.SessionStatus, phoneIdentity string, cause provider.DisconnectCause) {
	if s.stale() {
		return
	}
	s.actor.post(func() { s.actor.handleStatusChange(s.providerID, status, phoneIdentity, cause) })
}

func (s *tenantEventSink) OnInbound(msg types.NormalizedInboundMessage) {
	if s.stale() {
		return
	}
	s.actor.post(func() { s.actor.handleInbound(msg) })
}
