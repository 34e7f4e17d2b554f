package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/registry"
	"github.com/relaymesh/gateway/internal/types"
)

// janitorInterval and initializingStuckAfter implement the sweep spec.md
// §5 describes: every 10 minutes, sessions stuck in initializing for more
// than 30 minutes are torn down, and any already-failed session is
// cleaned up rather than left to linger in the map indefinitely.
const (
	janitorInterval        = 10 * time.Minute
	initializingStuckAfter = 30 * time.Minute
)

// Supervisor owns every tenant's sessionActor and is the sole entry point
// external callers (the HTTP admin surface, the Send Router, the Outbound
// Poller) use to reach a Session.
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*sessionActor

	regOpts func(tenantID string) registry.Options
	factory ProviderFactory
	logger  *zap.Logger
	hooks   Hooks
}

// NewSupervisor builds a Supervisor. regOpts resolves per-tenant provider
// configuration (primary provider, which providers are enabled, whether P1
// credentials exist) without this package needing to import config.
func NewSupervisor(regOpts func(tenantID string) registry.Options, factory ProviderFactory, logger *zap.Logger, hooks Hooks) *Supervisor {
	fillHookDefaults(&hooks)
	return &Supervisor{
		sessions: make(map[string]*sessionActor),
		regOpts:  regOpts,
		factory:  factory,
		logger:   logOrNop(logger),
		hooks:    hooks,
	}
}

// CreateSession implements spec.md §4.3 step 2: idempotent when an
// existing session for the tenant is already connected; any other
// existing, non-connected session is torn down and replaced with a fresh
// actor that runs the dial sequence from scratch.
func (s *Supervisor) CreateSession(ctx context.Context, tenantID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[tenantID]; ok {
		if existing.Snapshot().Status == types.StatusConnected {
			return existing.Snapshot()
		}
		// existing.stop() only enqueues a teardown command and returns
		// immediately (see sessionActor.post), so this never blocks the
		// map lock on provider I/O.
		existing.stop()
		delete(s.sessions, tenantID)
	}

	actor := newSessionActor(tenantID, s.regOpts(tenantID), s.factory, s.logger, s.hooks)
	s.sessions[tenantID] = actor

	go actor.run()
	actor.start()

	return actor.Snapshot()
}

// DisconnectSession implements spec.md §4.3's explicit disconnect
// operation: stops every provider, cancels timers, and removes the
// session from the map entirely. Returns ErrSessionNotFound for an
// unknown tenant.
func (s *Supervisor) DisconnectSession(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	actor, ok := s.sessions[tenantID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, tenantID)
	s.mu.Unlock()

	actor.stop()
	return nil
}

// Snapshot returns the current state of a tenant's session, or the zero
// value (Exists() == false) if none exists.
func (s *Supervisor) Snapshot(tenantID string) Snapshot {
	s.mu.RLock()
	actor, ok := s.sessions[tenantID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}
	}
	return actor.Snapshot()
}

// Snapshots returns every currently tracked session's state.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.sessions))
	for _, actor := range s.sessions {
		out = append(out, actor.Snapshot())
	}
	return out
}

// Provider exposes a tenant's live Provider instance for the Send Router.
// ok is false if the tenant has no session, or no provider with that id
// installed.
func (s *Supervisor) Provider(tenantID string, id types.ProviderID) (provider.Provider, bool) {
	s.mu.RLock()
	actor, ok := s.sessions[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return actor.Provider(id)
}

// RoutingOrder returns a tenant's installed providers ordered by the
// configured priority (primary first, fallback second), filtered to only
// those actually installed on the live session. The Send Router uses this
// as its starting candidate order (spec.md §4.4).
func (s *Supervisor) RoutingOrder(tenantID string) []types.ProviderID {
	snap := s.Snapshot(tenantID)
	installed := make(map[types.ProviderID]bool, len(snap.InstalledProviders))
	for _, id := range snap.InstalledProviders {
		installed[id] = true
	}

	out := make([]types.ProviderID, 0, len(snap.InstalledProviders))
	for _, id := range registry.Priority(s.regOpts(tenantID)) {
		if installed[id] {
			out = append(out, id)
		}
	}
	return out
}

// FindTenantByPhoneIdentity scans active sessions for one whose provider
// id is currently reporting phoneIdentity, for routing an inbound
// platform webhook POST to the right tenant (spec.md §6 — "Route to the
// session whose P1 provider reports the matching phone identifier").
func (s *Supervisor) FindTenantByPhoneIdentity(id types.ProviderID, phoneIdentity string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tenantID, actor := range s.sessions {
		snap := actor.Snapshot()
		if snap.ActiveProvider == id && snap.PhoneIdentity == phoneIdentity {
			return tenantID, true
		}
	}
	return "", false
}

// OnStatusChange subscribes fn to every future transition of a tenant's
// session and returns an unsubscribe function. A no-op unsubscribe is
// returned for an unknown tenant.
func (s *Supervisor) OnStatusChange(tenantID string, fn StatusChangeFunc) (unsubscribe func()) {
	s.mu.RLock()
	actor, ok := s.sessions[tenantID]
	s.mu.RUnlock()
	if !ok {
		return func() {}
	}
	id := actor.Subscribe(fn)
	return func() { actor.Unsubscribe(id) }
}

// ReconnectExistingSessions is called once at startup to re-establish
// every tenant whose credentials already persisted from a prior process
// lifetime (spec.md §4.3's "known tenants" bootstrap path). tenantIDs is
// sourced by the caller (typically a directory listing of the credential
// store); this package has no opinion on where that list comes from.
func (s *Supervisor) ReconnectExistingSessions(ctx context.Context, tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		s.logger.Info("reconnecting existing session", zap.String("tenant", tenantID))
		s.CreateSession(ctx, tenantID)
	}
}

// RunJanitor blocks, sweeping every janitorInterval until ctx is
// cancelled. Sessions stuck in initializing past initializingStuckAfter,
// and sessions that have already failed out their reconnect budget, are
// disconnected and removed (spec.md §5).
func (s *Supervisor) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context) {
	now := time.Now()

	s.mu.RLock()
	var stale []string
	for tenantID, actor := range s.sessions {
		snap := actor.Snapshot()
		switch {
		case snap.Status == types.StatusFailed:
			stale = append(stale, tenantID)
		case snap.Status == types.StatusInitializing && now.Sub(snap.CreatedAt) > initializingStuckAfter:
			stale = append(stale, tenantID)
		}
	}
	s.mu.RUnlock()

	for _, tenantID := range stale {
		s.logger.Warn("janitor disconnecting stale session", zap.String("tenant", tenantID))
		if err := s.DisconnectSession(ctx, tenantID); err != nil {
			s.logger.Warn("janitor disconnect failed", zap.String("tenant", tenantID), zap.Error(err))
		}
	}
}

// Shutdown stops every tracked session. Callers (cmd/gateway) wrap this
// with their own deadline; this method itself runs each actor's stop() in
// its own goroutine and waits for all of them to return.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	actors := make([]*sessionActor, 0, len(s.sessions))
	for _, actor := range s.sessions {
		actors = append(actors, actor)
	}
	s.sessions = make(map[string]*sessionActor)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, actor := range actors {
		wg.Add(1)
		go func(a *sessionActor) {
			defer wg.Done()
			a.stop()
		}(actor)
	}
	wg.Wait()
}
