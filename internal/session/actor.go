package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/registry"
	"github.com/relaymesh/gateway/internal/types"
)

// subscriber pairs a StatusChangeFunc with the id its owner uses to
// unsubscribe; kept as a slice (not a map) so notify() fires in
// subscription order.
type subscriber struct {
	id int
	fn StatusChangeFunc
}

// sessionActor is the single goroutine that owns every mutation of one
// tenant's Session. Nothing outside run() ever touches the fields below
// "actor-confined state" directly; external callers only ever see a
// Snapshot or post a command onto the inbox (spec.md §4.3, §9).
type sessionActor struct {
	tenantID string
	regOpts  registry.Options
	factory  ProviderFactory
	logger   *zap.Logger
	hooks    Hooks

	inbox      chan func()
	stopSignal chan struct{}
	stopOnce   sync.Once

	generation atomic.Uint64
	snapshot   atomic.Pointer[Snapshot]
	providersView atomic.Pointer[map[types.ProviderID]provider.Provider]

	// actor-confined state: read and written only from inside run().
	status            types.SessionStatus
	activeProvider    types.ProviderID
	phoneIdentity     string
	connectedAt       time.Time
	qrPayload         string
	reconnectAttempts int
	createdAt         time.Time
	providers         map[types.ProviderID]provider.Provider
	reconnectTimer    *time.Timer
	subscribers       []subscriber
	nextSubID         int
}

func newSessionActor(tenantID string, regOpts registry.Options, factory ProviderFactory, logger *zap.Logger, hooks Hooks) *sessionActor {
	a := &sessionActor{
		tenantID:   tenantID,
		regOpts:    regOpts,
		factory:    factory,
		logger:     logOrNop(logger),
		hooks:      hooks,
		inbox:      make(chan func(), 64),
		stopSignal: make(chan struct{}),
		status:     types.StatusInitializing,
		createdAt:  time.Now(),
		providers:  make(map[types.ProviderID]provider.Provider),
	}
	a.publish()
	return a
}

// run is the actor's goroutine body: a single serialized command loop.
func (a *sessionActor) run() {
	for {
		select {
		case cmd := <-a.inbox:
			cmd()
		case <-a.stopSignal:
			return
		}
	}
}

// post enqueues a command for the actor goroutine. It never blocks past
// the actor's teardown: once stopSignal is closed, posts are dropped.
func (a *sessionActor) post(cmd func()) {
	select {
	case a.inbox <- cmd:
	case <-a.stopSignal:
	}
}

// start kicks off the initial connect sequence. Must be called once,
// after run() has been launched in its own goroutine.
func (a *sessionActor) start() {
	a.post(func() { a.runDialSequence(false) })
}

// stop tears down every provider and halts the command loop. Safe to
// call at most once per actor (the Supervisor enforces this by removing
// the actor from its map before calling stop).
func (a *sessionActor) stop() {
	a.post(func() {
		a.disconnectAll()
		a.stopOnce.Do(func() { close(a.stopSignal) })
	})
}

// Snapshot returns the current immutable read model. Safe for concurrent
// callers; never blocks on the actor goroutine.
func (a *sessionActor) Snapshot() Snapshot {
	p := a.snapshot.Load()
	if p == nil {
		return Snapshot{}
	}
	return *p
}

// Provider returns the live Provider instance for id, if the session has
// one installed. Safe for concurrent callers (the Send Router calls this
// directly rather than routing sends through the actor inbox, since a
// Provider's own send methods are already safe for concurrent use).
func (a *sessionActor) Provider(id types.ProviderID) (provider.Provider, bool) {
	p := a.providersView.Load()
	if p == nil {
		return nil, false
	}
	prov, ok := (*p)[id]
	return prov, ok
}

// Subscribe registers fn to receive every future status transition and
// returns an id usable with Unsubscribe. Delivery happens from inside the
// actor's own goroutine, so a subscriber sees transitions strictly in the
// order they occurred for this tenant.
func (a *sessionActor) Subscribe(fn StatusChangeFunc) int {
	idCh := make(chan int, 1)
	a.post(func() {
		a.nextSubID++
		id := a.nextSubID
		a.subscribers = append(a.subscribers, subscriber{id: id, fn: fn})
		idCh <- id
	})
	select {
	case id := <-idCh:
		return id
	case <-a.stopSignal:
		return 0
	}
}

// Unsubscribe removes a previously registered subscriber. A no-op if the
// actor has already stopped or the id is unknown.
func (a *sessionActor) Unsubscribe(id int) {
	a.post(func() {
		for i, sub := range a.subscribers {
			if sub.id == id {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
				return
			}
		}
	})
}

// runDialSequence tries each available provider in priority order,
// stopping at the first that resolves to connected or qr_ready (spec.md
// §4.3 step 3-4). Bumping the generation here means any event sink built
// for a provider from a previous episode (an earlier connect attempt, a
// stale reconnect) is dropped rather than mutating this episode's state.
// isReconnect distinguishes a fresh CreateSession dial (no prior
// connection to retry) from one fired by scheduleReconnectOrFail's timer:
// when every provider fails to dial mid-reconnect, the loop must route
// back through scheduleReconnectOrFail to keep incrementing attempts and
// backing off up to MaxReconnectAttempts, rather than failing the session
// after a single retry (spec.md §4.3, §8).
func (a *sessionActor) runDialSequence(isReconnect bool) {
	a.generation.Add(1)

	var lastID types.ProviderID
	for _, id := range registry.Priority(a.regOpts) {
		lastID = id
		result, err := a.dialOne(id)
		if err != nil {
			a.logger.Warn("provider dial failed",
				zap.String("tenant", a.tenantID), zap.String("provider", string(id)), zap.Error(err))
			continue
		}
		if result.Status == types.StatusConnected || result.Status == types.StatusQRReady {
			return
		}
	}

	a.logger.Error("all providers failed to connect", zap.String("tenant", a.tenantID))
	if isReconnect {
		a.scheduleReconnectOrFail(lastID, provider.CauseOther)
		return
	}
	a.setStatus(types.StatusFailed, "", "")
	a.publish()
	a.notify()
}

func (a *sessionActor) dialOne(id types.ProviderID) (types.ConnectResult, error) {
	sink := &tenantEventSink{actor: a, providerID: id, generation: a.generation.Load()}

	ctx, cancel := context.WithTimeout(context.Background(), provider.ConnectTimeout)
	defer cancel()

	p, err := a.factory.Create(ctx, id, a.tenantID, sink)
	if err != nil {
		return types.ConnectResult{}, err
	}

	result, err := p.Connect(ctx)
	if err != nil {
		p.Disconnect(context.Background())
		return types.ConnectResult{}, err
	}

	a.providers[id] = p

	switch result.Status {
	case types.StatusConnected:
		a.activeProvider = id
		a.phoneIdentity = result.PhoneIdentity
		a.connectedAt = time.Now()
		a.reconnectAttempts = 0
		a.qrPayload = ""
		a.setStatus(types.StatusConnected, id, "")
		a.cancelReconnectTimer()
		a.publish()
		a.notify()
		a.hooks.StartPolling(a.tenantID)
		a.hooks.ScheduleQueueDrain(a.tenantID, 2*time.Second)
	case types.StatusQRReady:
		a.setStatus(types.StatusQRReady, id, "")
		a.qrPayload = result.QRPayload
		a.publish()
		a.notify()
	}
	return result, nil
}

// setStatus updates status and records the transition for the audit log
// in one place, so every status change this package makes is observable
// (SPEC_FULL.md §2).
func (a *sessionActor) setStatus(newStatus types.SessionStatus, providerID types.ProviderID, reason string) {
	old := a.status
	a.status = newStatus
	a.hooks.RecordTransition(a.tenantID, string(old), string(newStatus), string(providerID), reason)
}

func (a *sessionActor) handleQR(id types.ProviderID, payload string) {
	if _, ok := a.providers[id]; !ok {
		return
	}
	a.setStatus(types.StatusQRReady, id, "")
	a.qrPayload = payload
	a.publish()
	a.notify()
}

func (a *sessionActor) handleStatusChange(id types.ProviderID, status types.SessionStatus, phoneIdentity string, cause provider.DisconnectCause) {
	switch status {
	case types.StatusConnected:
		a.activeProvider = id
		a.phoneIdentity = phoneIdentity
		a.connectedAt = time.Now()
		a.reconnectAttempts = 0
		a.qrPayload = ""
		a.setStatus(types.StatusConnected, id, "")
		a.cancelReconnectTimer()
		a.publish()
		a.notify()
		a.hooks.StartPolling(a.tenantID)
		a.hooks.ScheduleQueueDrain(a.tenantID, 2*time.Second)
	case types.StatusDisconnected:
		a.handleDisconnect(id, cause)
	default:
		a.logger.Warn("unexpected provider event",
			zap.String("tenant", a.tenantID), zap.String("status", string(status)))
	}
}

func (a *sessionActor) handleDisconnect(id types.ProviderID, cause provider.DisconnectCause) {
	if p, ok := a.providers[id]; ok {
		p.Disconnect(context.Background())
	}
	a.activeProvider = ""
	a.hooks.StopPolling(a.tenantID)

	switch cause {
	case provider.CauseLoggedOut:
		a.hooks.PurgeCredentials(a.tenantID)
		a.cancelReconnectTimer()
		a.setStatus(types.StatusLoggedOut, id, string(cause))
		a.publish()
		a.notify()
	case provider.CauseBadSession:
		a.hooks.PurgeCredentials(a.tenantID)
		a.reconnectAttempts = 0
		a.scheduleReconnectOrFail(id, cause)
	default:
		a.scheduleReconnectOrFail(id, cause)
	}
}

// scheduleReconnectOrFail implements the reconnecting -> {reconnecting,
// failed} edge of spec.md §4.3: attempts increments first, and once it
// reaches MaxReconnectAttempts the session gives up instead of scheduling
// another timer.
func (a *sessionActor) scheduleReconnectOrFail(id types.ProviderID, cause provider.DisconnectCause) {
	a.reconnectAttempts++
	if a.reconnectAttempts >= MaxReconnectAttempts {
		a.setStatus(types.StatusFailed, id, string(cause))
		a.publish()
		a.notify()
		return
	}

	a.setStatus(types.StatusReconnecting, id, string(cause))
	a.publish()
	a.notify()

	delay := computeReconnectDelay(a.reconnectAttempts)
	a.cancelReconnectTimer()
	a.reconnectTimer = time.AfterFunc(delay, func() {
		a.post(func() { a.runDialSequence(true) })
	})
}

func (a *sessionActor) cancelReconnectTimer() {
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
}

func (a *sessionActor) handleInbound(msg types.NormalizedInboundMessage) {
	a.hooks.Deliver(msg)
}

func (a *sessionActor) disconnectAll() {
	a.generation.Add(1)
	a.cancelReconnectTimer()
	a.hooks.StopPolling(a.tenantID)
	for id, p := range a.providers {
		p.Disconnect(context.Background())
		delete(a.providers, id)
	}
	a.activeProvider = ""
	a.setStatus(types.StatusDisconnected, "", "")
	a.publish()
	a.notify()
}

// publish builds a fresh immutable Snapshot (and provider view) from
// actor-confined state and atomically stores it, so any concurrent reader
// either sees the previous complete state or this one, never a mix.
func (a *sessionActor) publish() {
	installed := make([]types.ProviderID, 0, len(a.providers))
	for _, id := range []types.ProviderID{types.ProviderP1, types.ProviderP2} {
		if _, ok := a.providers[id]; ok {
			installed = append(installed, id)
		}
	}

	a.snapshot.Store(&Snapshot{
		TenantID:           a.tenantID,
		Status:             a.status,
		ActiveProvider:     a.activeProvider,
		PhoneIdentity:      a.phoneIdentity,
		ConnectedAt:        a.connectedAt,
		QRPayload:          a.qrPayload,
		ReconnectAttempts:  a.reconnectAttempts,
		CreatedAt:          a.createdAt,
		InstalledProviders: installed,
	})

	view := make(map[types.ProviderID]provider.Provider, len(a.providers))
	for id, p := range a.providers {
		view[id] = p
	}
	a.providersView.Store(&view)
}

func (a *sessionActor) notify() {
	snap := a.Snapshot()
	for _, sub := range a.subscribers {
		sub.fn(snap)
	}
}
