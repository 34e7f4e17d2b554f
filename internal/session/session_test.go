package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/registry"
	"github.com/relaymesh/gateway/internal/types"
)

// fakeProvider is a minimal in-memory provider.Provider double. connectFunc
// lets a test script exactly what Connect resolves to (or errors with);
// every other method is a fixed, harmless stub.
type fakeProvider struct {
	id          types.ProviderID
	connectFunc func(ctx context.Context) (types.ConnectResult, error)

	mu             sync.Mutex
	disconnectCalls int
}

func (p *fakeProvider) Connect(ctx context.Context) (types.ConnectResult, error) {
	return p.connectFunc(ctx)
}
func (p *fakeProvider) Disconnect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCalls++
}
func (p *fakeProvider) SendText(ctx context.Context, to, text string) (types.SendResult, error) {
	return types.SendResult{MessageID: "m", Provider: p.id}, nil
}
func (p *fakeProvider) SendTemplate(ctx context.Context, to, name string, params map[string]string, language string) (types.SendResult, error) {
	return types.SendResult{MessageID: "m", Provider: p.id}, nil
}
func (p *fakeProvider) SendMedia(ctx context.Context, to string, media types.MediaPayload) (types.SendResult, error) {
	return types.SendResult{MessageID: "m", Provider: p.id}, nil
}
func (p *fakeProvider) IsHealthy() bool                       { return true }
func (p *fakeProvider) HealthMetrics() types.HealthMetrics    { return types.HealthMetrics{} }
func (p *fakeProvider) PhoneIdentity() string                 { return "+15550000" }
func (p *fakeProvider) Status() types.SessionStatus           { return types.StatusConnected }
func (p *fakeProvider) ID() types.ProviderID                  { return p.id }
func (p *fakeProvider) Capabilities() types.Capabilities      { return types.Capabilities{} }
func (p *fakeProvider) RecordSuccess(time.Duration)           {}
func (p *fakeProvider) RecordFailure(*types.ClassifiedError)  {}

var _ provider.Provider = (*fakeProvider)(nil)

// fakeFactory hands back pre-scripted fakeProviders keyed by provider id,
// and remembers every sink it was asked to wire so a test can drive
// asynchronous events (QR scan, disconnect) after Connect returns.
type fakeFactory struct {
	mu       sync.Mutex
	connect  map[types.ProviderID]func(ctx context.Context) (types.ConnectResult, error)
	createErr map[types.ProviderID]error
	sinks    map[types.ProviderID]provider.EventSink
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		connect:   make(map[types.ProviderID]func(ctx context.Context) (types.ConnectResult, error)),
		createErr: make(map[types.ProviderID]error),
		sinks:     make(map[types.ProviderID]provider.EventSink),
	}
}

func (f *fakeFactory) Create(ctx context.Context, id types.ProviderID, tenantID string, sink provider.EventSink) (provider.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[id] = sink
	if err, ok := f.createErr[id]; ok {
		return nil, err
	}
	fn, ok := f.connect[id]
	if !ok {
		fn = func(ctx context.Context) (types.ConnectResult, error) {
			return types.ConnectResult{Status: types.StatusConnected}, nil
		}
	}
	return &fakeProvider{id: id, connectFunc: fn}, nil
}

func (f *fakeFactory) sinkFor(id types.ProviderID) provider.EventSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[id]
}

func testOpts() func(string) registry.Options {
	return func(string) registry.Options {
		return registry.Options{PrimaryProvider: "p1", P1Enabled: true, P2Enabled: true, P1Credentials: "tok"}
	}
}

func waitForStatus(t *testing.T, sup *Supervisor, tenantID string, want types.SessionStatus) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := sup.Snapshot(tenantID)
		if snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s, last snapshot: %+v", want, sup.Snapshot(tenantID))
	return Snapshot{}
}

func TestCreateSessionConnectsOnFirstAvailableProvider(t *testing.T) {
	factory := newFakeFactory()
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	snap := waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	if !snap.checkInvariants() {
		t.Fatalf("invariants violated: %+v", snap)
	}
	if snap.ActiveProvider != types.ProviderP1 {
		t.Fatalf("expected p1 active, got %q", snap.ActiveProvider)
	}
}

func TestCreateSessionFallsOverToSecondProviderOnDialFailure(t *testing.T) {
	factory := newFakeFactory()
	factory.connect[types.ProviderP1] = func(ctx context.Context) (types.ConnectResult, error) {
		return types.ConnectResult{}, context.DeadlineExceeded
	}
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	snap := waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	if snap.ActiveProvider != types.ProviderP2 {
		t.Fatalf("expected fallback to p2, got %q", snap.ActiveProvider)
	}
}

func TestCreateSessionFailsWhenEveryProviderDials(t *testing.T) {
	factory := newFakeFactory()
	factory.connect[types.ProviderP1] = func(ctx context.Context) (types.ConnectResult, error) {
		return types.ConnectResult{}, context.DeadlineExceeded
	}
	factory.connect[types.ProviderP2] = func(ctx context.Context) (types.ConnectResult, error) {
		return types.ConnectResult{}, context.DeadlineExceeded
	}
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	snap := waitForStatus(t, sup, "tenant-a", types.StatusFailed)

	if snap.ActiveProvider != "" {
		t.Fatalf("expected no active provider on total failure, got %q", snap.ActiveProvider)
	}
}

func TestCreateSessionQRReadyThenConnectedViaEventSink(t *testing.T) {
	factory := newFakeFactory()
	factory.connect[types.ProviderP1] = func(ctx context.Context) (types.ConnectResult, error) {
		return types.ConnectResult{Status: types.StatusQRReady, QRPayload: "qr-data"}, nil
	}
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	snap := waitForStatus(t, sup, "tenant-a", types.StatusQRReady)
	if snap.QRPayload != "qr-data" {
		t.Fatalf("expected qr payload echoed, got %q", snap.QRPayload)
	}
	if !snap.checkInvariants() {
		t.Fatalf("invariants violated: %+v", snap)
	}

	sink := factory.sinkFor(types.ProviderP1)
	sink.OnStatusChange(types.StatusConnected, "+15550000", provider.CauseNone)

	snap = waitForStatus(t, sup, "tenant-a", types.StatusConnected)
	if snap.QRPayload != "" {
		t.Fatalf("expected qr payload cleared on connect, got %q", snap.QRPayload)
	}
}

func TestDisconnectWithLoggedOutCausePurgesCredentialsAndDoesNotReconnect(t *testing.T) {
	factory := newFakeFactory()
	var purged []string
	var mu sync.Mutex
	hooks := Hooks{PurgeCredentials: func(tenantID string) {
		mu.Lock()
		defer mu.Unlock()
		purged = append(purged, tenantID)
	}}
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), hooks)
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	sink := factory.sinkFor(types.ProviderP1)
	sink.OnStatusChange(types.StatusDisconnected, "", provider.CauseLoggedOut)

	snap := waitForStatus(t, sup, "tenant-a", types.StatusLoggedOut)
	if snap.ActiveProvider != "" {
		t.Fatalf("expected no active provider after logout, got %q", snap.ActiveProvider)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(purged) != 1 || purged[0] != "tenant-a" {
		t.Fatalf("expected credentials purged exactly once for tenant-a, got %+v", purged)
	}
}

func TestDisconnectWithOtherCauseSchedulesReconnect(t *testing.T) {
	factory := newFakeFactory()
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	sink := factory.sinkFor(types.ProviderP1)
	sink.OnStatusChange(types.StatusDisconnected, "", provider.CauseOther)

	snap := waitForStatus(t, sup, "tenant-a", types.StatusReconnecting)
	if snap.ReconnectAttempts != 1 {
		t.Fatalf("expected reconnect attempts incremented to 1, got %d", snap.ReconnectAttempts)
	}
}

// TestReconnectKeepsCyclingAttemptsWhenEveryProviderStaysDown verifies that
// a reconnect-timer-triggered dial failure (every provider still down)
// routes back through scheduleReconnectOrFail to increment the attempt
// counter and reschedule, instead of failing the session after a single
// retry.
func TestReconnectKeepsCyclingAttemptsWhenEveryProviderStaysDown(t *testing.T) {
	factory := newFakeFactory()

	var p1Calls atomic.Int32
	factory.connect[types.ProviderP1] = func(ctx context.Context) (types.ConnectResult, error) {
		if p1Calls.Add(1) == 1 {
			return types.ConnectResult{Status: types.StatusConnected}, nil
		}
		return types.ConnectResult{}, context.DeadlineExceeded
	}
	factory.connect[types.ProviderP2] = func(ctx context.Context) (types.ConnectResult, error) {
		return types.ConnectResult{}, context.DeadlineExceeded
	}

	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	sink := factory.sinkFor(types.ProviderP1)
	sink.OnStatusChange(types.StatusDisconnected, "", provider.CauseOther)

	snap := waitForStatus(t, sup, "tenant-a", types.StatusReconnecting)
	if snap.ReconnectAttempts != 1 {
		t.Fatalf("expected reconnect attempts 1 after first disconnect, got %d", snap.ReconnectAttempts)
	}

	// The backoff timer for attempt 1 fires at up to ~2.6s (2^1s + 30%
	// jitter); every provider is still down, so it must cycle to attempt 2
	// and stay Reconnecting rather than jumping to Failed.
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		snap = sup.Snapshot("tenant-a")
		if snap.ReconnectAttempts >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if snap.ReconnectAttempts < 2 {
		t.Fatalf("expected reconnect attempts to climb past 1, got %d (status %s)", snap.ReconnectAttempts, snap.Status)
	}
	if snap.Status != types.StatusReconnecting {
		t.Fatalf("expected session to still be reconnecting with every provider down, got %s", snap.Status)
	}
}

func TestCreateSessionIsIdempotentWhenAlreadyConnected(t *testing.T) {
	factory := newFakeFactory()
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	waitForStatus(t, sup, "tenant-a", types.StatusConnected)
	first := sup.Snapshot("tenant-a")

	second := sup.CreateSession(context.Background(), "tenant-a")
	if second.ConnectedAt != first.ConnectedAt {
		t.Fatalf("expected idempotent CreateSession to return the same connected session")
	}
}

func TestDisconnectSessionRemovesTenant(t *testing.T) {
	factory := newFakeFactory()
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	if err := sup.DisconnectSession(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sup.DisconnectSession(context.Background(), "tenant-a"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound on second disconnect, got %v", err)
	}
	if snap := sup.Snapshot("tenant-a"); snap.Exists() {
		t.Fatalf("expected no session tracked after disconnect, got %+v", snap)
	}
}

func TestRoutingOrderReflectsInstalledProviders(t *testing.T) {
	factory := newFakeFactory()
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	order := sup.RoutingOrder("tenant-a")
	if len(order) == 0 || order[0] != types.ProviderP1 {
		t.Fatalf("expected p1 first in routing order, got %+v", order)
	}
}

func TestOnStatusChangeDeliversTransitionsInOrder(t *testing.T) {
	factory := newFakeFactory()
	factory.connect[types.ProviderP1] = func(ctx context.Context) (types.ConnectResult, error) {
		return types.ConnectResult{Status: types.StatusQRReady, QRPayload: "qr"}, nil
	}
	sup := NewSupervisor(testOpts(), factory, zap.NewNop(), Hooks{})
	defer sup.Shutdown(context.Background())

	sup.CreateSession(context.Background(), "tenant-a")
	waitForStatus(t, sup, "tenant-a", types.StatusQRReady)

	var mu sync.Mutex
	var seen []types.SessionStatus
	unsubscribe := sup.OnStatusChange("tenant-a", func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, snap.Status)
	})
	defer unsubscribe()

	sink := factory.sinkFor(types.ProviderP1)
	sink.OnStatusChange(types.StatusConnected, "+15550000", provider.CauseNone)
	waitForStatus(t, sup, "tenant-a", types.StatusConnected)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != types.StatusConnected {
		t.Fatalf("expected connected transition delivered to subscriber, got %+v", seen)
	}
}
