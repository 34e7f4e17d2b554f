package httpprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/relaymesh/gateway/internal/provider"
	"github.com/relaymesh/gateway/internal/types"
)

type recordingSink struct {
	mu      sync.Mutex
	inbound []types.NormalizedInboundMessage
	statuses []types.SessionStatus
}

func (s *recordingSink) OnQR(string) {}
func (s *recordingSink) OnStatusChange(status types.SessionStatus, phoneIdentity string, cause provider.DisconnectCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}
func (s *recordingSink) OnInbound(msg types.NormalizedInboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, msg)
}

func TestConnectSucceedsAndReportsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"phoneIdentity": "+15550000"})
	}))
	defer srv.Close()

	sink := &recordingSink{}
	p := New(Config{BaseURL: srv.URL, Credentials: "tok"}, sink, zap.NewNop())

	result, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != types.StatusConnected || result.PhoneIdentity != "+15550000" {
		t.Fatalf("unexpected connect result: %+v", result)
	}
	if p.PhoneIdentity() != "+15550000" {
		t.Fatalf("expected phone identity cached, got %q", p.PhoneIdentity())
	}
}

func TestConnectFailsWithoutCredentials(t *testing.T) {
	p := New(Config{BaseURL: "http://unused.invalid"}, &recordingSink{}, zap.NewNop())
	if _, err := p.Connect(context.Background()); err == nil {
		t.Fatal("expected error when credentials are missing")
	}
}

func TestConnectClassifiesRejectedCredentialsAsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, Credentials: "bad"}, &recordingSink{}, zap.NewNop())
	_, err := p.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *types.ClassifiedError
	if !asClassifiedError(err, &ce) || ce.Class != types.ErrClassAuthError {
		t.Fatalf("expected auth_error classification, got %v", err)
	}
}

func TestSendTextSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"messageId": "msg-1"})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, Credentials: "tok"}, &recordingSink{}, zap.NewNop())
	res, err := p.SendText(context.Background(), "+1555", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MessageID != "msg-1" || res.Provider != types.ProviderP1 {
		t.Fatalf("unexpected send result: %+v", res)
	}
	if !p.HealthTracker.IsHealthy() {
		t.Fatal("expected failure ratio healthy after a successful send (connect skipped, so the status-gated IsHealthy is not checked)")
	}
}

func TestSendClassifiesRateLimitAndRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, Credentials: "tok"}, &recordingSink{}, zap.NewNop())
	_, err := p.SendText(context.Background(), "+1555", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *types.ClassifiedError
	if !asClassifiedError(err, &ce) || ce.Class != types.ErrClassRateLimit {
		t.Fatalf("expected rate_limit classification, got %v", err)
	}
	metrics := p.HealthMetrics()
	if metrics.FailureCount != 1 {
		t.Fatalf("expected one failure recorded, got %+v", metrics)
	}
}

func TestHandleInboundWebhookNormalizesAndDelivers(t *testing.T) {
	sink := &recordingSink{}
	p := New(Config{BaseURL: "http://unused.invalid", Credentials: "tok"}, sink, zap.NewNop())

	p.HandleInboundWebhook("tenant-a", InboundWebhookPayload{
		MessageID: "m1",
		From:      "+1555",
		Content:   "hello",
		Timestamp: 1000,
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.inbound) != 1 {
		t.Fatalf("expected one inbound message delivered, got %d", len(sink.inbound))
	}
	got := sink.inbound[0]
	if got.TenantID != "tenant-a" || got.MessageID != "m1" || got.Kind != types.KindText {
		t.Fatalf("unexpected normalized message: %+v", got)
	}
}

func asClassifiedError(err error, out **types.ClassifiedError) bool {
	ce, ok := err.(*types.ClassifiedError)
	if ok {
		*out = ce
	}
	return ok
}
