package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestPullOutboundDecodesMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("tenantId"); got != "tenant-a" {
			t.Errorf("expected tenantId=tenant-a, got %q", got)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"count":   1,
			"messages": []map[string]any{
				{"id": "m1", "phoneNumber": "+1555", "content": "hi"},
			},
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "secret", zap.NewNop())
	msgs, err := client.PullOutbound(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestPullOutboundReportsBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
	}))
	defer srv.Close()

	client := New(srv.URL, "secret", zap.NewNop())
	if _, err := client.PullOutbound(context.Background(), "tenant-a"); err == nil {
		t.Fatal("expected error when backend reports success=false")
	}
}

func TestAckOutboundSendsExpectedBody(t *testing.T) {
	var got AckRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "secret", zap.NewNop())
	if err := client.AckOutbound(context.Background(), "tenant-a", "m1", true, "prov-123", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != "sent" || len(got.IDs) != 1 || got.IDs[0] != "m1" || got.ProviderMessageID != "prov-123" {
		t.Fatalf("unexpected ack body: %+v", got)
	}
}

func TestAckOutboundFailureStatus(t *testing.T) {
	var got AckRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, "secret", zap.NewNop())
	if err := client.AckOutbound(context.Background(), "tenant-a", "m1", false, "", "timeout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != "failed" || got.Error != "timeout" {
		t.Fatalf("unexpected ack body: %+v", got)
	}
}

func TestAckOutboundPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(srv.URL, "secret", zap.NewNop())
	if err := client.AckOutbound(context.Background(), "tenant-a", "m1", true, "", ""); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
