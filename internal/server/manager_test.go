package server

import (
	"context"
	"net/http"
	"testing"

	"go.uber.org/zap"
)

func TestStartServesAndShutdownStopsCleanly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cfg := DefaultConfig("127.0.0.1:0")
	m := NewManager(mux, cfg, zap.NewNop())
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestStartTwiceReturnsError(t *testing.T) {
	mux := http.NewServeMux()
	cfg := DefaultConfig("127.0.0.1:0")
	m := NewManager(mux, cfg, zap.NewNop())
	defer m.Shutdown(context.Background())

	if err := m.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.Start(); err == nil {
		t.Fatal("expected error starting an already-started manager")
	}
}

func TestShutdownAfterCloseIsNoop(t *testing.T) {
	mux := http.NewServeMux()
	cfg := DefaultConfig("127.0.0.1:0")
	m := NewManager(mux, cfg, zap.NewNop())

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got: %v", err)
	}
}

func TestStartOnInvalidAddrReturnsError(t *testing.T) {
	mux := http.NewServeMux()
	cfg := DefaultConfig("not-a-valid-address")
	m := NewManager(mux, cfg, zap.NewNop())

	if err := m.Start(); err == nil {
		t.Fatal("expected error binding to an invalid address")
	}
}
