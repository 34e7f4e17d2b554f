package audit

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "audit.db")
	log, err := Open(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestRecordAndHistoryReturnsOldestFirst(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	log.Record(ctx, "tenant-a", "", "initializing", "", "")
	log.Record(ctx, "tenant-a", "initializing", "connected", "p1", "")
	log.Record(ctx, "tenant-a", "connected", "disconnected", "p1", "other")

	rows, err := log.History(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 transitions recorded, got %d", len(rows))
	}
	if rows[0].ToStatus != "initializing" || rows[2].ToStatus != "disconnected" {
		t.Fatalf("expected transitions ordered oldest-first, got %+v", rows)
	}
}

func TestHistoryIsolatesTenants(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	log.Record(ctx, "tenant-a", "", "connected", "p1", "")
	log.Record(ctx, "tenant-b", "", "connected", "p2", "")

	rows, err := log.History(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 1 || rows[0].TenantID != "tenant-a" {
		t.Fatalf("expected only tenant-a's transition, got %+v", rows)
	}
}

func TestHistoryEmptyForUnknownTenant(t *testing.T) {
	log := newTestLog(t)
	rows, err := log.History(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows for unknown tenant, got %+v", rows)
	}
}
