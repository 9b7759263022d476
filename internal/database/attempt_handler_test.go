package database

import (
	"context"
	"testing"
	"time"

	"ipwarden/internal/domain"
)

func TestLedgerWindowedCounting(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{-20 * time.Minute, -9 * time.Minute, -3 * time.Minute, -time.Minute} {
		rec := &domain.AttemptRecord{Address: "192.0.2.5", Identity: "admin", Time: now.Add(offset)}
		if err := ledger.Record(ctx, rec); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if err := ledger.Record(ctx, &domain.AttemptRecord{Address: "192.0.2.6", Time: now}); err != nil {
		t.Fatalf("Record other: %v", err)
	}

	count, err := ledger.CountSince(ctx, "192.0.2.5", now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	marked, err := ledger.MarkBlocked(ctx, "192.0.2.5", now.Add(-15*time.Minute))
	if err != nil || marked != 3 {
		t.Fatalf("MarkBlocked = %d, %v", marked, err)
	}

	last, ok, err := ledger.LastBlockedAt(ctx, "192.0.2.5", now.Add(-time.Hour))
	if err != nil || !ok {
		t.Fatalf("LastBlockedAt = %v, %v, %v", last, ok, err)
	}
	if !last.Equal(now.Add(-time.Minute)) {
		t.Fatalf("last = %v, want %v", last, now.Add(-time.Minute))
	}

	if _, ok, _ := ledger.LastBlockedAt(ctx, "192.0.2.5", now); ok {
		t.Fatal("expected no blocked record inside an empty window")
	}

	blocked, err := ledger.BlockedSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("BlockedSince: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Address != "192.0.2.5" {
		t.Fatalf("blocked = %+v", blocked)
	}

	if _, err := ledger.ClearBlocked(ctx, "192.0.2.5"); err != nil {
		t.Fatalf("ClearBlocked: %v", err)
	}
	if _, ok, _ := ledger.LastBlockedAt(ctx, "192.0.2.5", now.Add(-time.Hour)); ok {
		t.Fatal("blocked flag survived ClearBlocked")
	}
}

func TestLedgerPurge(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_ = ledger.Record(ctx, &domain.AttemptRecord{Address: "192.0.2.1", Time: now.Add(-31 * 24 * time.Hour)})
	_ = ledger.Record(ctx, &domain.AttemptRecord{Address: "192.0.2.1", Time: now.Add(-29 * 24 * time.Hour)})

	purged, err := ledger.Purge(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}
