package kv

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/domain"
	"ipwarden/internal/support"
)

func exerciseStore(t *testing.T, store Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.Set(ctx, "warden:block:192.0.2.1", []byte("a"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "warden:block:192.0.2.2", []byte("b"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "warden:asn:AS1", []byte("c"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := store.Get(ctx, "warden:block:192.0.2.1")
	if err != nil || string(got) != "a" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	keys, err := store.Keys(ctx, "warden:block:")
	if err != nil || len(keys) != 2 {
		t.Fatalf("Keys = %v, %v; want 2 block keys", keys, err)
	}

	advance(2 * time.Minute)
	if _, err := store.Get(ctx, "warden:block:192.0.2.1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expired key error = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, "warden:block:192.0.2.2"); err != nil {
		t.Fatalf("key without ttl expired: %v", err)
	}

	keys, err = store.Keys(ctx, "warden:block:")
	if err != nil || len(keys) != 1 || keys[0] != "warden:block:192.0.2.2" {
		t.Fatalf("Keys after expiry = %v, %v", keys, err)
	}

	removed, err := store.DeletePrefix(ctx, "warden:block:")
	if err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if removed != 1 {
		t.Fatalf("DeletePrefix removed %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "warden:asn:AS1"); err != nil {
		t.Fatalf("unrelated key removed: %v", err)
	}

	if err := store.Delete(ctx, "warden:asn:AS1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "warden:asn:AS1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted key error = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	clock := support.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	exerciseStore(t, NewMemory(clock), clock.Advance)
}

func TestMemoryStoreSweepsExpiredItems(t *testing.T) {
	ctx := context.Background()
	clock := support.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemory(clock)

	for i := 0; i < 10000; i++ {
		if err := store.Set(ctx, fmt.Sprintf("warden:geo:%d", i), []byte("DE"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := store.Set(ctx, "warden:asn:AS1", []byte("[]"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(8 * 24 * time.Hour)

	for i := 0; i < sweepEvery; i++ {
		if err := store.Set(ctx, "warden:block:192.0.2.1", []byte("{}"), time.Hour); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	store.mu.RLock()
	retained := len(store.items)
	store.mu.RUnlock()
	if retained != 2 {
		t.Fatalf("retained %d items after sweep, want 2", retained)
	}
}

func TestRedisStore(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseStore(t, NewRedis(client), srv.FastForward)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(nil)

	in := domain.TemporaryBlock{Target: "192.0.2.1", Reason: "too many attempts", Source: domain.SourceBruteForce}
	if err := SetJSON(ctx, store, domain.TemporaryBlockKey(in.Target), in, time.Hour); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var out domain.TemporaryBlock
	if err := GetJSON(ctx, store, domain.TemporaryBlockKey("192.0.2.1"), &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Target != in.Target || out.Source != in.Source {
		t.Fatalf("GetJSON = %+v, want %+v", out, in)
	}
}
