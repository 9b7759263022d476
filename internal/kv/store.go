package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is a key/value store with optional per-key expiry. Get reports
// domain.ErrNotFound when the key is absent or expired.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// Keys lists the live keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON loads key into out.
func GetJSON(ctx context.Context, store Store, key string, out any) error {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON stores value under key as JSON.
func SetJSON(ctx context.Context, store Store, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return store.Set(ctx, key, raw, ttl)
}
