package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/support"
)

// runAsLeader runs fn directly on a single instance and under the redis
// leadership lock otherwise.
func runAsLeader(ctx context.Context, client *redis.Client, key, name string, fn func(context.Context)) {
	if client == nil {
		fn(ctx)
		return
	}
	err := support.RunWithLeader(ctx, client, key, support.DefaultLeaseTTL, fn)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error(name+" stopped", "error", err)
	}
}

func runEvery(ctx context.Context, every time.Duration, fn func(ctx context.Context, reason string)) {
	fn(ctx, "startup")

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx, "scheduled")
		}
	}
}
