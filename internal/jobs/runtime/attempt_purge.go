package runtime

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	attemptPurgeLockKey = "ipwarden:leader:attempt_purge"
	attemptPurgeEvery   = 24 * time.Hour
)

// AttemptPurger deletes attempt records older than the retention window.
type AttemptPurger interface {
	PurgeAttempts(ctx context.Context) (int64, error)
}

// StartAttemptPurgeRoutine purges at startup and then daily.
func StartAttemptPurgeRoutine(ctx context.Context, client *redis.Client, purger AttemptPurger) {
	startAttemptPurge(ctx, client, purger, attemptPurgeEvery)
}

func startAttemptPurge(ctx context.Context, client *redis.Client, purger AttemptPurger, every time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	runAsLeader(ctx, client, attemptPurgeLockKey, "Attempt purge routine", func(leaderCtx context.Context) {
		runEvery(leaderCtx, every, func(ctx context.Context, reason string) {
			start := time.Now()
			removed, err := purger.PurgeAttempts(ctx)
			if err != nil {
				log.Error("Failed to purge attempt records", "reason", reason, "error", err)
				return
			}
			log.Info("Attempt records purged", "removed", removed, "duration", time.Since(start))
		})
	})
}
