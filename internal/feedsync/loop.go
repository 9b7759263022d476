package feedsync

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/support"
)

const (
	loopLockKey     = "ipwarden:leader:feed_loop"
	defaultInterval = time.Hour
)

// RunLoop syncs at startup and then on every interval tick until ctx is done.
// New intervals arriving on updates reschedule the ticker. Ticks are skipped
// while feed.enabled is off, so the setting can be toggled without a restart.
// With redis configured only the leader instance runs the loop.
func (p *Pipeline) RunLoop(ctx context.Context, initial time.Duration, updates <-chan time.Duration) {
	if initial <= 0 {
		initial = defaultInterval
	}

	if p.redis == nil {
		p.loop(ctx, initial, updates)
		return
	}
	err := support.RunWithLeader(ctx, p.redis, loopLockKey, support.DefaultLeaseTTL, func(leaderCtx context.Context) {
		p.loop(leaderCtx, initial, updates)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Feed sync loop stopped", "error", err)
	}
}

func (p *Pipeline) loop(ctx context.Context, current time.Duration, updates <-chan time.Duration) {
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	p.trigger(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.trigger(ctx, "scheduled")
		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if next <= 0 {
				next = defaultInterval
			}
			if next == current {
				continue
			}
			drainTicker(ticker)
			current = next
			ticker.Reset(current)
			log.Info("Feed sync interval changed", "interval", current)
		}
	}
}

func (p *Pipeline) trigger(ctx context.Context, reason string) {
	if !p.config.GetConfig().Feed.Enabled {
		log.Debug("Scheduled feed sync skipped, feed disabled", "reason", reason)
		return
	}
	report := p.Sync(ctx, reason)
	if ctx.Err() != nil {
		log.Info("Feed sync canceled", "reason", reason)
		return
	}
	if !report.Success {
		log.Warn("Feed sync run failed", "reason", reason, "run_id", report.RunID, "error", report.Error)
		return
	}
	log.Info("Feed sync completed",
		"reason", reason,
		"run_id", report.RunID,
		"origin", report.Origin,
		"directives", report.ItemCount,
		"degraded", report.Degraded,
	)
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
