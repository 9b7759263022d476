package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/geo"
)

const (
	geoLiteUpdateLockKey       = "ipwarden:leader:geolite_update"
	geoLiteUpdateFallbackEvery = 24 * time.Hour
)

// GeoUpdater refreshes the local country database.
type GeoUpdater interface {
	Update(ctx context.Context) error
}

// StartGeoLiteUpdateRoutine updates the country database at startup and then
// every interval. With redis configured only the leader downloads.
func StartGeoLiteUpdateRoutine(ctx context.Context, client *redis.Client, updater GeoUpdater, every time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	if every <= 0 {
		every = geoLiteUpdateFallbackEvery
	}

	runAsLeader(ctx, client, geoLiteUpdateLockKey, "GeoLite update routine", func(leaderCtx context.Context) {
		runEvery(leaderCtx, every, func(ctx context.Context, reason string) {
			triggerGeoLiteUpdate(ctx, updater, reason)
		})
	})
}

func triggerGeoLiteUpdate(ctx context.Context, updater GeoUpdater, reason string) {
	err := updater.Update(ctx)
	switch {
	case errors.Is(err, geo.ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil && ctx.Err() == nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	case err == nil:
		log.Debug("GeoLite update finished", "reason", reason)
	}
}
