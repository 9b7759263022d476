package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/asn"
	"ipwarden/internal/bruteforce"
	"ipwarden/internal/config"
	"ipwarden/internal/database"
	"ipwarden/internal/decision"
	"ipwarden/internal/feedsync"
	"ipwarden/internal/geo"
	jobruntime "ipwarden/internal/jobs/runtime"
	"ipwarden/internal/kv"
	"ipwarden/internal/notify"
	"ipwarden/internal/support"
	"ipwarden/internal/warden"
)

// Runtime holds the long-lived components built by Setup.
type Runtime struct {
	Config *config.Manager
	Warden *warden.Warden
	Redis  *redis.Client

	closers []func() error
}

// Close releases what Setup opened. Background routines stop with the
// context passed to Setup.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup reads the settings, opens storage and starts every background
// routine. It returns once the rule lists are loaded.
func Setup(ctx context.Context) (*Runtime, error) {
	mgr := config.NewManager(support.GetEnv("SETTINGS_PATH", config.DefaultSettingsPath))
	if err := mgr.ReadSettings(); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	rt := &Runtime{Config: mgr}

	var temp kv.Store
	if support.RedisConfigured() {
		client, err := support.GetRedisClient()
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.Redis = client
		rt.closers = append(rt.closers, support.CloseRedisClient)
		mgr.EnableRedisSynchronization(ctx, client)
		temp = kv.NewRedis(client)
	} else {
		log.Info("REDIS_URL not set, using in-process store for temporary blocks and caches")
		temp = kv.NewMemory(nil)
	}

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("Settings watcher stopped", "error", err)
		}
	}()

	db, err := database.SetupDB()
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("set up database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		rt.closers = append(rt.closers, sqlDB.Close)
	}
	rules := database.NewRules(db)
	ledger := database.NewLedger(db)

	cfg := mgr.GetConfig()

	lists := decision.NewLists()
	if err := lists.Load(ctx, rules); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("load rule lists: %w", err)
	}

	resolver := asn.NewResolver(temp, asnSources(cfg.ASN), asn.Options{
		CacheTTL: time.Duration(cfg.ASN.CacheHours) * time.Hour,
		Timeout:  time.Duration(cfg.ASN.TimeoutSeconds) * time.Second,
	})
	engine := decision.NewEngine(lists, resolver, temp, ledger, decision.Options{
		BlockDurationMinutes: cfg.BruteForce.BlockDurationMinutes,
	})

	var sink notify.Sink = notify.Nop{}
	if dispatcher := notify.NewDispatcher(cfg.Notify, nil); dispatcher.Enabled() {
		go dispatcher.Run(ctx)
		sink = dispatcher
	}

	guardDeps := bruteforce.Deps{
		Engine: engine,
		Lists:  lists,
		Ledger: ledger,
		Rules:  rules,
		Temp:   temp,
		Sink:   sink,
	}
	guard := bruteforce.NewGuard(guardDeps, warden.GuardSettings(cfg))

	locator, updater := geoLocator(cfg.Geo)
	policy := geo.NewPolicy(temp, locator, cfg.Geo.BlockedCountries, geo.Options{
		CacheTTL: time.Duration(cfg.Geo.CacheDays) * 24 * time.Hour,
		Timeout:  time.Duration(cfg.Geo.TimeoutSeconds) * time.Second,
	})
	if mmdb, ok := locator.(*geo.MMDBLocator); ok {
		rt.closers = append(rt.closers, mmdb.Close)
	}
	if updater != nil {
		go jobruntime.StartGeoLiteUpdateRoutine(ctx, rt.Redis, updater, 0)
	}

	pipeline := feedsync.NewPipeline(mgr, rules, lists, feedsync.Options{Redis: rt.Redis})
	if err := pipeline.Prime(ctx); err != nil {
		log.Warn("Feed set not primed", "error", err)
	}

	w := warden.New(warden.Deps{
		Rules:    rules,
		Ledger:   ledger,
		Temp:     temp,
		Lists:    lists,
		Engine:   engine,
		Guard:    guard,
		Geo:      policy,
		Resolver: resolver,
		Pipeline: pipeline,
		Sink:     sink,
	})
	w.ApplyConfig(cfg)
	rt.Warden = w

	go applyConfigUpdates(ctx, mgr.ConfigUpdates(), w)
	go jobruntime.StartAttemptPurgeRoutine(ctx, rt.Redis, w)
	go pipeline.RunLoop(ctx, cfg.FeedSyncInterval(), mgr.FeedIntervalUpdates())
	if !cfg.Feed.Enabled {
		log.Info("Scheduled feed sync disabled until feed.enabled is set")
	}

	log.Info("Warden ready",
		"whitelist", lists.Whitelist().Len(),
		"blocklist", lists.Blocklist().Len(),
		"feed", lists.Feed().Len(),
		"redis", rt.Redis != nil,
	)
	return rt, nil
}

func applyConfigUpdates(ctx context.Context, updates <-chan config.Config, w *warden.Warden) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			w.ApplyConfig(cfg)
			log.Debug("Runtime settings applied")
		}
	}
}

func asnSources(cfg config.ASNConfig) []asn.Source {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	var sources []asn.Source
	if cfg.AnnouncedPrefixesURL != "" {
		sources = append(sources, asn.AnnouncedPrefixes{URLTemplate: cfg.AnnouncedPrefixesURL, Client: client})
	}
	if cfg.LookupURL != "" {
		sources = append(sources, asn.TextLookup{URLTemplate: cfg.LookupURL, Client: client})
	}
	return sources
}

// geoLocator prefers the local country database. Without a usable file and
// without a license key to download one, lookups go to the HTTP endpoint.
func geoLocator(cfg config.GeoConfig) (geo.Locator, *geo.Updater) {
	licenseKey := strings.TrimSpace(support.GetEnv("MAXMIND_LICENSE_KEY", ""))
	httpLocator := geo.HTTPLocator{
		URLTemplate: cfg.LookupURL,
		Client:      &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}

	if cfg.MMDBPath == "" {
		return httpLocator, nil
	}
	mmdb := geo.NewMMDBLocator(cfg.MMDBPath)
	if err := mmdb.Reload(); err != nil {
		if licenseKey == "" {
			log.Warn("Country database unavailable, using HTTP lookups", "path", cfg.MMDBPath, "error", err)
			return httpLocator, nil
		}
		log.Info("Country database missing, it will be downloaded", "path", cfg.MMDBPath)
	}
	if licenseKey == "" {
		return mmdb, nil
	}
	return mmdb, geo.NewUpdater(licenseKey, mmdb)
}
