package geo

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"ipwarden/internal/address"
	"ipwarden/internal/domain"
	"ipwarden/internal/kv"
	"ipwarden/internal/metrics"
	"ipwarden/internal/support"
)

const (
	cacheKeyPrefix  = "warden:geo:"
	DefaultCacheTTL = 7 * 24 * time.Hour
	DefaultTimeout  = 3 * time.Second
	localCacheSize  = 4096
	localCacheTTL   = 10 * time.Minute
)

// CacheEntry is the cached country of one address.
type CacheEntry struct {
	Address     string    `json:"address"`
	CountryCode string    `json:"country_code"`
	FetchedAt   time.Time `json:"fetched_at"`
}

type Options struct {
	CacheTTL time.Duration
	Timeout  time.Duration
	Clock    support.Clock
}

// Policy blocks addresses whose resolved country is in the blocked set.
// Unknown countries are never blocked.
type Policy struct {
	store   kv.Store
	locator Locator
	local   *lru.LRU[string, CacheEntry]
	blocked atomic.Pointer[map[string]struct{}]
	ttl     time.Duration
	timeout time.Duration
	clock   support.Clock
}

func NewPolicy(store kv.Store, locator Locator, blockedCountries []string, opts Options) *Policy {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Timeout <= 0 || opts.Timeout > DefaultTimeout {
		opts.Timeout = DefaultTimeout
	}
	p := &Policy{
		store:   store,
		locator: locator,
		local:   lru.NewLRU[string, CacheEntry](localCacheSize, nil, localCacheTTL),
		ttl:     opts.CacheTTL,
		timeout: opts.Timeout,
		clock:   support.OrSystem(opts.Clock),
	}
	p.SetBlockedCountries(blockedCountries)
	return p
}

// SetBlockedCountries swaps the blocked-country set. Codes are matched exactly.
func (p *Policy) SetBlockedCountries(codes []string) {
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	p.blocked.Store(&set)
}

func (p *Policy) BlockedCountries() int {
	return len(*p.blocked.Load())
}

// IsBlocked resolves the country of raw and reports whether it is blocked.
// The country is "" when unknown.
func (p *Policy) IsBlocked(ctx context.Context, raw string) (string, bool) {
	blocked := *p.blocked.Load()
	if len(blocked) == 0 {
		return "", false
	}
	country, ok := p.CountryOf(ctx, raw)
	if !ok {
		return "", false
	}
	_, hit := blocked[country]
	return country, hit
}

// CountryOf returns the cached or freshly resolved country of raw.
func (p *Policy) CountryOf(ctx context.Context, raw string) (string, bool) {
	addr, ok := address.ParseAddr(raw)
	if !ok {
		return "", false
	}
	normalized := addr.String()
	key := cacheKeyPrefix + support.HashKey(normalized)
	now := p.clock.Now()

	if entry, ok := p.local.Get(key); ok && p.fresh(entry, now) {
		metrics.IncCacheLookup("geo", true)
		return entry.CountryCode, true
	}

	var entry CacheEntry
	err := kv.GetJSON(ctx, p.store, key, &entry)
	switch {
	case err == nil && p.fresh(entry, now):
		p.local.Add(key, entry)
		metrics.IncCacheLookup("geo", true)
		return entry.CountryCode, true
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		log.Warn("Geo cache read failed", "address", normalized, "error", err)
	}
	metrics.IncCacheLookup("geo", false)

	if p.locator == nil {
		return "", false
	}
	lookupCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	country, err := p.locator.Country(lookupCtx, addr)
	if err != nil {
		if !errors.Is(err, ErrUnknownCountry) {
			metrics.IncUpstreamError("geo")
			log.Warn("Geo lookup failed", "address", normalized, "error", err)
		}
		return "", false
	}

	entry = CacheEntry{Address: normalized, CountryCode: country, FetchedAt: now.UTC()}
	p.local.Add(key, entry)
	if err := kv.SetJSON(ctx, p.store, key, entry, p.ttl); err != nil {
		log.Warn("Geo cache write failed", "address", normalized, "error", err)
	}
	return country, true
}

func (p *Policy) fresh(entry CacheEntry, now time.Time) bool {
	return entry.CountryCode != "" && now.Sub(entry.FetchedAt) < p.ttl
}
