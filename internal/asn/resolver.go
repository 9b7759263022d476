package asn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/domain"
	"ipwarden/internal/kv"
	"ipwarden/internal/metrics"
	"ipwarden/internal/support"
)

const (
	cacheKeyPrefix  = "warden:asn:"
	DefaultCacheTTL = 24 * time.Hour
	DefaultTimeout  = 5 * time.Second
)

// CacheEntry is the cached range set of one ASN.
type CacheEntry struct {
	ASN       string    `json:"asn"`
	Ranges    []string  `json:"ranges"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Options struct {
	CacheTTL time.Duration
	Timeout  time.Duration
	Clock    support.Clock
}

// Resolver maps autonomous systems to announced CIDR ranges. Sources are tried
// in order and the first one yielding at least one range wins.
type Resolver struct {
	store   kv.Store
	sources []Source
	ttl     time.Duration
	timeout time.Duration
	clock   support.Clock
	group   singleflight.Group
}

func NewResolver(store kv.Store, sources []Source, opts Options) *Resolver {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Resolver{
		store:   store,
		sources: sources,
		ttl:     opts.CacheTTL,
		timeout: opts.Timeout,
		clock:   support.OrSystem(opts.Clock),
	}
}

func cacheKey(asn uint32) string {
	return cacheKeyPrefix + "AS" + strconv.FormatUint(uint64(asn), 10)
}

// Resolve returns the ranges announced by asn. The result is never nil; an
// empty slice means no source could resolve the ASN, and is not cached.
func (r *Resolver) Resolve(ctx context.Context, asn uint32) []netip.Prefix {
	if cached, ok := r.cached(ctx, asn); ok {
		metrics.IncCacheLookup("asn", true)
		return cached
	}
	metrics.IncCacheLookup("asn", false)

	result, _, _ := r.group.Do(cacheKey(asn), func() (interface{}, error) {
		if cached, ok := r.cached(ctx, asn); ok {
			return cached, nil
		}
		return r.fetch(ctx, asn), nil
	})
	ranges, _ := result.([]netip.Prefix)
	if ranges == nil {
		return []netip.Prefix{}
	}
	return ranges
}

func (r *Resolver) cached(ctx context.Context, asn uint32) ([]netip.Prefix, bool) {
	var entry CacheEntry
	err := kv.GetJSON(ctx, r.store, cacheKey(asn), &entry)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("ASN cache read failed", "asn", asn, "error", err)
		}
		return nil, false
	}
	if r.clock.Now().Sub(entry.FetchedAt) >= r.ttl {
		return nil, false
	}
	return parsePrefixes(entry.Ranges), true
}

func (r *Resolver) fetch(ctx context.Context, asn uint32) []netip.Prefix {
	for _, src := range r.sources {
		srcCtx, cancel := context.WithTimeout(ctx, r.timeout)
		ranges, err := src.Ranges(srcCtx, asn)
		cancel()
		if err != nil {
			metrics.IncUpstreamError("asn")
			log.Warn("ASN source failed", "asn", asn, "source", src.Name(), "error", err)
			continue
		}
		ranges = dedupe(ranges)
		if len(ranges) == 0 {
			log.Debug("ASN source returned no ranges", "asn", asn, "source", src.Name())
			continue
		}
		r.save(ctx, asn, ranges)
		log.Info("ASN resolved", "asn", asn, "source", src.Name(), "ranges", len(ranges))
		return ranges
	}

	log.Warn("ASN could not be resolved, rule not enforceable yet", "asn", fmt.Sprintf("AS%d", asn))
	return []netip.Prefix{}
}

func (r *Resolver) save(ctx context.Context, asn uint32, ranges []netip.Prefix) {
	entry := CacheEntry{
		ASN:       "AS" + strconv.FormatUint(uint64(asn), 10),
		Ranges:    make([]string, 0, len(ranges)),
		FetchedAt: r.clock.Now().UTC(),
	}
	for _, p := range ranges {
		entry.Ranges = append(entry.Ranges, p.String())
	}
	if err := kv.SetJSON(ctx, r.store, cacheKey(asn), entry, r.ttl); err != nil {
		log.Warn("ASN cache write failed", "asn", asn, "error", err)
	}
}

// ClearCache drops every cached ASN entry.
func (r *Resolver) ClearCache(ctx context.Context) (int, error) {
	removed, err := r.store.DeletePrefix(ctx, cacheKeyPrefix)
	if err != nil {
		return removed, fmt.Errorf("clear asn cache: %w", err)
	}
	log.Info("ASN cache cleared", "entries", removed)
	return removed, nil
}

func dedupe(in []netip.Prefix) []netip.Prefix {
	seen := make(map[netip.Prefix]struct{}, len(in))
	out := make([]netip.Prefix, 0, len(in))
	for _, p := range in {
		if !p.IsValid() {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Addr().Compare(out[j].Addr()); c != 0 {
			return c < 0
		}
		return out[i].Bits() < out[j].Bits()
	})
	return out
}

func parsePrefixes(raw []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
		}
	}
	return out
}
