package decision

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/address"
	"ipwarden/internal/domain"
	"ipwarden/internal/kv"
	"ipwarden/internal/metrics"
	"ipwarden/internal/support"
)

const asnResolveTimeout = 5 * time.Second

// ASNResolver expands an ASN into announced ranges. An empty result means
// unresolved.
type ASNResolver interface {
	Resolve(ctx context.Context, asn uint32) []netip.Prefix
}

// BlockLedger answers the windowed blocked-attempt query.
type BlockLedger interface {
	LastBlockedAt(ctx context.Context, address string, since time.Time) (time.Time, bool, error)
}

// Engine evaluates whitelist, permanent blocks, temporary blocks and the
// attempt ledger in that order. It never mutates state.
type Engine struct {
	lists    *Lists
	resolver ASNResolver
	temp     kv.Store
	ledger   BlockLedger
	clock    support.Clock

	blockDurationMinutes atomic.Int64
}

type Options struct {
	BlockDurationMinutes int
	Clock                support.Clock
}

// NewEngine wires the engine. temp and ledger may be nil, in which case the
// corresponding checks are skipped.
func NewEngine(lists *Lists, resolver ASNResolver, temp kv.Store, ledger BlockLedger, opts Options) *Engine {
	e := &Engine{
		lists:    lists,
		resolver: resolver,
		temp:     temp,
		ledger:   ledger,
		clock:    support.OrSystem(opts.Clock),
	}
	e.SetBlockDuration(opts.BlockDurationMinutes)
	return e
}

// SetBlockDuration changes the temporary block duration; 0 disables the ledger check.
func (e *Engine) SetBlockDuration(minutes int) {
	if minutes < 0 {
		minutes = 0
	}
	e.blockDurationMinutes.Store(int64(minutes))
}

func (e *Engine) BlockDuration() time.Duration {
	return time.Duration(e.blockDurationMinutes.Load()) * time.Minute
}

// Evaluate decides whether addr is blocked. Infrastructure failures skip the
// affected check.
func (e *Engine) Evaluate(ctx context.Context, addr netip.Addr) domain.Verdict {
	verdict := e.evaluate(ctx, addr)
	metrics.IncVerdict(string(verdict.State))
	return verdict
}

func (e *Engine) evaluate(ctx context.Context, addr netip.Addr) domain.Verdict {
	addr = addr.Unmap()
	normalized := addr.String()
	now := e.clock.Now()

	if rule, ok := e.match(ctx, e.lists.Whitelist(), addr); ok {
		return domain.Verdict{Address: normalized, State: domain.StateAllowed, Reason: "whitelisted", Rule: rule, Whitelisted: true}
	}

	if rule, ok := e.match(ctx, e.lists.Blocklist(), addr); ok {
		return domain.Verdict{Address: normalized, State: domain.StateBlockedPermanent, Reason: "permanently blocked", Rule: rule}
	}

	if v, ok := e.temporary(ctx, normalized, now); ok {
		return v
	}

	if v, ok := e.ledgerBlock(ctx, normalized, now); ok {
		return v
	}

	return domain.Verdict{Address: normalized, State: domain.StateAllowed}
}

// IsWhitelisted reports whether addr matches the whitelist.
func (e *Engine) IsWhitelisted(ctx context.Context, addr netip.Addr) bool {
	_, ok := e.match(ctx, e.lists.Whitelist(), addr.Unmap())
	return ok
}

// MatchFeed reports whether addr matches the feed-derived set.
func (e *Engine) MatchFeed(ctx context.Context, addr netip.Addr) (string, bool) {
	return e.match(ctx, e.lists.Feed(), addr.Unmap())
}

func (e *Engine) match(ctx context.Context, set *address.Set, addr netip.Addr) (string, bool) {
	if rule, ok := set.Lookup(addr); ok {
		return rule, true
	}
	asns := set.ASNs()
	if e.resolver == nil || len(asns) == 0 {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, asnResolveTimeout)
	defer cancel()
	for _, entry := range asns {
		for _, prefix := range e.resolver.Resolve(ctx, entry.ASN()) {
			if address.ContainsAddr(addr, prefix) {
				return entry.Normalized, true
			}
		}
	}
	return "", false
}

func (e *Engine) temporary(ctx context.Context, normalized string, now time.Time) (domain.Verdict, bool) {
	if e.temp == nil {
		return domain.Verdict{}, false
	}

	var block domain.TemporaryBlock
	err := kv.GetJSON(ctx, e.temp, domain.TemporaryBlockKey(normalized), &block)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("Temporary block lookup failed, skipping", "address", normalized, "error", err)
		}
		return domain.Verdict{}, false
	}

	remaining := block.ExpiresAt.Sub(now)
	if !block.ExpiresAt.IsZero() && remaining <= 0 {
		return domain.Verdict{}, false
	}
	reason := block.Reason
	if reason == "" {
		reason = "temporarily blocked"
	}
	return domain.Verdict{
		Address:    normalized,
		State:      domain.StateBlockedTemporary,
		Reason:     reason,
		Rule:       block.Target,
		RetryAfter: remaining,
	}, true
}

func (e *Engine) ledgerBlock(ctx context.Context, normalized string, now time.Time) (domain.Verdict, bool) {
	duration := e.BlockDuration()
	if duration <= 0 || e.ledger == nil {
		return domain.Verdict{}, false
	}

	blockedAt, ok, err := e.ledger.LastBlockedAt(ctx, normalized, now.Add(-duration))
	if err != nil {
		log.Warn("Attempt ledger lookup failed, skipping", "address", normalized, "error", err)
		return domain.Verdict{}, false
	}
	if !ok {
		return domain.Verdict{}, false
	}

	elapsedMinutes := int64(now.Sub(blockedAt) / time.Minute)
	remainingMinutes := e.blockDurationMinutes.Load() - elapsedMinutes
	if remainingMinutes < 1 {
		remainingMinutes = 1
	}
	return domain.Verdict{
		Address:    normalized,
		State:      domain.StateBlockedTemporary,
		Reason:     fmt.Sprintf("too many failed attempts, retry in %d minutes", remainingMinutes),
		Rule:       normalized,
		RetryAfter: time.Duration(remainingMinutes) * time.Minute,
	}, true
}
