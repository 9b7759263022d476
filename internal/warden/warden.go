package warden

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/address"
	"ipwarden/internal/asn"
	"ipwarden/internal/bruteforce"
	"ipwarden/internal/config"
	"ipwarden/internal/database"
	"ipwarden/internal/decision"
	"ipwarden/internal/domain"
	"ipwarden/internal/feedsync"
	"ipwarden/internal/geo"
	"ipwarden/internal/kv"
	"ipwarden/internal/metrics"
	"ipwarden/internal/notify"
	"ipwarden/internal/support"
)

// Warden is the operational surface used by the HTTP layer and the jobs.
type Warden struct {
	rules    *database.Rules
	ledger   *database.Ledger
	temp     kv.Store
	lists    *decision.Lists
	engine   *decision.Engine
	guard    *bruteforce.Guard
	geo      *geo.Policy
	resolver *asn.Resolver
	pipeline *feedsync.Pipeline
	sink     notify.Sink
	clock    support.Clock

	retentionDays atomic.Int64
	geoEnabled    atomic.Bool
}

type Deps struct {
	Rules    *database.Rules
	Ledger   *database.Ledger
	Temp     kv.Store
	Lists    *decision.Lists
	Engine   *decision.Engine
	Guard    *bruteforce.Guard
	Geo      *geo.Policy
	Resolver *asn.Resolver
	Pipeline *feedsync.Pipeline
	Sink     notify.Sink
	Clock    support.Clock
}

func New(deps Deps) *Warden {
	sink := deps.Sink
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Warden{
		rules:    deps.Rules,
		ledger:   deps.Ledger,
		temp:     deps.Temp,
		lists:    deps.Lists,
		engine:   deps.Engine,
		guard:    deps.Guard,
		geo:      deps.Geo,
		resolver: deps.Resolver,
		pipeline: deps.Pipeline,
		sink:     sink,
		clock:    support.OrSystem(deps.Clock),
	}
}

// ApplyConfig pushes the tunable parts of cfg into the running components.
func (w *Warden) ApplyConfig(cfg config.Config) {
	w.engine.SetBlockDuration(cfg.BruteForce.BlockDurationMinutes)
	if w.guard != nil {
		w.guard.SetSettings(GuardSettings(cfg))
		w.guard.SetReputation(ReputationChecker(cfg.Reputation))
	}
	if w.geo != nil {
		w.geo.SetBlockedCountries(cfg.Geo.BlockedCountries)
	}
	w.geoEnabled.Store(cfg.Geo.Enabled && w.geo != nil)
	w.retentionDays.Store(int64(cfg.BruteForce.AttemptRetentionDays))
}

// GuardSettings extracts the brute-force counting parameters from cfg.
func GuardSettings(cfg config.Config) bruteforce.Settings {
	return bruteforce.Settings{
		Enabled:             cfg.BruteForce.Enabled,
		MaxAttempts:         cfg.BruteForce.MaxAttempts,
		WindowMinutes:       cfg.BruteForce.WindowMinutes,
		ReputationEnabled:   cfg.Reputation.Enabled,
		ReputationThreshold: cfg.Reputation.Threshold,
	}
}

// ReputationChecker builds the abuse score client, or returns nil when no API
// key is configured.
func ReputationChecker(cfg config.ReputationConfig) bruteforce.ReputationChecker {
	if cfg.APIKey == "" {
		return nil
	}
	return &bruteforce.ReputationClient{
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		MaxAgeDays: cfg.MaxAgeDays,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func parseAddress(raw string) (netip.Addr, error) {
	addr, ok := address.ParseAddr(strings.TrimSpace(raw))
	if !ok {
		return netip.Addr{}, &domain.ValidationError{Input: raw, Reason: "not an IP address"}
	}
	return addr, nil
}

// Evaluate runs the rule precedence chain only: whitelist, permanent blocks,
// temporary blocks and the attempt ledger.
func (w *Warden) Evaluate(ctx context.Context, raw string) (domain.Verdict, error) {
	addr, err := parseAddress(raw)
	if err != nil {
		return domain.Verdict{}, err
	}
	return w.engine.Evaluate(ctx, addr), nil
}

// Check is the request-path decision: rules first, then the feed-derived
// set, then country blocking. Whitelisted addresses skip both extra steps.
func (w *Warden) Check(ctx context.Context, raw string) (domain.Verdict, error) {
	addr, err := parseAddress(raw)
	if err != nil {
		return domain.Verdict{}, err
	}
	verdict := w.engine.Evaluate(ctx, addr)
	if verdict.Blocked() || verdict.Whitelisted {
		return verdict, nil
	}

	if rule, ok := w.engine.MatchFeed(ctx, addr); ok {
		metrics.IncVerdict(string(domain.StateBlockedFeed))
		return domain.Verdict{
			Address: verdict.Address,
			State:   domain.StateBlockedFeed,
			Reason:  "listed by blacklist feed",
			Rule:    rule,
		}, nil
	}

	if w.geoEnabled.Load() {
		if country, blocked := w.geo.IsBlocked(ctx, verdict.Address); blocked {
			log.Info("Request blocked by country", "address", verdict.Address, "country", country)
			metrics.IncVerdict(string(domain.StateBlockedGeo))
			return domain.Verdict{
				Address: verdict.Address,
				State:   domain.StateBlockedGeo,
				Reason:  "country " + country + " is blocked",
				Rule:    country,
			}, nil
		}
	}
	return verdict, nil
}

// RecordFailedAttempt feeds one failed authentication into the brute-force guard.
func (w *Warden) RecordFailedAttempt(ctx context.Context, raw, identity string) (bruteforce.Outcome, error) {
	addr, err := parseAddress(raw)
	if err != nil {
		return bruteforce.Outcome{}, err
	}
	return w.guard.RecordFailedAttempt(ctx, addr, identity)
}

// BlockRequest describes a manual block. A positive Duration makes a
// temporary block, which only applies to single addresses.
type BlockRequest struct {
	Target   string
	Reason   string
	Source   domain.Source
	Duration time.Duration
}

// BlockResult reports what a manual block stored.
type BlockResult struct {
	Target    string       `json:"target"`
	Kind      string       `json:"kind"`
	Scope     domain.Scope `json:"scope"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// BlockManually adds an IP, CIDR or ASN block rule.
func (w *Warden) BlockManually(ctx context.Context, req BlockRequest) (BlockResult, error) {
	entry := address.Classify(req.Target)
	if err := entry.Err(); err != nil {
		return BlockResult{}, err
	}
	source := req.Source
	if source == "" {
		source = domain.SourceManual
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "blocked manually"
	}
	now := w.clock.Now()
	result := BlockResult{Target: entry.Normalized, Kind: entry.Kind.String()}

	if req.Duration > 0 {
		if entry.Kind != address.IPv4 && entry.Kind != address.IPv6 {
			return BlockResult{}, &domain.ValidationError{Input: req.Target, Reason: "temporary blocks apply to single addresses"}
		}
		if w.lists.Blocklist().Has(entry.Normalized) {
			result.Scope = domain.ScopePermanent
			return result, nil
		}
		if w.temp == nil {
			return BlockResult{}, domain.StorageError("temporary block "+entry.Normalized, errors.New("no key/value store configured"))
		}
		expires := now.Add(req.Duration)
		block := domain.TemporaryBlock{
			Target:    entry.Normalized,
			Reason:    reason,
			Source:    source,
			CreatedAt: now,
			ExpiresAt: expires,
		}
		if err := kv.SetJSON(ctx, w.temp, domain.TemporaryBlockKey(entry.Normalized), block, req.Duration); err != nil {
			return BlockResult{}, err
		}
		result.Scope = domain.ScopeTemporary
		result.ExpiresAt = &expires
		log.Warn("Address temporarily blocked", "address", entry.Normalized, "source", source, "reason", reason, "until", expires)
	} else {
		rule := domain.BlockRule{
			Target: entry.Normalized,
			Kind:   entry.Kind.String(),
			Scope:  domain.ScopePermanent,
			Reason: reason,
			Source: source,
		}
		if err := w.rules.UpsertBlock(ctx, rule); err != nil {
			return BlockResult{}, err
		}
		w.lists.AddBlocked(entry)
		// A permanent rule supersedes any temporary block for the same target.
		if w.temp != nil {
			if err := w.temp.Delete(ctx, domain.TemporaryBlockKey(entry.Normalized)); err != nil {
				log.Warn("Failed to drop superseded temporary block", "target", entry.Normalized, "error", err)
			}
		}
		result.Scope = domain.ScopePermanent
		log.Warn("Target permanently blocked", "target", entry.Normalized, "kind", result.Kind, "source", source, "reason", reason)
	}

	metrics.IncBlock(string(source))
	w.sink.Notify(notify.Event{Action: notify.ActionBlock, Target: entry.Normalized, Reason: reason, Source: source, At: now})
	return result, nil
}

// Unblock removes every rule for target: the permanent rule, a temporary
// block and the blocked flag of its ledger records. It reports whether
// anything was removed.
func (w *Warden) Unblock(ctx context.Context, target, reason string) (bool, error) {
	entry := address.Classify(target)
	if err := entry.Err(); err != nil {
		return false, err
	}
	removed, err := w.rules.DeleteBlock(ctx, entry.Normalized)
	if err != nil {
		return false, err
	}
	w.lists.RemoveBlocked(entry.Normalized)

	if entry.Kind == address.IPv4 || entry.Kind == address.IPv6 {
		if w.temp != nil {
			key := domain.TemporaryBlockKey(entry.Normalized)
			if _, err := w.temp.Get(ctx, key); err == nil {
				removed = true
			}
			if err := w.temp.Delete(ctx, key); err != nil {
				log.Warn("Failed to delete temporary block", "address", entry.Normalized, "error", err)
			}
		}
		cleared, err := w.ledger.ClearBlocked(ctx, entry.Normalized)
		if err != nil {
			return removed, err
		}
		if cleared > 0 {
			removed = true
		}
	}

	if removed {
		log.Info("Target unblocked", "target", entry.Normalized, "reason", reason)
		w.sink.Notify(notify.Event{Action: notify.ActionUnblock, Target: entry.Normalized, Reason: reason, Source: domain.SourceManual, At: w.clock.Now()})
	}
	return removed, nil
}

// AllowManually adds target to the whitelist.
func (w *Warden) AllowManually(ctx context.Context, target, reason string) (domain.WhitelistEntry, error) {
	entry := address.Classify(target)
	if err := entry.Err(); err != nil {
		return domain.WhitelistEntry{}, err
	}
	row := domain.WhitelistEntry{Target: entry.Normalized, Kind: entry.Kind.String(), Reason: strings.TrimSpace(reason)}
	if err := w.rules.AddWhitelist(ctx, row); err != nil {
		return domain.WhitelistEntry{}, err
	}
	w.lists.AddWhitelisted(entry)
	log.Info("Target whitelisted", "target", entry.Normalized, "reason", row.Reason)
	return row, nil
}

func (w *Warden) RemoveAllowed(ctx context.Context, target string) (bool, error) {
	entry := address.Classify(target)
	if err := entry.Err(); err != nil {
		return false, err
	}
	removed, err := w.rules.RemoveWhitelist(ctx, entry.Normalized)
	if err != nil {
		return false, err
	}
	w.lists.RemoveWhitelisted(entry.Normalized)
	return removed, nil
}

func (w *Warden) ListWhitelist(ctx context.Context) ([]domain.WhitelistEntry, error) {
	return w.rules.ListWhitelist(ctx)
}

// ActiveBlock is one row of the combined block listing.
type ActiveBlock struct {
	Target    string        `json:"target"`
	Kind      string        `json:"kind"`
	Scope     domain.Scope  `json:"scope"`
	Reason    string        `json:"reason"`
	Source    domain.Source `json:"source"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

type BlockPage struct {
	Items []ActiveBlock `json:"items"`
	Total int           `json:"total"`
}

// ListActiveBlocks merges permanent rules with the temporary blocks still in
// force and pages the result. Temporary blocks come first, newest first.
func (w *Warden) ListActiveBlocks(ctx context.Context, filter database.BlockFilter) (BlockPage, error) {
	rules, _, err := w.rules.ListBlocks(ctx, database.BlockFilter{Query: filter.Query, Source: filter.Source})
	if err != nil {
		return BlockPage{}, err
	}
	temporary, err := w.temporaryBlocks(ctx)
	if err != nil {
		return BlockPage{}, err
	}

	items := make([]ActiveBlock, 0, len(temporary)+len(rules))
	for _, b := range temporary {
		if matchesFilter(b, filter) {
			items = append(items, b)
		}
	}
	for _, r := range rules {
		items = append(items, ActiveBlock{
			Target:    r.Target,
			Kind:      r.Kind,
			Scope:     r.Scope,
			Reason:    r.Reason,
			Source:    r.Source,
			CreatedAt: r.CreatedAt,
		})
	}

	page := BlockPage{Total: len(items)}
	if filter.PageSize <= 0 {
		page.Items = items
		return page, nil
	}
	start := (max(filter.Page, 1) - 1) * filter.PageSize
	if start >= len(items) {
		page.Items = []ActiveBlock{}
		return page, nil
	}
	page.Items = items[start:min(start+filter.PageSize, len(items))]
	return page, nil
}

func matchesFilter(b ActiveBlock, filter database.BlockFilter) bool {
	if filter.Source != "" && b.Source != filter.Source {
		return false
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToLower(b.Target), query) || strings.Contains(strings.ToLower(b.Reason), query)
}

// temporaryBlocks collects live temporary blocks from the key/value store and
// the attempt ledger, one row per address.
func (w *Warden) temporaryBlocks(ctx context.Context) ([]ActiveBlock, error) {
	now := w.clock.Now()
	byAddress := make(map[string]ActiveBlock)

	if w.temp != nil {
		keys, err := w.temp.Keys(ctx, domain.TemporaryBlockKey(""))
		if err != nil {
			log.Warn("Listing temporary blocks failed, using ledger only", "error", err)
		}
		for _, key := range keys {
			var block domain.TemporaryBlock
			if err := kv.GetJSON(ctx, w.temp, key, &block); err != nil {
				continue
			}
			if !block.ExpiresAt.IsZero() && !now.Before(block.ExpiresAt) {
				continue
			}
			expires := block.ExpiresAt
			byAddress[block.Target] = ActiveBlock{
				Target:    block.Target,
				Kind:      address.Classify(block.Target).Kind.String(),
				Scope:     domain.ScopeTemporary,
				Reason:    block.Reason,
				Source:    block.Source,
				CreatedAt: block.CreatedAt,
				ExpiresAt: &expires,
			}
		}
	}

	if duration := w.engine.BlockDuration(); duration > 0 {
		blocked, err := w.ledger.BlockedSince(ctx, now.Add(-duration))
		if err != nil {
			return nil, err
		}
		for _, b := range blocked {
			if _, ok := byAddress[b.Address]; ok {
				continue
			}
			expires := b.BlockedAt.Add(duration)
			byAddress[b.Address] = ActiveBlock{
				Target:    b.Address,
				Kind:      address.Classify(b.Address).Kind.String(),
				Scope:     domain.ScopeTemporary,
				Reason:    "too many failed attempts",
				Source:    domain.SourceBruteForce,
				CreatedAt: b.BlockedAt,
				ExpiresAt: &expires,
			}
		}
	}

	out := make([]ActiveBlock, 0, len(byAddress))
	for _, b := range byAddress {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}

// ImportResult counts the outcome of a bulk import.
type ImportResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Invalid []string `json:"invalid"`
}

// ImportBlocks adds one permanent rule per valid line. Blank lines and
// comments are ignored; invalid lines are reported back.
func (w *Warden) ImportBlocks(ctx context.Context, lines []string, reason string) (ImportResult, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "bulk import"
	}
	result := ImportResult{Invalid: []string{}}
	seen := make(map[string]struct{}, len(lines))
	var (
		rules   []domain.BlockRule
		entries []address.Entry
	)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry := address.Classify(line)
		if !entry.Valid() {
			result.Invalid = append(result.Invalid, line)
			continue
		}
		if _, dup := seen[entry.Normalized]; dup {
			continue
		}
		seen[entry.Normalized] = struct{}{}
		entries = append(entries, entry)
		rules = append(rules, domain.BlockRule{
			Target: entry.Normalized,
			Kind:   entry.Kind.String(),
			Scope:  domain.ScopePermanent,
			Reason: reason,
			Source: domain.SourceManual,
		})
	}

	added, err := w.rules.ImportBlocks(ctx, rules)
	if err != nil {
		return result, err
	}
	w.lists.AddBlocked(entries...)
	result.Added = added
	result.Skipped = len(rules) - added
	log.Info("Block rules imported", "added", added, "skipped", result.Skipped, "invalid", len(result.Invalid))
	return result, nil
}

// ClearAsnCache drops every cached ASN expansion.
func (w *Warden) ClearAsnCache(ctx context.Context) (int, error) {
	if w.resolver == nil {
		return 0, nil
	}
	return w.resolver.ClearCache(ctx)
}

// PurgeAttempts deletes attempt records older than the configured retention.
func (w *Warden) PurgeAttempts(ctx context.Context) (int64, error) {
	days := int(w.retentionDays.Load())
	if days <= 0 {
		return 0, nil
	}
	before := w.clock.Now().AddDate(0, 0, -days)
	removed, err := w.ledger.Purge(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	if removed > 0 {
		log.Info("Purged old attempt records", "removed", removed, "before", before)
	}
	return removed, nil
}

// SyncFeedNow runs the blacklist pipeline immediately.
func (w *Warden) SyncFeedNow(ctx context.Context) *feedsync.Report {
	return w.pipeline.Sync(ctx, "manual")
}

// SyncStatus is the persisted feed state plus the last in-process report.
type SyncStatus struct {
	State      domain.FeedSyncState `json:"state"`
	LastReport *feedsync.Report     `json:"last_report,omitempty"`
}

func (w *Warden) SyncStatus(ctx context.Context) (SyncStatus, error) {
	state, err := w.pipeline.Status(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{State: state, LastReport: w.pipeline.LastReport()}, nil
}
