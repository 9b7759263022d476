package bruteforce

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/address"
	"ipwarden/internal/decision"
	"ipwarden/internal/domain"
	"ipwarden/internal/kv"
	"ipwarden/internal/metrics"
	"ipwarden/internal/notify"
	"ipwarden/internal/support"
)

const ledgerWriteTimeout = 2 * time.Second

// AttemptLedger is the write side of the failed-attempt ledger.
type AttemptLedger interface {
	Record(ctx context.Context, rec *domain.AttemptRecord) error
	CountSince(ctx context.Context, address string, since time.Time) (int64, error)
	MarkBlocked(ctx context.Context, address string, since time.Time) (int64, error)
}

type RuleWriter interface {
	UpsertBlock(ctx context.Context, rule domain.BlockRule) error
}

type ReputationChecker interface {
	Score(ctx context.Context, addr string) (int, error)
}

// Settings are the counting parameters. The block duration is owned by the
// decision engine so both sides agree on it.
type Settings struct {
	Enabled             bool
	MaxAttempts         int
	WindowMinutes       int
	ReputationEnabled   bool
	ReputationThreshold int
}

// Outcome is the result of a recorded failure.
type Outcome struct {
	Verdict     domain.Verdict
	Attempts    int64
	Whitelisted bool
	// BlockedNow is set when this attempt moved the address into Blocked.
	BlockedNow bool
	Source     domain.Source
}

// Guard implements the "N failures in W minutes means block" transition.
type Guard struct {
	engine *decision.Engine
	lists  *decision.Lists
	ledger AttemptLedger
	rules  RuleWriter
	temp   kv.Store
	sink   notify.Sink
	clock  support.Clock

	settings   atomic.Pointer[Settings]
	reputation atomic.Pointer[reputationRef]
}

type reputationRef struct{ checker ReputationChecker }

type Deps struct {
	Engine     *decision.Engine
	Lists      *decision.Lists
	Ledger     AttemptLedger
	Rules      RuleWriter
	Temp       kv.Store
	Reputation ReputationChecker
	Sink       notify.Sink
	Clock      support.Clock
}

func NewGuard(deps Deps, settings Settings) *Guard {
	sink := deps.Sink
	if sink == nil {
		sink = notify.Nop{}
	}
	g := &Guard{
		engine: deps.Engine,
		lists:  deps.Lists,
		ledger: deps.Ledger,
		rules:  deps.Rules,
		temp:   deps.Temp,
		sink:   sink,
		clock:  support.OrSystem(deps.Clock),
	}
	g.SetSettings(settings)
	g.SetReputation(deps.Reputation)
	return g
}

// SetReputation swaps the reputation checker; nil turns lookups off.
func (g *Guard) SetReputation(checker ReputationChecker) {
	g.reputation.Store(&reputationRef{checker: checker})
}

func (g *Guard) SetSettings(s Settings) {
	g.settings.Store(&s)
}

func (g *Guard) Settings() Settings {
	return *g.settings.Load()
}

// RecordFailedAttempt registers a failed authentication from addr and returns
// the verdict that applies right after. A persistence failure is returned
// alongside the current verdict; it is never retried here.
func (g *Guard) RecordFailedAttempt(ctx context.Context, addr netip.Addr, identity string) (Outcome, error) {
	addr = addr.Unmap()
	normalized := addr.String()
	settings := g.Settings()

	if g.engine.IsWhitelisted(ctx, addr) {
		return Outcome{
			Verdict:     domain.Verdict{Address: normalized, State: domain.StateAllowed, Reason: "whitelisted", Whitelisted: true},
			Whitelisted: true,
		}, nil
	}
	if !settings.Enabled {
		return Outcome{Verdict: g.engine.Evaluate(ctx, addr)}, nil
	}

	now := g.clock.Now()
	writeCtx, cancel := context.WithTimeout(ctx, ledgerWriteTimeout)
	err := g.ledger.Record(writeCtx, &domain.AttemptRecord{Address: normalized, Identity: identity, Time: now})
	cancel()
	if err != nil {
		log.Error("Failed to record attempt", "address", normalized, "error", err)
		return Outcome{Verdict: g.engine.Evaluate(ctx, addr)}, fmt.Errorf("record failed attempt: %w", err)
	}
	metrics.IncAttempt()

	window := time.Duration(settings.WindowMinutes) * time.Minute
	since := now.Add(-window)
	count, err := g.ledger.CountSince(ctx, normalized, since)
	if err != nil {
		log.Error("Failed to count attempts", "address", normalized, "error", err)
		return Outcome{Verdict: g.engine.Evaluate(ctx, addr)}, fmt.Errorf("count attempts: %w", err)
	}

	out := Outcome{Attempts: count}
	log.Debug("Failed attempt recorded", "address", normalized, "identity", identity, "attempts", count, "window_minutes", settings.WindowMinutes)

	if current := g.engine.Evaluate(ctx, addr); current.Blocked() {
		out.Verdict = current
		return out, nil
	}

	switch {
	case g.reputationHit(ctx, settings, normalized, count):
		out.Source = domain.SourceReputation
		g.block(ctx, normalized, since, domain.SourceReputation,
			"abuse reputation above threshold")
	case settings.MaxAttempts > 0 && count >= int64(settings.MaxAttempts):
		out.Source = domain.SourceBruteForce
		g.block(ctx, normalized, since, domain.SourceBruteForce,
			fmt.Sprintf("%d failed attempts within %d minutes", count, settings.WindowMinutes))
	}

	out.Verdict = g.engine.Evaluate(ctx, addr)
	out.BlockedNow = out.Source != "" && out.Verdict.Blocked()
	return out, nil
}

func (g *Guard) reputationHit(ctx context.Context, settings Settings, normalized string, count int64) bool {
	checker := g.reputation.Load().checker
	if !settings.ReputationEnabled || checker == nil || count < 2 {
		return false
	}
	score, err := checker.Score(ctx, normalized)
	if err != nil {
		metrics.IncUpstreamError("reputation")
		log.Warn("Reputation lookup failed", "address", normalized, "error", err)
		return false
	}
	if score < settings.ReputationThreshold {
		return false
	}
	log.Warn("Address blocked by reputation score", "address", normalized, "score", score, "threshold", settings.ReputationThreshold)
	return true
}

func (g *Guard) block(ctx context.Context, normalized string, since time.Time, source domain.Source, reason string) {
	now := g.clock.Now()
	duration := g.engine.BlockDuration()

	if _, err := g.ledger.MarkBlocked(ctx, normalized, since); err != nil {
		log.Error("Failed to mark attempts blocked", "address", normalized, "error", err)
	}

	if duration > 0 {
		if g.temp != nil {
			block := domain.TemporaryBlock{
				Target:    normalized,
				Reason:    reason,
				Source:    source,
				CreatedAt: now,
				ExpiresAt: now.Add(duration),
			}
			if err := kv.SetJSON(ctx, g.temp, domain.TemporaryBlockKey(normalized), block, duration); err != nil {
				log.Warn("Temporary block not cached, ledger remains authoritative", "address", normalized, "error", err)
			}
		}
		log.Warn("Address temporarily blocked", "address", normalized, "source", source, "reason", reason, "minutes", int(duration/time.Minute))
	} else {
		entry := address.Classify(normalized)
		rule := domain.BlockRule{
			Target: entry.Normalized,
			Kind:   entry.Kind.String(),
			Scope:  domain.ScopePermanent,
			Reason: reason,
			Source: source,
		}
		if err := g.rules.UpsertBlock(ctx, rule); err != nil {
			log.Error("Failed to persist permanent block", "address", normalized, "error", err)
		}
		g.lists.AddBlocked(entry)
		log.Warn("Address permanently blocked", "address", normalized, "source", source, "reason", reason)
	}

	metrics.IncBlock(string(source))
	g.sink.Notify(notify.Event{
		Action: notify.ActionBlock,
		Target: normalized,
		Reason: reason,
		Source: source,
		At:     now,
	})
}
