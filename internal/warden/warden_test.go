package warden

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"

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
	"ipwarden/internal/notify"
	"ipwarden/internal/support"
)

var start = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type staticConfig struct{ cfg config.Config }

func (s staticConfig) GetConfig() config.Config { return s.cfg }

type staticSource struct {
	calls int
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Ranges(_ context.Context, n uint32) ([]netip.Prefix, error) {
	s.calls++
	if n != 64500 {
		return nil, nil
	}
	return []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}, nil
}

type mapLocator map[string]string

func (m mapLocator) Country(_ context.Context, addr netip.Addr) (string, error) {
	if c, ok := m[addr.String()]; ok {
		return c, nil
	}
	return "", geo.ErrUnknownCountry
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(ev notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) actions() []notify.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Action, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Action)
	}
	return out
}

type fixture struct {
	warden *Warden
	lists  *decision.Lists
	ledger *database.Ledger
	temp   *kv.Memory
	clock  *support.ManualClock
	sink   *recordingSink
	source *staticSource
	cfg    config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.SetupDB(
		database.WithDialector(sqlite.Open(fmt.Sprintf("file:warden_%s?mode=memory&cache=shared", name))),
		database.WithLogger(logger.Default.LogMode(logger.Silent)),
	)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Geo.Enabled = true
	cfg.Geo.BlockedCountries = []string{"RU"}
	cfg.Feed.Mirrors = nil
	cfg.Feed.AlternativeSources = nil
	cfg.Feed.ProbeEndpoints = nil
	cfg.Feed.EmergencyFallback = false
	cfg.Feed.Retry = config.RetryConfig{Attempts: 1}
	cfg.Feed.DataDir = dir
	cfg.Feed.SurfacePath = filepath.Join(dir, "deny.conf")

	clock := support.NewManualClock(start)
	temp := kv.NewMemory(clock)
	rules := database.NewRules(db)
	ledger := database.NewLedger(db)
	lists := decision.NewLists()
	source := &staticSource{}
	resolver := asn.NewResolver(temp, []asn.Source{source}, asn.Options{Clock: clock})
	engine := decision.NewEngine(lists, resolver, temp, ledger, decision.Options{Clock: clock})
	sink := &recordingSink{}
	guard := bruteforce.NewGuard(bruteforce.Deps{
		Engine: engine,
		Lists:  lists,
		Ledger: ledger,
		Rules:  rules,
		Temp:   temp,
		Sink:   sink,
		Clock:  clock,
	}, GuardSettings(cfg))
	policy := geo.NewPolicy(temp, mapLocator{"198.51.100.7": "RU", "198.51.100.8": "DE"}, nil, geo.Options{Clock: clock})
	pipeline := feedsync.NewPipeline(staticConfig{cfg: cfg}, rules, lists, feedsync.Options{Clock: clock})

	w := New(Deps{
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
		Clock:    clock,
	})
	w.ApplyConfig(cfg)

	return &fixture{warden: w, lists: lists, ledger: ledger, temp: temp, clock: clock, sink: sink, source: source, cfg: cfg}
}

func (f *fixture) check(t *testing.T, raw string) domain.Verdict {
	t.Helper()
	v, err := f.warden.Check(context.Background(), raw)
	if err != nil {
		t.Fatalf("Check(%s): %v", raw, err)
	}
	return v
}

func TestInvalidAddressIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, raw := range []string{"", "not-an-ip", "10.0.0.0/8", "AS64500", "999.1.1.1"} {
		if _, err := f.warden.Evaluate(ctx, raw); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Evaluate(%q) error = %v, want ErrValidation", raw, err)
		}
		if _, err := f.warden.Check(ctx, raw); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("Check(%q) error = %v, want ErrValidation", raw, err)
		}
	}
	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "10.0.0.0/99x"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("BlockManually error = %v, want ErrValidation", err)
	}
}

func TestCheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lists.ReplaceFeed([]address.Entry{address.Classify("192.0.2.0/24")})

	if v := f.check(t, "192.0.2.10"); v.State != domain.StateBlockedFeed || v.Rule != "192.0.2.0/24" {
		t.Fatalf("feed verdict = %+v", v)
	}
	if v := f.check(t, "198.51.100.7"); v.State != domain.StateBlockedGeo || v.Rule != "RU" {
		t.Fatalf("geo verdict = %+v", v)
	}
	if v := f.check(t, "198.51.100.8"); v.Blocked() {
		t.Fatalf("unblocked country verdict = %+v", v)
	}
	if v := f.check(t, "198.51.100.9"); v.Blocked() {
		t.Fatalf("unknown country verdict = %+v", v)
	}

	disabled := f.cfg
	disabled.Geo.Enabled = false
	f.warden.ApplyConfig(disabled)
	if v := f.check(t, "198.51.100.7"); v.Blocked() {
		t.Fatalf("geo disabled verdict = %+v", v)
	}
	f.warden.ApplyConfig(f.cfg)

	// Evaluate stops at the rule chain.
	if v, _ := f.warden.Evaluate(ctx, "192.0.2.10"); v.Blocked() {
		t.Fatalf("Evaluate consulted the feed set: %+v", v)
	}

	if _, err := f.warden.AllowManually(ctx, "192.0.2.10", "office"); err != nil {
		t.Fatalf("AllowManually: %v", err)
	}
	if _, err := f.warden.AllowManually(ctx, "198.51.100.7", "partner"); err != nil {
		t.Fatalf("AllowManually: %v", err)
	}
	for _, raw := range []string{"192.0.2.10", "198.51.100.7"} {
		if v := f.check(t, raw); v.Blocked() || !v.Whitelisted {
			t.Fatalf("whitelisted %s verdict = %+v", raw, v)
		}
	}

	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "198.51.100.8", Reason: "abuse"}); err != nil {
		t.Fatalf("BlockManually: %v", err)
	}
	if v := f.check(t, "198.51.100.8"); v.State != domain.StateBlockedPermanent {
		t.Fatalf("permanent verdict = %+v", v)
	}
}

func TestManualBlockKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct {
		target string
		kind   string
	}{
		{"192.0.2.1", "ipv4"},
		{"10.1.0.0/16", "cidr"},
		{"64500", "asn"},
		{"2001:DB8::1", "ipv6"},
	} {
		res, err := f.warden.BlockManually(ctx, BlockRequest{Target: tc.target, Reason: "test"})
		if err != nil {
			t.Fatalf("BlockManually(%s): %v", tc.target, err)
		}
		if res.Kind != tc.kind || res.Scope != domain.ScopePermanent {
			t.Fatalf("BlockManually(%s) = %+v", tc.target, res)
		}
	}

	for _, raw := range []string{"192.0.2.1", "10.1.200.4", "203.0.113.77", "2001:db8::1"} {
		if v := f.check(t, raw); v.State != domain.StateBlockedPermanent {
			t.Fatalf("%s verdict = %+v", raw, v)
		}
	}

	removed, err := f.warden.Unblock(ctx, "AS64500", "cleared")
	if err != nil || !removed {
		t.Fatalf("Unblock(AS64500) = %t, %v", removed, err)
	}
	if v := f.check(t, "203.0.113.77"); v.Blocked() {
		t.Fatalf("verdict after unblock = %+v", v)
	}

	removed, err = f.warden.Unblock(ctx, "10.1.0.0/16", "cleared")
	if err != nil || !removed {
		t.Fatalf("Unblock(cidr) = %t, %v", removed, err)
	}
	if removed, _ := f.warden.Unblock(ctx, "10.9.9.9", "nothing"); removed {
		t.Fatal("Unblock of unknown target reported a removal")
	}

	got := f.sink.actions()
	if len(got) != 6 {
		t.Fatalf("notifications = %v, want 4 blocks and 2 unblocks", got)
	}
}

func TestTemporaryManualBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "10.0.0.0/8", Duration: time.Hour}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("temporary CIDR block error = %v, want ErrValidation", err)
	}

	res, err := f.warden.BlockManually(ctx, BlockRequest{Target: "192.0.2.44", Reason: "scan", Duration: 30 * time.Minute})
	if err != nil {
		t.Fatalf("BlockManually: %v", err)
	}
	if res.Scope != domain.ScopeTemporary || res.ExpiresAt == nil || !res.ExpiresAt.Equal(start.Add(30*time.Minute)) {
		t.Fatalf("result = %+v", res)
	}

	v := f.check(t, "192.0.2.44")
	if v.State != domain.StateBlockedTemporary || v.RetryAfterSeconds() != 1800 {
		t.Fatalf("verdict = %+v", v)
	}

	page, err := f.warden.ListActiveBlocks(ctx, database.BlockFilter{})
	if err != nil {
		t.Fatalf("ListActiveBlocks: %v", err)
	}
	if page.Total != 1 || page.Items[0].Scope != domain.ScopeTemporary || page.Items[0].Reason != "scan" {
		t.Fatalf("page = %+v", page)
	}

	// Promoting to permanent replaces the temporary entry.
	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "192.0.2.44", Reason: "repeat"}); err != nil {
		t.Fatalf("BlockManually permanent: %v", err)
	}
	page, _ = f.warden.ListActiveBlocks(ctx, database.BlockFilter{})
	if page.Total != 1 || page.Items[0].Scope != domain.ScopePermanent {
		t.Fatalf("page after promotion = %+v", page)
	}

	f.clock.Advance(31 * time.Minute)
	if v := f.check(t, "192.0.2.44"); v.State != domain.StateBlockedPermanent {
		t.Fatalf("verdict after temporary expiry = %+v", v)
	}
}

func TestUnblockLiftsBruteForceBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var out bruteforce.Outcome
	for i := 0; i < 5; i++ {
		var err error
		out, err = f.warden.RecordFailedAttempt(ctx, "192.0.2.77", "admin")
		if err != nil {
			t.Fatalf("RecordFailedAttempt: %v", err)
		}
		f.clock.Advance(time.Minute)
	}
	if !out.BlockedNow || out.Verdict.State != domain.StateBlockedTemporary {
		t.Fatalf("outcome = %+v", out)
	}

	page, err := f.warden.ListActiveBlocks(ctx, database.BlockFilter{Source: domain.SourceBruteForce})
	if err != nil || page.Total != 1 || page.Items[0].Target != "192.0.2.77" {
		t.Fatalf("brute-force listing = %+v, %v", page, err)
	}

	removed, err := f.warden.Unblock(ctx, "192.0.2.77", "support ticket")
	if err != nil || !removed {
		t.Fatalf("Unblock = %t, %v", removed, err)
	}
	if v := f.check(t, "192.0.2.77"); v.Blocked() {
		t.Fatalf("verdict after unblock = %+v", v)
	}
	if _, ok, _ := f.ledger.LastBlockedAt(ctx, "192.0.2.77", start); ok {
		t.Fatal("ledger still has blocked records")
	}

	got := f.sink.actions()
	if len(got) != 2 || got[0] != notify.ActionBlock || got[1] != notify.ActionUnblock {
		t.Fatalf("notifications = %v", got)
	}
}

func TestListActiveBlocksFilterAndPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		f.clock.Advance(time.Second)
		target := fmt.Sprintf("192.0.2.%d", i)
		if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: target, Reason: "batch"}); err != nil {
			t.Fatalf("BlockManually: %v", err)
		}
	}
	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "10.0.0.0/8", Reason: "internal", Source: domain.SourceRestAPI}); err != nil {
		t.Fatalf("BlockManually: %v", err)
	}

	page, err := f.warden.ListActiveBlocks(ctx, database.BlockFilter{Page: 2, PageSize: 4})
	if err != nil {
		t.Fatalf("ListActiveBlocks: %v", err)
	}
	if page.Total != 6 || len(page.Items) != 2 {
		t.Fatalf("page 2 = %d items of %d", len(page.Items), page.Total)
	}

	page, _ = f.warden.ListActiveBlocks(ctx, database.BlockFilter{Page: 3, PageSize: 4})
	if len(page.Items) != 0 {
		t.Fatalf("page past the end = %+v", page.Items)
	}

	page, _ = f.warden.ListActiveBlocks(ctx, database.BlockFilter{Query: "internal"})
	if page.Total != 1 || page.Items[0].Target != "10.0.0.0/8" {
		t.Fatalf("query filter = %+v", page)
	}
	page, _ = f.warden.ListActiveBlocks(ctx, database.BlockFilter{Source: domain.SourceRestAPI})
	if page.Total != 1 {
		t.Fatalf("source filter = %+v", page)
	}
}

func TestImportBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "192.0.2.1"}); err != nil {
		t.Fatalf("BlockManually: %v", err)
	}

	res, err := f.warden.ImportBlocks(ctx, []string{
		"# exported list",
		"192.0.2.1",
		"192.0.2.2",
		"",
		"10.0.0.0/8",
		"10.0.0.0/8",
		"AS64500",
		"garbage",
	}, "")
	if err != nil {
		t.Fatalf("ImportBlocks: %v", err)
	}
	if res.Added != 3 || res.Skipped != 1 || len(res.Invalid) != 1 || res.Invalid[0] != "garbage" {
		t.Fatalf("result = %+v", res)
	}
	for _, raw := range []string{"192.0.2.2", "10.20.30.40", "203.0.113.5"} {
		if v := f.check(t, raw); v.State != domain.StateBlockedPermanent {
			t.Fatalf("%s verdict = %+v", raw, v)
		}
	}
}

func TestWhitelistManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "192.0.2.0/24"}); err != nil {
		t.Fatalf("BlockManually: %v", err)
	}
	entry, err := f.warden.AllowManually(ctx, " 192.0.2.9 ", "monitoring")
	if err != nil {
		t.Fatalf("AllowManually: %v", err)
	}
	if entry.Target != "192.0.2.9" || entry.Kind != "ipv4" {
		t.Fatalf("entry = %+v", entry)
	}

	list, err := f.warden.ListWhitelist(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListWhitelist = %+v, %v", list, err)
	}
	if v := f.check(t, "192.0.2.9"); v.Blocked() {
		t.Fatalf("whitelisted verdict = %+v", v)
	}

	removed, err := f.warden.RemoveAllowed(ctx, "192.0.2.9")
	if err != nil || !removed {
		t.Fatalf("RemoveAllowed = %t, %v", removed, err)
	}
	if v := f.check(t, "192.0.2.9"); v.State != domain.StateBlockedPermanent {
		t.Fatalf("verdict after removal = %+v", v)
	}
}

func TestPurgeAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := &domain.AttemptRecord{Address: "192.0.2.1", Time: start.AddDate(0, 0, -31)}
	recent := &domain.AttemptRecord{Address: "192.0.2.1", Time: start.AddDate(0, 0, -29)}
	for _, rec := range []*domain.AttemptRecord{old, recent} {
		if err := f.ledger.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	removed, err := f.warden.PurgeAttempts(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("PurgeAttempts = %d, %v; want 1", removed, err)
	}
	count, _ := f.ledger.CountSince(ctx, "192.0.2.1", start.AddDate(-1, 0, 0))
	if count != 1 {
		t.Fatalf("remaining attempts = %d, want 1", count)
	}
}

func TestClearAsnCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.warden.BlockManually(ctx, BlockRequest{Target: "AS64500"}); err != nil {
		t.Fatalf("BlockManually: %v", err)
	}
	f.check(t, "203.0.113.1")
	f.check(t, "203.0.113.2")
	if f.source.calls != 1 {
		t.Fatalf("source calls = %d, want 1 (cached)", f.source.calls)
	}

	n, err := f.warden.ClearAsnCache(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClearAsnCache = %d, %v", n, err)
	}
	f.check(t, "203.0.113.3")
	if f.source.calls != 2 {
		t.Fatalf("source calls = %d, want 2 after clearing", f.source.calls)
	}
}

func TestSyncFeedNowFailureIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report := f.warden.SyncFeedNow(ctx)
	if report.Success || report.Reason != "manual" || len(report.Log) == 0 {
		t.Fatalf("report = %+v", report)
	}
	if !strings.Contains(report.Error, domain.ErrPipelineExhausted.Error()) {
		t.Fatalf("report error = %q", report.Error)
	}

	status, err := f.warden.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if status.State.LastError == "" || status.State.LastSuccessAt != nil {
		t.Fatalf("state = %+v", status.State)
	}
	if status.LastReport == nil || status.LastReport.RunID != report.RunID {
		t.Fatalf("last report = %+v", status.LastReport)
	}
}

func TestReputationCheckerFollowsAPIKey(t *testing.T) {
	cfg := config.Default().Reputation
	cfg.APIKey = ""
	if got := ReputationChecker(cfg); got != nil {
		t.Fatalf("checker without key = %#v", got)
	}

	cfg.APIKey = "k"
	cfg.TimeoutSeconds = 3
	client, ok := ReputationChecker(cfg).(*bruteforce.ReputationClient)
	if !ok || client.APIKey != "k" || client.Timeout != 3*time.Second || client.Endpoint != cfg.Endpoint {
		t.Fatalf("checker = %#v", client)
	}
}
