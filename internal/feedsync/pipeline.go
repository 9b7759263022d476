package feedsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/config"
	"ipwarden/internal/decision"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
	"ipwarden/internal/support"
)

const (
	syncLockKey  = "ipwarden:lock:feed_sync"
	syncLockTTL  = 2 * time.Minute
	stateTimeout = 5 * time.Second

	maxValidMirrors      = 2
	maxValidAlternatives = 2
	maxStoredLogLines    = 50
)

type Origin string

const (
	OriginMirror      Origin = "mirror"
	OriginDirect      Origin = "direct"
	OriginAlternative Origin = "alternative"
	OriginSnapshot    Origin = "snapshot"
	OriginBackup      Origin = "backup"
	OriginEmergency   Origin = "emergency"
	OriginNone        Origin = "none"
)

// Report is the result of one sync run.
type Report struct {
	RunID      string    `json:"run_id"`
	Reason     string    `json:"reason"`
	Success    bool      `json:"success"`
	ItemCount  int       `json:"item_count"`
	Origin     Origin    `json:"origin"`
	Source     string    `json:"source,omitempty"`
	Degraded   bool      `json:"degraded"`
	Dropped    int       `json:"dropped_lines"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Log        []string  `json:"log"`
	Error      string    `json:"error,omitempty"`
}

func (r *Report) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.Log = append(r.Log, line)
	log.Info("Feed sync: "+line, "run_id", r.RunID)
}

// ConfigSource supplies the live configuration.
type ConfigSource interface {
	GetConfig() config.Config
}

type Repository interface {
	ReplaceFeedEntries(ctx context.Context, entries []domain.FeedEntry) error
	LoadFeedState(ctx context.Context) (domain.FeedSyncState, error)
	SaveFeedState(ctx context.Context, state domain.FeedSyncState) error
}

// Pipeline refreshes the feed-derived rule set.
type Pipeline struct {
	config ConfigSource
	repo   Repository
	lists  *decision.Lists
	clock  support.Clock
	redis  *redis.Client

	group singleflight.Group
	mu    sync.Mutex
	last  *Report
}

type Options struct {
	Clock support.Clock
	// Redis, when set, serializes runs across instances.
	Redis *redis.Client
}

func NewPipeline(cfg ConfigSource, repo Repository, lists *decision.Lists, opts Options) *Pipeline {
	return &Pipeline{
		config: cfg,
		repo:   repo,
		lists:  lists,
		clock:  support.OrSystem(opts.Clock),
		redis:  opts.Redis,
	}
}

// Sync runs the pipeline once. Concurrent callers share the in-flight run.
func (p *Pipeline) Sync(ctx context.Context, reason string) *Report {
	result, _, _ := p.group.Do("sync", func() (any, error) {
		var report *Report
		err := support.WithLock(ctx, p.redis, syncLockKey, syncLockTTL, func(lockCtx context.Context) error {
			report = p.run(lockCtx, reason)
			return nil
		})
		if err != nil {
			now := p.clock.Now()
			report = &Report{RunID: uuid.NewString(), Reason: reason, Origin: OriginNone, StartedAt: now, FinishedAt: now}
			if errors.Is(err, support.ErrLockHeld) {
				report.logf("another instance is already syncing")
			} else {
				report.logf("could not acquire sync lock: %v", err)
			}
			report.Error = err.Error()
		}
		p.mu.Lock()
		p.last = report
		p.mu.Unlock()
		return report, nil
	})
	return result.(*Report)
}

// LastReport returns the report of the most recent run in this process.
func (p *Pipeline) LastReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Status returns the persisted outcome of the latest runs.
func (p *Pipeline) Status(ctx context.Context) (domain.FeedSyncState, error) {
	return p.repo.LoadFeedState(ctx)
}

type candidate struct {
	data     *Dataset
	origin   Origin
	source   string
	degraded bool
	fresh    bool
}

type step struct {
	origin  Origin
	network bool
	run     func(ctx context.Context, rs *runState) (*candidate, error)
}

type runState struct {
	cfg       config.FeedConfig
	report    *Report
	fetcher   *Fetcher
	retry     retryPolicy
	snapshots *SnapshotStore
}

func (p *Pipeline) run(ctx context.Context, reason string) *Report {
	cfg := p.config.GetConfig().Feed
	report := &Report{RunID: uuid.NewString(), Reason: reason, Origin: OriginNone, StartedAt: p.clock.Now()}
	report.logf("run started (reason=%s mode=%s)", reason, cfg.Mode)

	rs := &runState{
		cfg:       cfg,
		report:    report,
		retry:     newRetryPolicy(cfg.Retry),
		snapshots: NewSnapshotStore(cfg.DataDir, p.clock),
	}

	fetcher, err := NewFetcher(cfg)
	if err != nil {
		report.logf("fetcher unavailable: %v", err)
	}
	rs.fetcher = fetcher

	online := fetcher != nil && p.probe(ctx, rs)

	var accepted *candidate
	for _, s := range p.steps() {
		if ctx.Err() != nil {
			report.logf("run cancelled before %s step", s.origin)
			break
		}
		if s.network && !online {
			continue
		}
		c, err := s.run(ctx, rs)
		if err != nil {
			report.logf("%s step produced nothing: %v", s.origin, err)
			continue
		}
		accepted = c
		break
	}

	if accepted == nil {
		return p.fail(ctx, report, domain.ErrPipelineExhausted)
	}
	if err := p.apply(ctx, rs, accepted); err != nil {
		return p.fail(ctx, report, err)
	}
	return report
}

func (p *Pipeline) steps() []step {
	return []step{
		{origin: OriginMirror, network: true, run: p.fromMirrors},
		{origin: OriginDirect, network: true, run: p.fromDirect},
		{origin: OriginAlternative, network: true, run: p.fromAlternatives},
		{origin: OriginSnapshot, run: p.fromSnapshot},
		{origin: OriginBackup, run: p.fromBackup},
		{origin: OriginEmergency, run: p.fromEmergency},
	}
}

func (p *Pipeline) probe(ctx context.Context, rs *runState) bool {
	if len(rs.cfg.ProbeEndpoints) == 0 {
		return true
	}
	results := NewProber(rs.cfg.DNSServer, nil).Probe(ctx, rs.cfg.ProbeEndpoints)
	for _, r := range results {
		if r.OK {
			rs.report.logf("probe %s ok", r.Endpoint)
		} else {
			rs.report.logf("probe %s failed: %v", r.Endpoint, r.Err)
		}
	}
	if !anyOK(results) {
		rs.report.logf("all probes failed, skipping network sources")
		return false
	}
	return true
}

// fetchValid downloads url and parses it; it fails unless the body is feed
// shaped and yields at least one directive.
func (rs *runState) fetchValid(ctx context.Context, strategy Strategy, url string, parse func([]byte) *Dataset) (*Dataset, error) {
	body, err := rs.retry.do(ctx, string(strategy)+" "+url, func(ctx context.Context) ([]byte, error) {
		return rs.fetcher.Fetch(ctx, strategy, url)
	})
	if err != nil {
		return nil, err
	}
	if !LooksLikeFeed(body) {
		return nil, ErrNotFeed
	}
	data := parse(body)
	if !data.Valid() {
		return nil, fmt.Errorf("%w: no directives in %d bytes", ErrNotFeed, len(body))
	}
	return data, nil
}

func (p *Pipeline) fromMirrors(ctx context.Context, rs *runState) (*candidate, error) {
	merged := &Dataset{}
	var used []string

	for _, mirror := range rs.cfg.Mirrors {
		for _, raw := range rs.cfg.Strategies {
			strategy := Strategy(raw)
			if strategy == StrategyBrowser && !rs.cfg.BrowserFetch {
				continue
			}
			data, err := rs.fetchValid(ctx, strategy, mirror, Parse)
			if err != nil {
				rs.report.logf("mirror %s via %s failed: %v", mirror, strategy, err)
				if errors.Is(err, ErrHostBlocked) {
					break
				}
				continue
			}
			rs.report.logf("mirror %s via %s: %d directives, %d dropped lines", mirror, strategy, data.Directives, data.Dropped)
			merged.Merge(data)
			used = append(used, mirror)
			break
		}
		if len(used) >= maxValidMirrors {
			break
		}
	}

	if len(used) == 0 {
		return nil, errors.New("no mirror yielded valid data")
	}
	return &candidate{data: merged, origin: OriginMirror, source: strings.Join(used, ","), fresh: true}, nil
}

func (p *Pipeline) fromDirect(ctx context.Context, rs *runState) (*candidate, error) {
	for _, mirror := range rs.cfg.Mirrors {
		data, err := rs.fetchValid(ctx, strategyDirect, mirror, Parse)
		if err != nil {
			rs.report.logf("direct fetch %s failed: %v", mirror, err)
			continue
		}
		rs.report.logf("direct fetch %s: %d directives", mirror, data.Directives)
		return &candidate{data: data, origin: OriginDirect, source: mirror, fresh: true}, nil
	}
	return nil, errors.New("direct fetch exhausted")
}

func (p *Pipeline) fromAlternatives(ctx context.Context, rs *runState) (*candidate, error) {
	merged := &Dataset{}
	var used []string

	for _, src := range rs.cfg.AlternativeSources {
		format := src.Format
		data, err := rs.fetchValid(ctx, StrategyVerified, src.URL, func(body []byte) *Dataset {
			return ParseAlternative(body, format)
		})
		if err != nil {
			rs.report.logf("alternative %s (%s) failed: %v", src.URL, src.Format, err)
			continue
		}
		rs.report.logf("alternative %s (%s): %d directives", src.URL, src.Format, data.Directives)
		merged.Merge(data)
		used = append(used, src.URL)
		if len(used) >= maxValidAlternatives {
			break
		}
	}

	if len(used) == 0 {
		return nil, errors.New("no alternative source yielded valid data")
	}
	return &candidate{data: merged, origin: OriginAlternative, source: strings.Join(used, ","), fresh: true}, nil
}

func (p *Pipeline) fromSnapshot(_ context.Context, rs *runState) (*candidate, error) {
	maxAge := time.Duration(rs.cfg.SnapshotMaxAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	snap, err := rs.snapshots.Fresh(maxAge)
	if err != nil {
		return nil, err
	}
	rs.report.logf("serving snapshot from %s (%d directives)", snap.FetchedAt.UTC().Format(time.RFC3339), snap.Directives)
	return &candidate{data: snap.dataset(), origin: OriginSnapshot, source: snap.Source, degraded: snap.Degraded}, nil
}

func (p *Pipeline) fromBackup(_ context.Context, rs *runState) (*candidate, error) {
	snap, err := rs.snapshots.Backup()
	if err != nil {
		return nil, err
	}
	rs.report.logf("serving backup snapshot from %s (%d directives)", snap.FetchedAt.UTC().Format(time.RFC3339), snap.Directives)
	return &candidate{data: snap.dataset(), origin: OriginBackup, source: snap.Source, degraded: true}, nil
}

func (p *Pipeline) fromEmergency(_ context.Context, rs *runState) (*candidate, error) {
	if !rs.cfg.EmergencyFallback {
		return nil, errors.New("emergency fallback disabled")
	}
	rs.report.logf("serving built-in emergency set")
	return &candidate{data: emergencyDataset(), origin: OriginEmergency, source: "built-in", degraded: true}, nil
}

// apply materializes the accepted dataset. Nothing visible changes unless
// the surface (or the feed table) was written successfully.
func (p *Pipeline) apply(ctx context.Context, rs *runState, c *candidate) error {
	now := p.clock.Now()
	entries := c.data.Entries()
	report := rs.report

	switch rs.cfg.Mode {
	case config.FeedModeAddressList:
		rows := make([]domain.FeedEntry, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, domain.FeedEntry{Target: e.Normalized, Kind: e.Kind.String(), Source: truncate(c.source, 512)})
		}
		if err := p.repo.ReplaceFeedEntries(ctx, rows); err != nil {
			return fmt.Errorf("replace feed entries: %w", err)
		}
		if stripped, err := NewSurface(rs.cfg.SurfacePath, p.clock).Strip(); err != nil {
			report.logf("could not strip feed block from rule surface: %v", err)
		} else if stripped {
			report.logf("removed feed block from rule surface")
		}
	default:
		surface := NewSurface(rs.cfg.SurfacePath, p.clock)
		if err := surface.Apply(c.data.Lines, surfaceHeader(c.origin, c.source, c.data.Directives, now)); err != nil {
			return fmt.Errorf("apply rule surface: %w", err)
		}
		report.logf("rule surface %s updated", surface.Path())
		if err := p.repo.ReplaceFeedEntries(ctx, nil); err != nil {
			report.logf("could not clear feed entry table: %v", err)
		}
	}

	p.lists.ReplaceFeed(entries)

	if c.fresh {
		rolled, err := rs.snapshots.Save(Snapshot{
			Lines:      c.data.Lines,
			FetchedAt:  now,
			Source:     c.source,
			Directives: c.data.Directives,
			Degraded:   c.degraded,
		})
		switch {
		case err != nil:
			report.logf("snapshot not saved: %v", err)
		case rolled:
			report.logf("snapshot saved, backup rolled forward")
		default:
			report.logf("snapshot saved")
		}
	}

	report.Success = true
	report.ItemCount = c.data.Directives
	report.Origin = c.origin
	report.Source = c.source
	report.Degraded = c.degraded
	report.Dropped = c.data.Dropped
	report.FinishedAt = p.clock.Now()
	report.logf("run finished: %d directives from %s (degraded=%t)", c.data.Directives, c.origin, c.degraded)

	p.saveState(ctx, report)
	metrics.ObserveFeedRun(string(c.origin), true, c.data.Directives, now)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, report *Report, err error) *Report {
	report.Success = false
	report.Error = err.Error()
	report.FinishedAt = p.clock.Now()
	report.logf("run failed, active rule surface left unchanged: %v", err)
	log.Error("Feed sync failed", "run_id", report.RunID, "error", err)

	p.saveState(ctx, report)
	metrics.ObserveFeedRun(string(report.Origin), false, 0, report.FinishedAt)
	return report
}

func (p *Pipeline) saveState(ctx context.Context, report *Report) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateTimeout)
	defer cancel()

	state, err := p.repo.LoadFeedState(ctx)
	if err != nil {
		log.Warn("Could not load feed state", "error", err)
	}
	state.LastRunAt = report.FinishedAt
	state.LastError = truncate(report.Error, 1024)
	state.LastRunLog = tailLines(report.Log, maxStoredLogLines)
	if report.Success {
		at := report.FinishedAt
		state.LastSuccessAt = &at
		state.Directives = report.ItemCount
		state.Source = truncate(report.Source, 512)
		state.Origin = string(report.Origin)
		state.Degraded = report.Degraded
	}
	if err := p.repo.SaveFeedState(ctx, state); err != nil {
		log.Warn("Could not save feed state", "error", err)
	}
}

// Prime publishes the feed set that is already active on disk, so a restart
// does not wait for the first sync.
func (p *Pipeline) Prime(ctx context.Context) error {
	cfg := p.config.GetConfig().Feed
	if cfg.Mode == config.FeedModeAddressList {
		return nil
	}
	lines, err := NewSurface(cfg.SurfacePath, p.clock).Directives()
	if err != nil {
		return err
	}
	entries := datasetFromLines(lines).Entries()
	p.lists.ReplaceFeed(entries)
	log.Info("Feed set primed from rule surface", "path", cfg.SurfacePath, "entries", len(entries))
	return nil
}

func tailLines(lines []string, n int) domain.StringList {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return domain.StringList(lines).Clone()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
