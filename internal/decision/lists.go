package decision

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"ipwarden/internal/address"
	"ipwarden/internal/domain"
)

// RuleRepository is the persistent side of the rule lists.
type RuleRepository interface {
	ListWhitelist(ctx context.Context) ([]domain.WhitelistEntry, error)
	ListPermanentBlocks(ctx context.Context) ([]domain.BlockRule, error)
	ListFeedEntries(ctx context.Context) ([]domain.FeedEntry, error)
}

// Lists holds the published whitelist, permanent blocklist and feed-derived
// set. Readers never lock; writers are serialized and publish a new snapshot.
type Lists struct {
	mu        sync.Mutex
	whitelist *address.SetHolder
	blocklist *address.SetHolder
	feed      *address.SetHolder
}

func NewLists() *Lists {
	return &Lists{
		whitelist: address.NewSetHolder(),
		blocklist: address.NewSetHolder(),
		feed:      address.NewSetHolder(),
	}
}

// Load replaces all three lists from the repository.
func (l *Lists) Load(ctx context.Context, repo RuleRepository) error {
	whitelist, err := repo.ListWhitelist(ctx)
	if err != nil {
		return fmt.Errorf("load whitelist: %w", err)
	}
	blocks, err := repo.ListPermanentBlocks(ctx)
	if err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}
	feed, err := repo.ListFeedEntries(ctx)
	if err != nil {
		return fmt.Errorf("load feed entries: %w", err)
	}

	wl := make([]address.Entry, 0, len(whitelist))
	for _, e := range whitelist {
		wl = append(wl, classifyStored(e.Target))
	}
	bl := make([]address.Entry, 0, len(blocks))
	for _, r := range blocks {
		bl = append(bl, classifyStored(r.Target))
	}
	fd := make([]address.Entry, 0, len(feed))
	for _, f := range feed {
		fd = append(fd, classifyStored(f.Target))
	}

	l.mu.Lock()
	l.whitelist.Store(address.NewSet(wl))
	l.blocklist.Store(address.NewSet(bl))
	l.feed.Store(address.NewSet(fd))
	l.mu.Unlock()

	log.Info("Rule lists loaded", "whitelist", len(wl), "blocklist", len(bl), "feed", len(fd))
	return nil
}

func classifyStored(target string) address.Entry {
	entry := address.Classify(target)
	if !entry.Valid() {
		log.Warn("Ignoring invalid stored rule", "target", target)
	}
	return entry
}

func (l *Lists) Whitelist() *address.Set { return l.whitelist.Load() }
func (l *Lists) Blocklist() *address.Set { return l.blocklist.Load() }
func (l *Lists) Feed() *address.Set      { return l.feed.Load() }

// AddWhitelisted publishes a whitelist including entry.
func (l *Lists) AddWhitelisted(entry address.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.whitelist.Store(l.whitelist.Load().With(entry))
}

func (l *Lists) RemoveWhitelisted(normalized string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.whitelist.Store(l.whitelist.Load().Without(normalized))
}

// AddBlocked publishes a permanent blocklist including entries.
func (l *Lists) AddBlocked(entries ...address.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.blocklist.Load()
	next := append(current.Entries(), entries...)
	l.blocklist.Store(address.NewSet(next))
}

func (l *Lists) RemoveBlocked(normalized string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocklist.Store(l.blocklist.Load().Without(normalized))
}

// ReplaceFeed swaps the whole feed-derived set.
func (l *Lists) ReplaceFeed(entries []address.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.feed.Store(address.NewSet(entries))
}
