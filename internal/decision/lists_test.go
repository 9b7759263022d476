package decision

import (
	"context"
	"testing"

	"ipwarden/internal/domain"
)

type fakeRepo struct {
	whitelist []domain.WhitelistEntry
	blocks    []domain.BlockRule
	feed      []domain.FeedEntry
}

func (r fakeRepo) ListWhitelist(context.Context) ([]domain.WhitelistEntry, error) {
	return r.whitelist, nil
}

func (r fakeRepo) ListPermanentBlocks(context.Context) ([]domain.BlockRule, error) {
	return r.blocks, nil
}

func (r fakeRepo) ListFeedEntries(context.Context) ([]domain.FeedEntry, error) {
	return r.feed, nil
}

func TestListsLoad(t *testing.T) {
	lists := NewLists()
	repo := fakeRepo{
		whitelist: []domain.WhitelistEntry{{Target: "10.0.0.0/8"}},
		blocks:    []domain.BlockRule{{Target: "192.0.2.1"}, {Target: "AS64500"}, {Target: "garbage"}},
		feed:      []domain.FeedEntry{{Target: "5.6.7.0/24"}},
	}
	if err := lists.Load(context.Background(), repo); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := lists.Whitelist().Len(); got != 1 {
		t.Fatalf("whitelist len = %d", got)
	}
	if got := lists.Blocklist().Len(); got != 2 {
		t.Fatalf("blocklist len = %d, invalid rows must be skipped", got)
	}
	if !lists.Blocklist().Has("AS64500") || !lists.Feed().Has("5.6.7.0/24") {
		t.Fatal("expected entries missing after load")
	}

	lists.RemoveBlocked("192.0.2.1")
	if lists.Blocklist().Has("192.0.2.1") {
		t.Fatal("RemoveBlocked did not publish a new set")
	}
}
