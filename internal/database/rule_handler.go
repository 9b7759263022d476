package database

import (
	"context"
	"strings"

	"ipwarden/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const ruleInsertBatchSize = 500

// Rules persists whitelist, permanent block and feed-derived entries.
type Rules struct {
	db *gorm.DB
}

func NewRules(db *gorm.DB) *Rules {
	return &Rules{db: db}
}

// BlockFilter narrows ListBlocks. Page is 1-based; PageSize 0 means all.
type BlockFilter struct {
	Query    string
	Source   domain.Source
	Page     int
	PageSize int
}

func (r *Rules) ListWhitelist(ctx context.Context) ([]domain.WhitelistEntry, error) {
	var entries []domain.WhitelistEntry
	if err := r.db.WithContext(ctx).Order("target ASC").Find(&entries).Error; err != nil {
		return nil, domain.StorageError("list whitelist", err)
	}
	return entries, nil
}

// AddWhitelist inserts or refreshes a whitelist entry keyed by its target.
func (r *Rules) AddWhitelist(ctx context.Context, entry domain.WhitelistEntry) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "reason"}),
	}).Create(&entry).Error
	if err != nil {
		return domain.StorageError("add whitelist "+entry.Target, err)
	}
	return nil
}

func (r *Rules) RemoveWhitelist(ctx context.Context, target string) (bool, error) {
	res := r.db.WithContext(ctx).Where("target = ?", target).Delete(&domain.WhitelistEntry{})
	if res.Error != nil {
		return false, domain.StorageError("remove whitelist "+target, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *Rules) ListPermanentBlocks(ctx context.Context) ([]domain.BlockRule, error) {
	var rules []domain.BlockRule
	if err := r.db.WithContext(ctx).Order("target ASC").Find(&rules).Error; err != nil {
		return nil, domain.StorageError("list blocks", err)
	}
	return rules, nil
}

// UpsertBlock stores a permanent block, replacing reason and source of an
// existing rule for the same target.
func (r *Rules) UpsertBlock(ctx context.Context, rule domain.BlockRule) error {
	if rule.Scope == "" {
		rule.Scope = domain.ScopePermanent
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "scope", "reason", "source", "ttl_seconds"}),
	}).Create(&rule).Error
	if err != nil {
		return domain.StorageError("upsert block "+rule.Target, err)
	}
	return nil
}

// ImportBlocks inserts rules in one transaction, keeping existing rules
// untouched. It returns the number of new rows.
func (r *Rules) ImportBlocks(ctx context.Context, rules []domain.BlockRule) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}
	var added int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "target"}},
			DoNothing: true,
		}).CreateInBatches(&rules, ruleInsertBatchSize)
		if res.Error != nil {
			return res.Error
		}
		added = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, domain.StorageError("import blocks", err)
	}
	return int(added), nil
}

func (r *Rules) DeleteBlock(ctx context.Context, target string) (bool, error) {
	res := r.db.WithContext(ctx).Where("target = ?", target).Delete(&domain.BlockRule{})
	if res.Error != nil {
		return false, domain.StorageError("delete block "+target, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListBlocks returns one page of permanent blocks plus the total matching count.
func (r *Rules) ListBlocks(ctx context.Context, filter BlockFilter) ([]domain.BlockRule, int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.BlockRule{})
	if query := strings.TrimSpace(filter.Query); query != "" {
		like := "%" + strings.ToLower(query) + "%"
		q = q.Where("LOWER(target) LIKE ? OR LOWER(reason) LIKE ?", like, like)
	}
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, domain.StorageError("count blocks", err)
	}

	q = q.Order("created_at DESC").Order("id DESC")
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		q = q.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var rules []domain.BlockRule
	if err := q.Find(&rules).Error; err != nil {
		return nil, 0, domain.StorageError("list blocks", err)
	}
	return rules, total, nil
}

func (r *Rules) ListFeedEntries(ctx context.Context) ([]domain.FeedEntry, error) {
	var entries []domain.FeedEntry
	if err := r.db.WithContext(ctx).Order("target ASC").Find(&entries).Error; err != nil {
		return nil, domain.StorageError("list feed entries", err)
	}
	return entries, nil
}

// ReplaceFeedEntries swaps the whole feed-derived set in one transaction.
func (r *Rules) ReplaceFeedEntries(ctx context.Context, entries []domain.FeedEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.FeedEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&entries, ruleInsertBatchSize).Error
	})
	if err != nil {
		return domain.StorageError("replace feed entries", err)
	}
	return nil
}
