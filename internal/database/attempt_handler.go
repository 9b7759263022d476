package database

import (
	"context"
	"errors"
	"time"

	"ipwarden/internal/domain"

	"gorm.io/gorm"
)

// Ledger is the append-only record of failed authentication attempts.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Record(ctx context.Context, rec *domain.AttemptRecord) error {
	rec.Time = rec.Time.UTC()
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return domain.StorageError("record attempt "+rec.Address, err)
	}
	return nil
}

// CountSince counts attempts for address at or after since.
func (l *Ledger) CountSince(ctx context.Context, address string, since time.Time) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&domain.AttemptRecord{}).
		Where("address = ? AND attempted_at >= ?", address, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, domain.StorageError("count attempts "+address, err)
	}
	return count, nil
}

// MarkBlocked flags the attempts for address at or after since as blocked.
func (l *Ledger) MarkBlocked(ctx context.Context, address string, since time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Model(&domain.AttemptRecord{}).
		Where("address = ? AND attempted_at >= ?", address, since.UTC()).
		Update("blocked", true)
	if res.Error != nil {
		return 0, domain.StorageError("mark blocked "+address, res.Error)
	}
	return res.RowsAffected, nil
}

// LastBlockedAt returns the newest blocked attempt time for address at or after since.
func (l *Ledger) LastBlockedAt(ctx context.Context, address string, since time.Time) (time.Time, bool, error) {
	var rec domain.AttemptRecord
	err := l.db.WithContext(ctx).
		Where("address = ? AND blocked = ? AND attempted_at >= ?", address, true, since.UTC()).
		Order("attempted_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, domain.StorageError("last blocked "+address, err)
	}
	return rec.Time, true, nil
}

// ClearBlocked lifts the blocked flag from every attempt of address.
func (l *Ledger) ClearBlocked(ctx context.Context, address string) (int64, error) {
	res := l.db.WithContext(ctx).Model(&domain.AttemptRecord{}).
		Where("address = ? AND blocked = ?", address, true).
		Update("blocked", false)
	if res.Error != nil {
		return 0, domain.StorageError("clear blocked "+address, res.Error)
	}
	return res.RowsAffected, nil
}

// BlockedSince lists each address with a blocked attempt at or after since,
// newest block first.
func (l *Ledger) BlockedSince(ctx context.Context, since time.Time) ([]domain.BlockedAddress, error) {
	var records []domain.AttemptRecord
	err := l.db.WithContext(ctx).
		Where("blocked = ? AND attempted_at >= ?", true, since.UTC()).
		Order("attempted_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, domain.StorageError("list blocked attempts", err)
	}

	seen := make(map[string]struct{}, len(records))
	out := make([]domain.BlockedAddress, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.Address]; ok {
			continue
		}
		seen[rec.Address] = struct{}{}
		out = append(out, domain.BlockedAddress{Address: rec.Address, BlockedAt: rec.Time})
	}
	return out, nil
}

// Purge deletes attempts older than before.
func (l *Ledger) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("attempted_at < ?", before.UTC()).Delete(&domain.AttemptRecord{})
	if res.Error != nil {
		return 0, domain.StorageError("purge attempts", res.Error)
	}
	return res.RowsAffected, nil
}
