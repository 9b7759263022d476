package database

import (
	"context"
	"errors"

	"ipwarden/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const feedStateID = 1

// LoadFeedState returns the stored sync state, or a zero state when none exists yet.
func (r *Rules) LoadFeedState(ctx context.Context) (domain.FeedSyncState, error) {
	var state domain.FeedSyncState
	err := r.db.WithContext(ctx).First(&state, feedStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.FeedSyncState{ID: feedStateID}, nil
	}
	if err != nil {
		return domain.FeedSyncState{}, domain.StorageError("load feed state", err)
	}
	return state, nil
}

func (r *Rules) SaveFeedState(ctx context.Context, state domain.FeedSyncState) error {
	state.ID = feedStateID
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&state).Error
	if err != nil {
		return domain.StorageError("save feed state", err)
	}
	return nil
}
