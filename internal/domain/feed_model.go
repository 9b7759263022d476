package domain

import "time"

// FeedEntry is one address materialized from the external blacklist feed when
// the feed runs in address-list mode.
type FeedEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Target string `gorm:"size:64;uniqueIndex;not null"`
	Kind   string `gorm:"size:8;not null"`
	Source string `gorm:"size:512;not null;default:''"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// FeedSyncState keeps the outcome of the most recent feed sync runs.
type FeedSyncState struct {
	ID uint `gorm:"primaryKey"`

	LastRunAt     time.Time
	LastSuccessAt *time.Time
	Directives    int
	Source        string `gorm:"size:512;not null;default:''"`
	Origin        string `gorm:"size:32;not null;default:''"`
	Degraded      bool
	LastError     string `gorm:"size:1024;not null;default:''"`
	// LastRunLog is the step log of the most recent run.
	LastRunLog StringList `gorm:"type:text"`
}
