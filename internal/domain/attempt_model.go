package domain

import "time"

// AttemptRecord is one failed authentication attempt.
type AttemptRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Address  string    `gorm:"size:64;not null;index:idx_attempts_address_time,priority:1"`
	Identity string    `gorm:"size:255;not null;default:''"`
	Time     time.Time `gorm:"column:attempted_at;not null;index:idx_attempts_address_time,priority:2;index"`
	Blocked  bool      `gorm:"not null;default:false;index"`
}

// BlockedAddress is an address with a blocked attempt record.
type BlockedAddress struct {
	Address   string
	BlockedAt time.Time
}
