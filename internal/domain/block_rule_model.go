package domain

import (
	"fmt"
	"time"
)

// Scope says how long a block lives and where it is stored.
type Scope string

const (
	ScopePermanent Scope = "permanent"
	ScopeTemporary Scope = "temporary"
	ScopeFeed      Scope = "feed"
)

// Source records who created a rule.
type Source string

const (
	SourceManual     Source = "manual"
	SourceBruteForce Source = "brute-force"
	SourceReputation Source = "reputation"
	SourceGeo        Source = "geo"
	SourceFeed       Source = "feed"
	SourceHoneypot   Source = "honeypot"
	SourceRestAPI    Source = "rest-api"
)

// BlockRule is a permanent block entry. Temporary blocks live in the key/value
// store as TemporaryBlock and are mirrored by blocked attempt records.
type BlockRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	// Target is the normalized address entry (IP, CIDR or AS<number>).
	Target string `gorm:"size:64;uniqueIndex;not null" json:"target"`
	Kind   string `gorm:"size:8;not null" json:"kind"`

	Scope      Scope  `gorm:"size:16;not null;default:'permanent'" json:"scope"`
	Reason     string `gorm:"size:512;not null;default:''" json:"reason"`
	Source     Source `gorm:"size:32;not null;default:'manual';index" json:"source"`
	TTLSeconds int64  `gorm:"not null;default:0" json:"ttl_seconds"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ExpiresAt returns the expiry instant, or the zero time for permanent rules.
func (r BlockRule) ExpiresAt() time.Time {
	if r.TTLSeconds <= 0 {
		return time.Time{}
	}
	return r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// WhitelistEntry exempts an address entry from every block check.
type WhitelistEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	Target string `gorm:"size:64;uniqueIndex;not null" json:"target"`
	Kind   string `gorm:"size:8;not null" json:"kind"`
	Reason string `gorm:"size:512;not null;default:''" json:"reason"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TemporaryBlock is the payload kept in the fast key/value store.
type TemporaryBlock struct {
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

const temporaryBlockPrefix = "warden:block:"

// TemporaryBlockKey namespaces the key/value entry for a normalized address.
func TemporaryBlockKey(normalized string) string {
	return fmt.Sprintf("%s%s", temporaryBlockPrefix, normalized)
}
