package domain

import "time"

// State is the outcome class of a block decision.
type State string

const (
	StateAllowed          State = "allowed"
	StateBlockedPermanent State = "blocked_permanent"
	StateBlockedTemporary State = "blocked_temporary"
	StateBlockedGeo       State = "blocked_geo"
	StateBlockedFeed      State = "blocked_feed"
)

// Verdict is the result of evaluating one address.
type Verdict struct {
	Address    string        `json:"address"`
	State      State         `json:"state"`
	Reason     string        `json:"reason,omitempty"`
	Rule       string        `json:"rule,omitempty"`
	RetryAfter time.Duration `json:"-"`
	// Whitelisted is set when a whitelist rule produced the verdict.
	Whitelisted bool `json:"whitelisted,omitempty"`
}

func (v Verdict) Blocked() bool {
	return v.State != StateAllowed && v.State != ""
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds; 0 means no hint.
func (v Verdict) RetryAfterSeconds() int {
	if v.RetryAfter <= 0 {
		return 0
	}
	return int((v.RetryAfter + time.Second - 1) / time.Second)
}
