package models

import "time"

// DelegationRule routes a delegator's pending approvals to a delegate while
// the rule's window is active.
type DelegationRule struct {
	ID           int64      `json:"id" db:"id"`
	DelegatorID  string     `json:"delegator_id" db:"delegator_id"`
	DelegateToID string     `json:"delegate_to_id" db:"delegate_to_id"`
	StartsAt     time.Time  `json:"starts_at" db:"starts_at"`
	EndsAt       *time.Time `json:"ends_at,omitempty" db:"ends_at"` // nil = open-ended
	IsActive     bool       `json:"is_active" db:"is_active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Covers reports whether the rule is active at the given moment.
func (r DelegationRule) Covers(asOf time.Time) bool {
	if !r.IsActive {
		return false
	}
	if asOf.Before(r.StartsAt) {
		return false
	}
	if r.EndsAt != nil && asOf.After(*r.EndsAt) {
		return false
	}
	return true
}
