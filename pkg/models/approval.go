package models

import "time"

type ApprovalStatus string

const (
	PendingApprovalStatus   ApprovalStatus = "pending"
	ApprovedApprovalStatus  ApprovalStatus = "approved"
	RejectedApprovalStatus  ApprovalStatus = "rejected"
	DelegatedApprovalStatus ApprovalStatus = "delegated"
	ExpiredApprovalStatus   ApprovalStatus = "expired"
)

// WorkflowApproval is one approver's decision record for one (instance, step)
// pair. Rows are never deleted; delegation and escalation supersede a row by
// marking it delegated/expired and inserting successors for the same step.
type WorkflowApproval struct {
	ID          string         `json:"id" db:"id"` // UUID
	InstanceID  int64          `json:"instance_id" db:"instance_id"`
	StepNumber  int            `json:"step_number" db:"step_number"`
	ApproverID  string         `json:"approver_id" db:"approver_id"`
	Status      ApprovalStatus `json:"status" db:"status"`
	Comments    string         `json:"comments,omitempty" db:"comments"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	DelegatedTo *string        `json:"delegated_to,omitempty" db:"delegated_to"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty" db:"decided_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}
