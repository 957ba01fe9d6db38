package models

import "time"

type InstanceStatus string

const (
	PendingInstanceStatus    InstanceStatus = "pending"
	InProgressInstanceStatus InstanceStatus = "in_progress"
	CompletedInstanceStatus  InstanceStatus = "completed"
	RejectedInstanceStatus   InstanceStatus = "rejected"
	CancelledInstanceStatus  InstanceStatus = "cancelled"
	SuspendedInstanceStatus  InstanceStatus = "suspended"
)

// IsTerminal reports whether no further transitions are allowed.
func (s InstanceStatus) IsTerminal() bool {
	return s == CompletedInstanceStatus || s == RejectedInstanceStatus || s == CancelledInstanceStatus
}

// WorkflowInstance is one execution of a WorkflowDefinition version against a
// business entity. WorkflowVersion is pinned at creation time and never
// changes, regardless of later edits to the definition.
type WorkflowInstance struct {
	ID              int64          `json:"id" db:"id"`
	WorkflowID      int64          `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version" db:"workflow_version"`
	EntityType      string         `json:"entity_type" db:"entity_type"` // e.g. "project", "change_request"
	EntityID        string         `json:"entity_id" db:"entity_id"`
	CurrentStep     int            `json:"current_step" db:"current_step"`
	Status          InstanceStatus `json:"status" db:"status"`
	Context         JSONMap        `json:"context,omitempty" db:"context"`
	InitiatedBy     string         `json:"initiated_by" db:"initiated_by"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}
