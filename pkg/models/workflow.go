package models

import (
	"time"

	"github.com/lib/pq"
)

type WorkflowStatus string

const (
	DraftWorkflowStatus    WorkflowStatus = "draft"
	ActiveWorkflowStatus   WorkflowStatus = "active"
	ArchivedWorkflowStatus WorkflowStatus = "archived"
)

type StepType string

const (
	ApprovalStepType     StepType = "approval"
	NotificationStepType StepType = "notification"
	AutomatedStepType    StepType = "automated_action"
)

// ApprovalType controls how a step's collected decisions resolve.
type ApprovalType string

const (
	AnyApproval      ApprovalType = "ANY"      // one approval satisfies the step
	AllApproval      ApprovalType = "ALL"      // every approver must approve
	MajorityApproval ApprovalType = "MAJORITY" // more than half must approve
	QuorumApproval   ApprovalType = "QUORUM"   // at least quorum_count must approve
)

// WorkflowDefinition is a versioned approval-process template. A definition is
// never edited in place: updating its steps creates version+1 while prior
// versions' steps remain stored verbatim for instances pinned to them.
type WorkflowDefinition struct {
	ID          int64          `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Description string         `json:"description,omitempty" db:"description"`
	Status      WorkflowStatus `json:"status" db:"status"`
	Version     int            `json:"version" db:"version"` // current (latest) version
	Triggers    JSONMap        `json:"triggers,omitempty" db:"triggers"`
	Metadata    JSONMap        `json:"metadata,omitempty" db:"metadata"`
	CreatedBy   string         `json:"created_by" db:"created_by"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
	Steps       []WorkflowStep `json:"steps,omitempty"` // steps of the loaded version (populated at load)
}

// WorkflowStep is one stage of a definition. StepOrder values within a version
// form a dense, strictly increasing sequence starting at 0.
type WorkflowStep struct {
	WorkflowID          int64          `json:"workflow_id" db:"workflow_id"`
	Version             int            `json:"version" db:"version"`
	StepOrder           int            `json:"step_order" db:"step_order"`
	StepType            StepType       `json:"step_type" db:"step_type"`
	Name                string         `json:"name" db:"name"`
	Approvers           pq.StringArray `json:"approvers,omitempty" db:"approvers"`
	ApproverRoles       pq.StringArray `json:"approver_roles,omitempty" db:"approver_roles"`
	ApprovalType        ApprovalType   `json:"approval_type" db:"approval_type"`
	QuorumCount         *int           `json:"quorum_count,omitempty" db:"quorum_count"`
	Conditions          JSONMap        `json:"conditions,omitempty" db:"conditions"`
	TimeoutHours        *int           `json:"timeout_hours,omitempty" db:"timeout_hours"`
	EscalationApprovers pq.StringArray `json:"escalation_approvers,omitempty" db:"escalation_approvers"`
}
