package models

import "time"

// AuditEventType is the closed taxonomy of auditable events. The string
// values are stored verbatim in the audit sink.
type AuditEventType string

const (
	// Workflow lifecycle
	WorkflowCreatedEvent     AuditEventType = "workflow_created"
	WorkflowUpdatedEvent     AuditEventType = "workflow_updated"
	WorkflowDeletedEvent     AuditEventType = "workflow_deleted"
	WorkflowActivatedEvent   AuditEventType = "workflow_activated"
	WorkflowDeactivatedEvent AuditEventType = "workflow_deactivated"

	// Instance lifecycle
	InstanceCreatedEvent   AuditEventType = "instance_created"
	InstanceStartedEvent   AuditEventType = "instance_started"
	InstanceCompletedEvent AuditEventType = "instance_completed"
	InstanceRejectedEvent  AuditEventType = "instance_rejected"
	InstanceCancelledEvent AuditEventType = "instance_cancelled"
	InstanceSuspendedEvent AuditEventType = "instance_suspended"
	InstanceResumedEvent   AuditEventType = "instance_resumed"

	// Approval decisions
	ApprovalRequestedEvent AuditEventType = "approval_requested"
	ApprovalApprovedEvent  AuditEventType = "approval_approved"
	ApprovalRejectedEvent  AuditEventType = "approval_rejected"
	ApprovalDelegatedEvent AuditEventType = "approval_delegated"
	ApprovalExpiredEvent   AuditEventType = "approval_expired"

	// Step transitions
	StepStartedEvent   AuditEventType = "step_started"
	StepCompletedEvent AuditEventType = "step_completed"
	StepFailedEvent    AuditEventType = "step_failed"

	// Error / recovery
	ErrorOccurredEvent     AuditEventType = "error_occurred"
	RecoveryInitiatedEvent AuditEventType = "recovery_initiated"
	RecoveryCompletedEvent AuditEventType = "recovery_completed"
	RecoveryFailedEvent    AuditEventType = "recovery_failed"

	// Escalation / delegation
	EscalationInitiatedEvent AuditEventType = "escalation_initiated"
	EscalationCompletedEvent AuditEventType = "escalation_completed"
	DelegationInitiatedEvent AuditEventType = "delegation_initiated"
	DelegationCompletedEvent AuditEventType = "delegation_completed"

	// Data consistency
	InconsistencyDetectedEvent   AuditEventType = "inconsistency_detected"
	ReconciliationInitiatedEvent AuditEventType = "reconciliation_initiated"
	ReconciliationCompletedEvent AuditEventType = "reconciliation_completed"

	// Notification
	NotificationSentEvent   AuditEventType = "notification_sent"
	NotificationFailedEvent AuditEventType = "notification_failed"

	// System
	SystemErrorEvent    AuditEventType = "system_error"
	SystemRecoveryEvent AuditEventType = "system_recovery"
)

type AuditSeverity string

const (
	InfoSeverity     AuditSeverity = "info"
	WarningSeverity  AuditSeverity = "warning"
	ErrorSeverity    AuditSeverity = "error"
	CriticalSeverity AuditSeverity = "critical"
)

// AuditLogEntry is a write-once audit record. The entity references are weak:
// they are lookup keys, not ownership, and any of them may be nil.
type AuditLogEntry struct {
	ID         string         `json:"id" db:"id"` // UUID
	EventType  AuditEventType `json:"event_type" db:"event_type"`
	WorkflowID *int64         `json:"workflow_id,omitempty" db:"workflow_id"`
	InstanceID *int64         `json:"instance_id,omitempty" db:"instance_id"`
	ApprovalID *string        `json:"approval_id,omitempty" db:"approval_id"`
	UserID     *string        `json:"user_id,omitempty" db:"user_id"`
	EventData  JSONMap        `json:"event_data,omitempty" db:"event_data"`
	Severity   AuditSeverity  `json:"severity" db:"severity"`
	Message    string         `json:"message" db:"message"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
