package storage

import (
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a referenced row does not exist. Callers treat
// it as a distinct condition from validation failure.
var ErrNotFound = errors.New("not found")

// AuditFilter narrows an audit trail query. Nil fields are not applied.
type AuditFilter struct {
	WorkflowID *int64
	InstanceID *int64
	EventType  *models.AuditEventType
	Severity   *models.AuditSeverity
	From       *time.Time
	To         *time.Time
}

// Store defines the storage operations for the approval workflow engine.
// Begin returns a transaction-scoped Store; Commit/Rollback apply to that
// scope. Conditional updates return whether the precondition still held, which
// is the engine's compare-and-swap enforcement point for concurrent callers.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow definition operations
	SaveWorkflow(def models.WorkflowDefinition) (int64, error)
	GetWorkflow(id int64) (models.WorkflowDefinition, error)
	GetWorkflowVersion(id int64, version int) (models.WorkflowDefinition, error)
	SaveWorkflowSteps(workflowID int64, version int, steps []models.WorkflowStep) error
	UpdateWorkflowVersion(id int64, version int, metadata models.JSONMap) error
	UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error
	ListWorkflows() ([]models.WorkflowDefinition, error)

	// Instance operations
	SaveInstance(inst models.WorkflowInstance) (int64, error)
	GetInstance(id int64) (models.WorkflowInstance, error)
	ListInstancesByWorkflow(workflowID int64) ([]models.WorkflowInstance, error)
	UpdateInstanceStatus(id int64, from, to models.InstanceStatus, completedAt *time.Time) (bool, error)
	AdvanceInstanceStep(id int64, fromStep, toStep int) (bool, error)
	SetInstanceCompletedAt(id int64, completedAt time.Time) error

	// Approval operations
	SaveApproval(a models.WorkflowApproval) error
	GetApproval(id string) (models.WorkflowApproval, error)
	ListApprovalsByInstance(instanceID int64) ([]models.WorkflowApproval, error)
	ListApprovalsForStep(instanceID int64, stepNumber int) ([]models.WorkflowApproval, error)
	UpdateApprovalDecision(id string, from, to models.ApprovalStatus, comments string, decidedAt time.Time) (bool, error)
	MarkApprovalDelegated(id string, delegateID string, at time.Time) (bool, error)
	ListExpiredApprovals(asOf time.Time) ([]models.WorkflowApproval, error)

	// Audit sink
	SaveAuditEntries(entries []models.AuditLogEntry) error
	ListAuditEntries(filter AuditFilter) ([]models.AuditLogEntry, error)

	// User directory
	GetUser(id string) (models.User, error)
	SaveUser(u models.User) error
	SaveDelegationRule(r models.DelegationRule) (int64, error)
	ListActiveDelegationRules(delegatorID string, asOf time.Time) ([]models.DelegationRule, error)
}
