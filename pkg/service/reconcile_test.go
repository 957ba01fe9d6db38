package service_test

import (
	"testing"
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/service"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func newReconciliationServices() (*service.WorkflowService, *service.ReconciliationService, *service.AuditService, storage.Store) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{})
	workflows := service.NewWorkflowService(store, audit, logger{})
	reconciliation := service.NewReconciliationService(store, audit, logger{})
	return workflows, reconciliation, audit, store
}

func TestReconcileCleanInstance(t *testing.T) {
	workflows, reconciliation, _, store := newReconciliationServices()
	wfID, err := workflows.CreateWorkflow(twoStepDefinition())
	assert.NoError(t, err)
	inst, err := workflows.StartInstance(wfID, "project", "prj-1", "alice", nil)
	assert.NoError(t, err)

	report, err := reconciliation.ReconcileWorkflowData(inst.ID)
	assert.NoError(t, err)
	assert.True(t, report.IsConsistent)
	assert.Empty(t, report.Inconsistencies)
	assert.Empty(t, report.Repairs)

	// The pass itself leaves a trace.
	_, err = store.ListAuditEntries(storage.AuditFilter{})
	assert.NoError(t, err)
}

func TestReconcileMissingDefinition(t *testing.T) {
	_, reconciliation, _, store := newReconciliationServices()

	// An instance pinned to a version that was never stored.
	id, err := store.SaveInstance(models.WorkflowInstance{
		WorkflowID:      999,
		WorkflowVersion: 7,
		EntityType:      "project",
		EntityID:        "prj-1",
		Status:          models.InProgressInstanceStatus,
		InitiatedBy:     "alice",
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	})
	assert.NoError(t, err)

	report, err := reconciliation.ReconcileWorkflowData(id)
	assert.NoError(t, err)
	assert.False(t, report.IsConsistent)
	assert.Len(t, report.Inconsistencies, 1)
	assert.Equal(t, "missing_workflow_definition", report.Inconsistencies[0].Type)
	assert.Equal(t, service.CriticalInconsistency, report.Inconsistencies[0].Severity)
	// No automatic repair exists for a lost definition.
	assert.Empty(t, report.Repairs)
}

func TestReconcileSynthesizesMissingApprovals(t *testing.T) {
	workflows, reconciliation, _, store := newReconciliationServices()
	wfID, err := workflows.CreateWorkflow(twoStepDefinition())
	assert.NoError(t, err)

	// An in-progress instance written directly, bypassing step opening.
	id, err := store.SaveInstance(models.WorkflowInstance{
		WorkflowID:      wfID,
		WorkflowVersion: 1,
		EntityType:      "project",
		EntityID:        "prj-1",
		CurrentStep:     0,
		Status:          models.InProgressInstanceStatus,
		InitiatedBy:     "alice",
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	})
	assert.NoError(t, err)

	report, err := reconciliation.ReconcileWorkflowData(id)
	assert.NoError(t, err)
	assert.False(t, report.IsConsistent)
	assert.Len(t, report.Inconsistencies, 1)
	assert.Equal(t, "missing_approvals", report.Inconsistencies[0].Type)
	assert.Equal(t, service.HighInconsistency, report.Inconsistencies[0].Severity)
	assert.Len(t, report.Repairs, 1)
	assert.Equal(t, "synthesize_approvals", report.Repairs[0].Type)

	// The synthesized rows match step 0's approver list.
	approvals, err := store.ListApprovalsForStep(id, 0)
	assert.NoError(t, err)
	assert.Len(t, approvals, 2)
	for _, a := range approvals {
		assert.Equal(t, models.PendingApprovalStatus, a.Status)
	}

	// IsConsistent reflects findings, not repairs: only the next pass is clean.
	report, err = reconciliation.ReconcileWorkflowData(id)
	assert.NoError(t, err)
	assert.True(t, report.IsConsistent)
}

func TestReconcileStampsMissingCompletionTime(t *testing.T) {
	workflows, reconciliation, _, store := newReconciliationServices()
	wfID, err := workflows.CreateWorkflow(twoStepDefinition())
	assert.NoError(t, err)

	id, err := store.SaveInstance(models.WorkflowInstance{
		WorkflowID:      wfID,
		WorkflowVersion: 1,
		EntityType:      "project",
		EntityID:        "prj-1",
		CurrentStep:     1,
		Status:          models.CompletedInstanceStatus,
		InitiatedBy:     "alice",
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	})
	assert.NoError(t, err)

	report, err := reconciliation.ReconcileWorkflowData(id)
	assert.NoError(t, err)
	assert.False(t, report.IsConsistent)
	assert.Len(t, report.Repairs, 1)
	assert.Equal(t, "stamp_completion_time", report.Repairs[0].Type)

	inst, err := store.GetInstance(id)
	assert.NoError(t, err)
	assert.NotNil(t, inst.CompletedAt)
}

func TestReconcileReportsOrphanedApprovals(t *testing.T) {
	workflows, reconciliation, _, store := newReconciliationServices()
	wfID, err := workflows.CreateWorkflow(twoStepDefinition())
	assert.NoError(t, err)
	inst, err := workflows.StartInstance(wfID, "project", "prj-1", "alice", nil)
	assert.NoError(t, err)

	// A stray row referencing a step the definition does not have.
	orphan := models.WorkflowApproval{
		ID:         "orphan-row",
		InstanceID: inst.ID,
		StepNumber: 9,
		ApproverID: "Z",
		Status:     models.PendingApprovalStatus,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	assert.NoError(t, store.SaveApproval(orphan))

	report, err := reconciliation.ReconcileWorkflowData(inst.ID)
	assert.NoError(t, err)
	assert.False(t, report.IsConsistent)
	assert.Len(t, report.Inconsistencies, 1)
	assert.Equal(t, "orphaned_approval", report.Inconsistencies[0].Type)
	assert.Equal(t, service.LowInconsistency, report.Inconsistencies[0].Severity)
	// Orphans are reported, never auto-deleted.
	assert.Empty(t, report.Repairs)
	_, err = store.GetApproval("orphan-row")
	assert.NoError(t, err)
}

func TestReconcileAuditsFindingsAndRepairs(t *testing.T) {
	workflows, reconciliation, audit, store := newReconciliationServices()
	wfID, err := workflows.CreateWorkflow(twoStepDefinition())
	assert.NoError(t, err)

	id, err := store.SaveInstance(models.WorkflowInstance{
		WorkflowID:      wfID,
		WorkflowVersion: 1,
		EntityType:      "project",
		EntityID:        "prj-1",
		CurrentStep:     0,
		Status:          models.InProgressInstanceStatus,
		InitiatedBy:     "alice",
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	})
	assert.NoError(t, err)

	_, err = reconciliation.ReconcileWorkflowData(id)
	assert.NoError(t, err)

	byType := func(eventType models.AuditEventType) []models.AuditLogEntry {
		trail, err := audit.GetAuditTrail(storage.AuditFilter{InstanceID: &id, EventType: &eventType})
		assert.NoError(t, err)
		return trail
	}
	assert.Len(t, byType(models.ReconciliationInitiatedEvent), 1)
	assert.Len(t, byType(models.InconsistencyDetectedEvent), 1)
	assert.Len(t, byType(models.RecoveryInitiatedEvent), 1)
	assert.Len(t, byType(models.RecoveryCompletedEvent), 1)
	assert.Len(t, byType(models.ReconciliationCompletedEvent), 1)
}

func TestReconcileUnknownInstance(t *testing.T) {
	_, reconciliation, _, _ := newReconciliationServices()
	_, err := reconciliation.ReconcileWorkflowData(404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
