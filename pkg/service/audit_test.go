package service_test

import (
	"testing"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/service"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func infoEvent(msg string) models.AuditLogEntry {
	return models.AuditLogEntry{
		EventType: models.InstanceStartedEvent,
		Severity:  models.InfoSeverity,
		Message:   msg,
	}
}

func TestAuditBatching(t *testing.T) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{}, service.WithBatchSize(3))

	assert.NoError(t, audit.LogEvent(infoEvent("one")))
	assert.NoError(t, audit.LogEvent(infoEvent("two")))
	assert.Equal(t, 2, audit.BufferedCount())

	written, err := store.ListAuditEntries(storage.AuditFilter{})
	assert.NoError(t, err)
	assert.Empty(t, written, "nothing reaches the store before the batch fills")

	assert.NoError(t, audit.LogEvent(infoEvent("three")))
	assert.Equal(t, 0, audit.BufferedCount())

	written, err = store.ListAuditEntries(storage.AuditFilter{})
	assert.NoError(t, err)
	assert.Len(t, written, 3)
}

func TestAuditImmediateFlushOnHighSeverity(t *testing.T) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{}, service.WithBatchSize(100))

	assert.NoError(t, audit.LogEvent(infoEvent("buffered")))
	assert.Equal(t, 1, audit.BufferedCount())

	// An error-severity entry drains the whole buffer synchronously, carrying
	// the earlier info entry with it.
	assert.NoError(t, audit.LogEvent(models.AuditLogEntry{
		EventType: models.SystemErrorEvent,
		Severity:  models.ErrorSeverity,
		Message:   "store unreachable",
	}))
	assert.Equal(t, 0, audit.BufferedCount())

	written, err := store.ListAuditEntries(storage.AuditFilter{})
	assert.NoError(t, err)
	assert.Len(t, written, 2)
}

func TestAuditFlushPolicyOverride(t *testing.T) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{},
		service.WithBatchSize(100),
		service.WithFlushPolicy(models.InfoSeverity, service.FlushImmediate))

	assert.NoError(t, audit.LogEvent(infoEvent("urgent info")))
	assert.Equal(t, 0, audit.BufferedCount())
}

func TestAuditEntryDefaults(t *testing.T) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{})

	assert.NoError(t, audit.LogEvent(models.AuditLogEntry{
		EventType: models.InstanceStartedEvent,
		Message:   "bare entry",
	}))
	assert.NoError(t, audit.Flush())

	written, err := store.ListAuditEntries(storage.AuditFilter{})
	assert.NoError(t, err)
	assert.Len(t, written, 1)
	assert.NotEmpty(t, written[0].ID)
	assert.Equal(t, models.InfoSeverity, written[0].Severity)
	assert.False(t, written[0].CreatedAt.IsZero())
}

func TestGetAuditTrailFlushesFirst(t *testing.T) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{})

	assert.NoError(t, audit.LogEvent(infoEvent("still buffered")))

	trail, err := audit.GetAuditTrail(storage.AuditFilter{})
	assert.NoError(t, err)
	assert.Len(t, trail, 1, "reads must see in-process writes")
	assert.Equal(t, 0, audit.BufferedCount())
}

func TestGetAuditTrailFiltering(t *testing.T) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{})

	instA := int64(1)
	instB := int64(2)
	assert.NoError(t, audit.LogEvent(models.AuditLogEntry{
		EventType:  models.InstanceStartedEvent,
		InstanceID: &instA,
		Message:    "instance 1 started",
	}))
	assert.NoError(t, audit.LogEvent(models.AuditLogEntry{
		EventType:  models.InstanceCompletedEvent,
		InstanceID: &instA,
		Message:    "instance 1 completed",
	}))
	assert.NoError(t, audit.LogEvent(models.AuditLogEntry{
		EventType:  models.InstanceStartedEvent,
		InstanceID: &instB,
		Message:    "instance 2 started",
	}))

	trail, err := audit.GetAuditTrail(storage.AuditFilter{InstanceID: &instA})
	assert.NoError(t, err)
	assert.Len(t, trail, 2)

	eventType := models.InstanceStartedEvent
	trail, err = audit.GetAuditTrail(storage.AuditFilter{EventType: &eventType})
	assert.NoError(t, err)
	assert.Len(t, trail, 2)

	trail, err = audit.GetAuditTrail(storage.AuditFilter{InstanceID: &instA, EventType: &eventType})
	assert.NoError(t, err)
	assert.Len(t, trail, 1)
}

// TestGenerateAuditReport runs the two-step scenario end to end and checks the
// bucketed report over the instance's full trail.
func TestGenerateAuditReport(t *testing.T) {
	store := storage.NewMockStore()
	audit := service.NewAuditService(store, logger{})
	workflows := service.NewWorkflowService(store, audit, logger{})

	wfID, err := workflows.CreateWorkflow(twoStepDefinition())
	assert.NoError(t, err)
	inst, err := workflows.StartInstance(wfID, "project", "prj-1", "alice", nil)
	assert.NoError(t, err)

	for _, approver := range []string{"A", "B"} {
		a := approvalFor(t, store, inst.ID, 0, approver)
		_, err = workflows.RecordDecision(a.ID, approver, models.ApprovedApprovalStatus, "")
		assert.NoError(t, err)
	}
	c := approvalFor(t, store, inst.ID, 1, "C")
	_, err = workflows.RecordDecision(c.ID, "C", models.RejectedApprovalStatus, "insufficient detail")
	assert.NoError(t, err)
	for _, approver := range []string{"D", "E"} {
		a := approvalFor(t, store, inst.ID, 1, approver)
		_, err = workflows.RecordDecision(a.ID, approver, models.ApprovedApprovalStatus, "")
		assert.NoError(t, err)
	}

	got, err := workflows.GetInstance(inst.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedInstanceStatus, got.Status)

	report, err := audit.GenerateAuditReport(inst.ID)
	assert.NoError(t, err)
	assert.Equal(t, inst.ID, report.InstanceID)
	assert.NotZero(t, report.TotalEvents)

	// Two approvers on step 0, three on step 1.
	assert.Equal(t, 5, report.Stats.Requested)
	assert.Equal(t, 4, report.Stats.Approved)
	assert.Equal(t, 1, report.Stats.Rejected)
	assert.InDelta(t, 0.8, report.Stats.ApprovalRate, 0.0001)

	assert.NotEmpty(t, report.Lifecycle)
	assert.NotEmpty(t, report.Approvals)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Escalations)
	assert.Empty(t, report.Delegations)
}
