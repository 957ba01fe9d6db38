package storage

import (
	"testing"
	"time"

	"github.com/Stefan/orka-ppm-sub005/internal/testutil"
	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func setupStore(t *testing.T) (*PostgresStore, func()) {
	testDB := testutil.SetupTestDB(t)
	store, err := NewPostgresStore(testDB.ConnStr)
	if err != nil {
		testDB.Teardown(t)
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, func() {
		testDB.Teardown(t)
	}
}

func intPtr(v int) *int { return &v }

func sampleWorkflow() models.WorkflowDefinition {
	now := time.Now()
	return models.WorkflowDefinition{
		Name:      "budget-approval",
		Status:    models.ActiveWorkflowStatus,
		Version:   1,
		CreatedBy: "owner",
		CreatedAt: now,
		UpdatedAt: now,
		Steps: []models.WorkflowStep{
			{
				StepOrder:    0,
				StepType:     models.ApprovalStepType,
				Name:         "first",
				Approvers:    []string{"A", "B"},
				ApprovalType: models.AllApproval,
				TimeoutHours: intPtr(24),
			},
			{
				StepOrder:           1,
				StepType:            models.ApprovalStepType,
				Name:                "second",
				Approvers:           []string{"C", "D", "E"},
				ApprovalType:        models.QuorumApproval,
				QuorumCount:         intPtr(2),
				EscalationApprovers: []string{"M"},
			},
		},
	}
}

func saveInstance(t *testing.T, store *PostgresStore, wfID int64, version int, status models.InstanceStatus) int64 {
	t.Helper()
	now := time.Now()
	id, err := store.SaveInstance(models.WorkflowInstance{
		WorkflowID:      wfID,
		WorkflowVersion: version,
		EntityType:      "project",
		EntityID:        "prj-1",
		CurrentStep:     0,
		Status:          status,
		InitiatedBy:     "alice",
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	assert.NoError(t, err)
	return id
}

func TestPostgresStoreWorkflowVersions(t *testing.T) {
	store, teardown := setupStore(t)
	defer teardown()

	wfID, err := store.SaveWorkflow(sampleWorkflow())
	assert.NoError(t, err)

	wf, err := store.GetWorkflow(wfID)
	assert.NoError(t, err)
	assert.Equal(t, "budget-approval", wf.Name)
	assert.Equal(t, 1, wf.Version)
	assert.Len(t, wf.Steps, 2)
	assert.Equal(t, []string{"A", "B"}, []string(wf.Steps[0].Approvers))
	assert.NotNil(t, wf.Steps[1].QuorumCount)
	assert.Equal(t, 2, *wf.Steps[1].QuorumCount)

	// New version replaces the current step list but leaves version 1 intact.
	v2Steps := []models.WorkflowStep{
		{
			StepOrder:    0,
			StepType:     models.ApprovalStepType,
			Name:         "only",
			Approvers:    []string{"Z"},
			ApprovalType: models.AnyApproval,
		},
	}
	assert.NoError(t, store.SaveWorkflowSteps(wfID, 2, v2Steps))
	assert.NoError(t, store.UpdateWorkflowVersion(wfID, 2, nil))

	wf, err = store.GetWorkflow(wfID)
	assert.NoError(t, err)
	assert.Equal(t, 2, wf.Version)
	assert.Len(t, wf.Steps, 1)

	v1, err := store.GetWorkflowVersion(wfID, 1)
	assert.NoError(t, err)
	assert.Len(t, v1.Steps, 2)
	assert.Equal(t, "first", v1.Steps[0].Name)

	_, err = store.GetWorkflowVersion(wfID, 9)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetWorkflow(404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresStoreInstanceConditionalUpdates(t *testing.T) {
	store, teardown := setupStore(t)
	defer teardown()

	wfID, err := store.SaveWorkflow(sampleWorkflow())
	assert.NoError(t, err)
	id := saveInstance(t, store, wfID, 1, models.InProgressInstanceStatus)

	t.Run("AdvanceStep", func(t *testing.T) {
		applied, err := store.AdvanceInstanceStep(id, 0, 1)
		assert.NoError(t, err)
		assert.True(t, applied)

		// Same precondition again: the race loser gets false.
		applied, err = store.AdvanceInstanceStep(id, 0, 1)
		assert.NoError(t, err)
		assert.False(t, applied)

		inst, err := store.GetInstance(id)
		assert.NoError(t, err)
		assert.Equal(t, 1, inst.CurrentStep)
	})

	t.Run("StatusTransition", func(t *testing.T) {
		now := time.Now()
		applied, err := store.UpdateInstanceStatus(id, models.SuspendedInstanceStatus, models.InProgressInstanceStatus, nil)
		assert.NoError(t, err)
		assert.False(t, applied, "wrong expected status must not apply")

		applied, err = store.UpdateInstanceStatus(id, models.InProgressInstanceStatus, models.CompletedInstanceStatus, &now)
		assert.NoError(t, err)
		assert.True(t, applied)

		inst, err := store.GetInstance(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedInstanceStatus, inst.Status)
		assert.NotNil(t, inst.CompletedAt)
	})
}

func TestPostgresStoreApprovals(t *testing.T) {
	store, teardown := setupStore(t)
	defer teardown()

	wfID, err := store.SaveWorkflow(sampleWorkflow())
	assert.NoError(t, err)
	instID := saveInstance(t, store, wfID, 1, models.InProgressInstanceStatus)

	now := time.Now()
	expired := now.Add(-time.Hour)
	a := models.WorkflowApproval{
		ID:         uuid.NewString(),
		InstanceID: instID,
		StepNumber: 0,
		ApproverID: "A",
		Status:     models.PendingApprovalStatus,
		ExpiresAt:  &expired,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	assert.NoError(t, store.SaveApproval(a))

	got, err := store.GetApproval(a.ID)
	assert.NoError(t, err)
	assert.Equal(t, "A", got.ApproverID)

	stale, err := store.ListExpiredApprovals(now)
	assert.NoError(t, err)
	assert.Len(t, stale, 1)

	applied, err := store.UpdateApprovalDecision(a.ID, models.PendingApprovalStatus, models.ApprovedApprovalStatus, "lgtm", now)
	assert.NoError(t, err)
	assert.True(t, applied)

	// The decided row is out of the pending pool for both duplicate decisions
	// and delegation.
	applied, err = store.UpdateApprovalDecision(a.ID, models.PendingApprovalStatus, models.RejectedApprovalStatus, "", now)
	assert.NoError(t, err)
	assert.False(t, applied)
	applied, err = store.MarkApprovalDelegated(a.ID, "X", now)
	assert.NoError(t, err)
	assert.False(t, applied)

	stale, err = store.ListExpiredApprovals(now)
	assert.NoError(t, err)
	assert.Empty(t, stale)

	got, err = store.GetApproval(a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ApprovedApprovalStatus, got.Status)
	assert.Equal(t, "lgtm", got.Comments)
	assert.NotNil(t, got.DecidedAt)
}

func TestPostgresStoreAuditEntries(t *testing.T) {
	store, teardown := setupStore(t)
	defer teardown()

	wfID, err := store.SaveWorkflow(sampleWorkflow())
	assert.NoError(t, err)
	instID := saveInstance(t, store, wfID, 1, models.InProgressInstanceStatus)

	now := time.Now()
	entries := []models.AuditLogEntry{
		{
			ID:         uuid.NewString(),
			EventType:  models.InstanceStartedEvent,
			WorkflowID: &wfID,
			InstanceID: &instID,
			Severity:   models.InfoSeverity,
			Message:    "started",
			CreatedAt:  now,
		},
		{
			ID:         uuid.NewString(),
			EventType:  models.ApprovalApprovedEvent,
			InstanceID: &instID,
			Severity:   models.InfoSeverity,
			Message:    "approved",
			EventData:  models.JSONMap{"step_number": 0},
			CreatedAt:  now.Add(time.Second),
		},
		{
			ID:        uuid.NewString(),
			EventType: models.SystemErrorEvent,
			Severity:  models.ErrorSeverity,
			Message:   "unrelated",
			CreatedAt: now.Add(2 * time.Second),
		},
	}
	assert.NoError(t, store.SaveAuditEntries(entries))

	all, err := store.ListAuditEntries(storage.AuditFilter{})
	assert.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "started", all[0].Message, "entries come back in chronological order")

	byInstance, err := store.ListAuditEntries(storage.AuditFilter{InstanceID: &instID})
	assert.NoError(t, err)
	assert.Len(t, byInstance, 2)

	severity := models.ErrorSeverity
	bySeverity, err := store.ListAuditEntries(storage.AuditFilter{Severity: &severity})
	assert.NoError(t, err)
	assert.Len(t, bySeverity, 1)

	from := now.Add(500 * time.Millisecond)
	recent, err := store.ListAuditEntries(storage.AuditFilter{From: &from})
	assert.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestPostgresStoreUsersAndDelegationRules(t *testing.T) {
	store, teardown := setupStore(t)
	defer teardown()

	now := time.Now()
	assert.NoError(t, store.SaveUser(models.User{ID: "alice", DisplayName: "Alice", IsActive: true, CreatedAt: now}))

	u, err := store.GetUser("alice")
	assert.NoError(t, err)
	assert.True(t, u.IsActive)

	// SaveUser upserts.
	assert.NoError(t, store.SaveUser(models.User{ID: "alice", DisplayName: "Alice", IsActive: false, CreatedAt: now}))
	u, err = store.GetUser("alice")
	assert.NoError(t, err)
	assert.False(t, u.IsActive)

	_, err = store.GetUser("nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	endsAt := now.Add(24 * time.Hour)
	_, err = store.SaveDelegationRule(models.DelegationRule{
		DelegatorID:  "alice",
		DelegateToID: "bob",
		StartsAt:     now.Add(-time.Hour),
		EndsAt:       &endsAt,
		IsActive:     true,
		CreatedAt:    now.Add(-time.Hour),
	})
	assert.NoError(t, err)
	_, err = store.SaveDelegationRule(models.DelegationRule{
		DelegatorID:  "alice",
		DelegateToID: "carol",
		StartsAt:     now.Add(-time.Minute),
		IsActive:     true,
		CreatedAt:    now.Add(-time.Minute),
	})
	assert.NoError(t, err)

	rules, err := store.ListActiveDelegationRules("alice", now)
	assert.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Equal(t, "carol", rules[0].DelegateToID, "most recently created rule wins")

	// The bounded rule has ended by now; only the open-ended one remains.
	rules, err = store.ListActiveDelegationRules("alice", now.Add(48*time.Hour))
	assert.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, "carol", rules[0].DelegateToID)
}

func TestPostgresStoreTransactions(t *testing.T) {
	store, teardown := setupStore(t)
	defer teardown()

	t.Run("RollbackDiscards", func(t *testing.T) {
		tx, err := store.Begin()
		assert.NoError(t, err)
		wfID, err := tx.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		assert.NoError(t, tx.Rollback())

		_, err = store.GetWorkflow(wfID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CommitPersists", func(t *testing.T) {
		tx, err := store.Begin()
		assert.NoError(t, err)
		wfID, err := tx.SaveWorkflow(sampleWorkflow())
		assert.NoError(t, err)
		assert.NoError(t, tx.Commit())

		wf, err := store.GetWorkflow(wfID)
		assert.NoError(t, err)
		assert.Len(t, wf.Steps, 2)
	})
}
