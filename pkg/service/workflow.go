package service

import (
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the workflow services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// WorkflowService owns the instance state machine. It advances instances
// step-by-step using ResolveStep, creates approval requests, and records every
// transition in the audit trail.
type WorkflowService struct {
	store  storage.Store
	audit  *AuditService
	logger Logger
}

func NewWorkflowService(store storage.Store, audit *AuditService, logger Logger) *WorkflowService {
	return &WorkflowService{
		store:  store,
		audit:  audit,
		logger: logger,
	}
}

// ValidateSteps checks the structural invariants of a step list: a dense
// step_order sequence from 0, at least one approver or role per approval step,
// and the per-type approver-count bounds.
func ValidateSteps(steps []models.WorkflowStep) error {
	if len(steps) == 0 {
		return NewValidationError("workflow must define at least one step")
	}
	for i, st := range steps {
		if st.StepOrder != i {
			return NewValidationError("step_order must be a dense sequence starting at 0; got %d at position %d", st.StepOrder, i)
		}
		if st.StepType != models.ApprovalStepType {
			continue
		}
		if len(st.Approvers) == 0 && len(st.ApproverRoles) == 0 {
			return NewValidationError("approval step %d must specify at least one approver or approver role", i)
		}
		switch st.ApprovalType {
		case models.AnyApproval, models.AllApproval:
		case models.MajorityApproval:
			if len(st.Approvers) < 2 {
				return NewValidationError("approval step %d: MAJORITY requires at least 2 approvers", i)
			}
		case models.QuorumApproval:
			if st.QuorumCount == nil {
				return NewValidationError("approval step %d: QUORUM requires quorum_count", i)
			}
			if *st.QuorumCount < 1 || *st.QuorumCount > len(st.Approvers) {
				return NewValidationError("approval step %d: quorum_count %d out of range [1, %d]", i, *st.QuorumCount, len(st.Approvers))
			}
		default:
			return NewValidationError("approval step %d: unknown approval type %q", i, st.ApprovalType)
		}
	}
	return nil
}

// CreateWorkflow stores a new workflow definition at version 1.
func (s *WorkflowService) CreateWorkflow(def models.WorkflowDefinition) (id int64, err error) {
	if def.Name == "" {
		return 0, NewValidationError("workflow name cannot be empty")
	}
	if len(def.Name) > 100 {
		return 0, NewValidationError("workflow name too long (max 100 characters)")
	}
	if err := ValidateSteps(def.Steps); err != nil {
		return 0, err
	}
	if def.Status == "" {
		def.Status = models.DraftWorkflowStatus
	}
	def.Version = 1
	def.CreatedAt = time.Now()
	def.UpdatedAt = def.CreatedAt

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	id, err = txStore.SaveWorkflow(def)
	if err != nil {
		return 0, err
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.WorkflowCreatedEvent,
		WorkflowID: int64Ptr(id),
		UserID:     strPtr(def.CreatedBy),
		Message:    "workflow definition created",
		EventData:  models.JSONMap{"name": def.Name, "version": 1, "steps": len(def.Steps)},
	})
	s.logger.Infof("Created workflow '%s' with ID %d", def.Name, id)
	return id, nil
}

// UpdateWorkflowSteps creates a new definition version with the given steps.
// The previous version's steps stay stored verbatim; instances pinned to them
// are unaffected. Returns the new version number.
func (s *WorkflowService) UpdateWorkflowSteps(id int64, steps []models.WorkflowStep, metadata models.JSONMap) (version int, err error) {
	if err := ValidateSteps(steps); err != nil {
		return 0, err
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	wf, err := txStore.GetWorkflow(id)
	if err != nil {
		return 0, err
	}
	version = wf.Version + 1
	if err = txStore.SaveWorkflowSteps(id, version, steps); err != nil {
		return 0, err
	}
	if err = txStore.UpdateWorkflowVersion(id, version, metadata); err != nil {
		return 0, err
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.WorkflowUpdatedEvent,
		WorkflowID: int64Ptr(id),
		Message:    "workflow definition updated",
		EventData:  models.JSONMap{"version": version, "steps": len(steps)},
	})
	s.logger.Infof("Updated workflow %d to version %d", id, version)
	return version, nil
}

// ActivateWorkflow moves a draft or archived definition to active.
func (s *WorkflowService) ActivateWorkflow(id int64) error {
	return s.setWorkflowStatus(id, models.ActiveWorkflowStatus, models.WorkflowActivatedEvent)
}

// ArchiveWorkflow retires a definition. Archived definitions are never
// deleted and running instances finish on their pinned version.
func (s *WorkflowService) ArchiveWorkflow(id int64) error {
	return s.setWorkflowStatus(id, models.ArchivedWorkflowStatus, models.WorkflowDeactivatedEvent)
}

func (s *WorkflowService) setWorkflowStatus(id int64, status models.WorkflowStatus, event models.AuditEventType) error {
	if _, err := s.store.GetWorkflow(id); err != nil {
		return err
	}
	if err := s.store.UpdateWorkflowStatus(id, status); err != nil {
		return err
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  event,
		WorkflowID: int64Ptr(id),
		Message:    "workflow status changed to " + string(status),
	})
	s.logger.Infof("Workflow %d status changed to '%s'", id, status)
	return nil
}

func (s *WorkflowService) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	return s.store.GetWorkflow(id)
}

func (s *WorkflowService) ListWorkflows() ([]models.WorkflowDefinition, error) {
	return s.store.ListWorkflows()
}

func (s *WorkflowService) GetInstance(id int64) (models.WorkflowInstance, error) {
	return s.store.GetInstance(id)
}

func (s *WorkflowService) ListInstances(workflowID int64) ([]models.WorkflowInstance, error) {
	return s.store.ListInstancesByWorkflow(workflowID)
}

// StartInstance creates an instance of the workflow's current version, pinned
// for the instance's lifetime, and opens step 0 with one pending approval per
// required approver.
func (s *WorkflowService) StartInstance(workflowID int64, entityType, entityID, initiator string, context models.JSONMap) (inst models.WorkflowInstance, err error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if wf.Status != models.ActiveWorkflowStatus {
		return models.WorkflowInstance{}, NewValidationError("workflow %d is %s, only active workflows can start instances", workflowID, wf.Status)
	}
	if len(wf.Steps) == 0 {
		return models.WorkflowInstance{}, NewValidationError("workflow %d version %d has no steps", workflowID, wf.Version)
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	now := time.Now()
	inst = models.WorkflowInstance{
		WorkflowID:      workflowID,
		WorkflowVersion: wf.Version,
		EntityType:      entityType,
		EntityID:        entityID,
		CurrentStep:     0,
		Status:          models.InProgressInstanceStatus,
		Context:         context,
		InitiatedBy:     initiator,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inst.ID, err = txStore.SaveInstance(inst)
	if err != nil {
		return models.WorkflowInstance{}, err
	}

	s.logEvent(models.AuditLogEntry{
		EventType:  models.InstanceCreatedEvent,
		WorkflowID: int64Ptr(workflowID),
		InstanceID: int64Ptr(inst.ID),
		UserID:     strPtr(initiator),
		Message:    "workflow instance created",
		EventData:  models.JSONMap{"entity_type": entityType, "entity_id": entityID, "workflow_version": wf.Version},
	})
	s.logEvent(models.AuditLogEntry{
		EventType:  models.InstanceStartedEvent,
		WorkflowID: int64Ptr(workflowID),
		InstanceID: int64Ptr(inst.ID),
		UserID:     strPtr(initiator),
		Message:    "workflow instance started",
	})

	if err = s.openStep(txStore, inst, wf.Steps[0], now); err != nil {
		return models.WorkflowInstance{}, err
	}
	s.logger.Infof("Started instance %d of workflow %d (version %d) for %s/%s",
		inst.ID, workflowID, wf.Version, entityType, entityID)
	return inst, nil
}

// openStep creates the pending approval rows for a step and audits the step
// start and each approval request.
func (s *WorkflowService) openStep(txStore storage.Store, inst models.WorkflowInstance, step models.WorkflowStep, now time.Time) error {
	s.logEvent(models.AuditLogEntry{
		EventType:  models.StepStartedEvent,
		InstanceID: int64Ptr(inst.ID),
		Message:    "step started: " + step.Name,
		EventData:  models.JSONMap{"step_order": step.StepOrder, "approval_type": string(step.ApprovalType)},
	})

	var expiresAt *time.Time
	if step.TimeoutHours != nil {
		expiresAt = timePtr(now.Add(time.Duration(*step.TimeoutHours) * time.Hour))
	}
	for _, approver := range step.Approvers {
		approval := models.WorkflowApproval{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			StepNumber: step.StepOrder,
			ApproverID: approver,
			Status:     models.PendingApprovalStatus,
			ExpiresAt:  expiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := txStore.SaveApproval(approval); err != nil {
			return errors.Wrapf(err, "create approval for %s on step %d", approver, step.StepOrder)
		}
		s.logEvent(models.AuditLogEntry{
			EventType:  models.ApprovalRequestedEvent,
			InstanceID: int64Ptr(inst.ID),
			ApprovalID: strPtr(approval.ID),
			UserID:     strPtr(approver),
			Message:    "approval requested",
			EventData:  models.JSONMap{"step_number": step.StepOrder},
		})
	}
	return nil
}

// RecordDecision applies one approver's decision and advances the instance if
// the step resolves. Recording a decision on an already-decided approval is a
// no-op that returns the current instance state, which makes concurrent
// duplicate decisions safe.
func (s *WorkflowService) RecordDecision(approvalID, approverID string, decision models.ApprovalStatus, comments string) (models.WorkflowInstance, error) {
	if decision != models.ApprovedApprovalStatus && decision != models.RejectedApprovalStatus {
		return models.WorkflowInstance{}, NewValidationError("decision must be %q or %q", models.ApprovedApprovalStatus, models.RejectedApprovalStatus)
	}

	approval, err := s.store.GetApproval(approvalID)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if approval.ApproverID != approverID {
		return models.WorkflowInstance{}, NewValidationError("approval %s is assigned to %s, not %s", approvalID, approval.ApproverID, approverID)
	}
	if approval.Status != models.PendingApprovalStatus {
		// Already resolved: at most one effective decision per approval row.
		return s.store.GetInstance(approval.InstanceID)
	}

	now := time.Now()
	applied, err := s.store.UpdateApprovalDecision(approvalID, models.PendingApprovalStatus, decision, comments, now)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if !applied {
		// A concurrent caller decided first.
		return s.store.GetInstance(approval.InstanceID)
	}

	event := models.ApprovalApprovedEvent
	if decision == models.RejectedApprovalStatus {
		event = models.ApprovalRejectedEvent
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  event,
		InstanceID: int64Ptr(approval.InstanceID),
		ApprovalID: strPtr(approvalID),
		UserID:     strPtr(approverID),
		Message:    "approval " + string(decision),
		EventData:  models.JSONMap{"step_number": approval.StepNumber, "comments": comments},
	})

	return s.EvaluateInstanceStep(approval.InstanceID)
}

// EvaluateInstanceStep re-resolves the instance's current step and performs
// the resulting transition, if any. It is safe to call repeatedly: the
// store-level conditional updates guarantee each transition happens once even
// under concurrent evaluation.
func (s *WorkflowService) EvaluateInstanceStep(instanceID int64) (models.WorkflowInstance, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if inst.Status != models.InProgressInstanceStatus {
		return inst, nil
	}

	def, err := s.store.GetWorkflowVersion(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return inst, errors.Wrapf(err, "definition for instance %d", instanceID)
	}
	if inst.CurrentStep < 0 || inst.CurrentStep >= len(def.Steps) {
		return inst, errors.Errorf("instance %d current step %d out of range for %d steps", instanceID, inst.CurrentStep, len(def.Steps))
	}
	step := def.Steps[inst.CurrentStep]

	approvals, err := s.store.ListApprovalsForStep(instanceID, inst.CurrentStep)
	if err != nil {
		return inst, err
	}
	resolution, err := ResolveStep(step, approvals)
	if err != nil {
		return inst, err
	}

	switch resolution {
	case ResolutionSatisfied:
		return s.advanceInstance(inst, def, step)
	case ResolutionRejected:
		return s.rejectInstance(inst, step, approvals)
	}
	return inst, nil
}

// advanceInstance moves a satisfied instance to the next step, or completes
// it when the satisfied step was the last one. The conditional store updates
// ensure two racing SATISFIED observations advance exactly once.
func (s *WorkflowService) advanceInstance(inst models.WorkflowInstance, def models.WorkflowDefinition, step models.WorkflowStep) (models.WorkflowInstance, error) {
	s.logEvent(models.AuditLogEntry{
		EventType:  models.StepCompletedEvent,
		InstanceID: int64Ptr(inst.ID),
		Message:    "step satisfied: " + step.Name,
		EventData:  models.JSONMap{"step_order": step.StepOrder},
	})

	now := time.Now()
	if inst.CurrentStep >= len(def.Steps)-1 {
		applied, err := s.store.UpdateInstanceStatus(inst.ID, models.InProgressInstanceStatus, models.CompletedInstanceStatus, timePtr(now))
		if err != nil {
			return inst, err
		}
		if applied {
			s.logEvent(models.AuditLogEntry{
				EventType:  models.InstanceCompletedEvent,
				WorkflowID: int64Ptr(inst.WorkflowID),
				InstanceID: int64Ptr(inst.ID),
				Message:    "workflow instance completed",
			})
			s.logger.Infof("Instance %d completed", inst.ID)
		}
		return s.store.GetInstance(inst.ID)
	}

	nextStep := inst.CurrentStep + 1
	applied, err := s.store.AdvanceInstanceStep(inst.ID, inst.CurrentStep, nextStep)
	if err != nil {
		return inst, err
	}
	if !applied {
		// Another evaluation won the race; nothing more to do here.
		return s.store.GetInstance(inst.ID)
	}

	inst.CurrentStep = nextStep
	if err := s.openStepTx(inst, def.Steps[nextStep], now); err != nil {
		return inst, err
	}
	s.logger.Infof("Instance %d advanced to step %d", inst.ID, nextStep)
	return s.store.GetInstance(inst.ID)
}

// openStepTx opens a step's approvals inside its own transaction.
func (s *WorkflowService) openStepTx(inst models.WorkflowInstance, step models.WorkflowStep, now time.Time) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return s.openStep(txStore, inst, step, now)
}

func (s *WorkflowService) rejectInstance(inst models.WorkflowInstance, step models.WorkflowStep, approvals []models.WorkflowApproval) (models.WorkflowInstance, error) {
	applied, err := s.store.UpdateInstanceStatus(inst.ID, models.InProgressInstanceStatus, models.RejectedInstanceStatus, nil)
	if err != nil {
		return inst, err
	}
	if applied {
		data := models.JSONMap{"step_order": step.StepOrder, "step_name": step.Name}
		for _, a := range approvals {
			if a.Status == models.RejectedApprovalStatus {
				data["rejected_by"] = a.ApproverID
				data["reason"] = a.Comments
				break
			}
		}
		s.logEvent(models.AuditLogEntry{
			EventType:  models.InstanceRejectedEvent,
			WorkflowID: int64Ptr(inst.WorkflowID),
			InstanceID: int64Ptr(inst.ID),
			Severity:   models.WarningSeverity,
			Message:    "workflow instance rejected at step " + step.Name,
			EventData:  data,
		})
		s.logger.Infof("Instance %d rejected at step %d", inst.ID, step.StepOrder)
	}
	return s.store.GetInstance(inst.ID)
}

// CancelInstance cancels a non-terminal instance. Cancellation is always an
// explicit caller action, never a side effect of business rules.
func (s *WorkflowService) CancelInstance(id int64, userID, reason string) (models.WorkflowInstance, error) {
	inst, err := s.store.GetInstance(id)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if inst.Status.IsTerminal() {
		return inst, NewValidationError("instance %d is already %s", id, inst.Status)
	}
	applied, err := s.store.UpdateInstanceStatus(id, inst.Status, models.CancelledInstanceStatus, nil)
	if err != nil {
		return inst, err
	}
	if !applied {
		return s.store.GetInstance(id)
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.InstanceCancelledEvent,
		WorkflowID: int64Ptr(inst.WorkflowID),
		InstanceID: int64Ptr(id),
		UserID:     strPtr(userID),
		Message:    "workflow instance cancelled",
		EventData:  models.JSONMap{"reason": reason},
	})
	s.logger.Infof("Instance %d cancelled by %s", id, userID)
	return s.store.GetInstance(id)
}

// SuspendInstance pauses an in-progress instance.
func (s *WorkflowService) SuspendInstance(id int64, reason string) (models.WorkflowInstance, error) {
	applied, err := s.store.UpdateInstanceStatus(id, models.InProgressInstanceStatus, models.SuspendedInstanceStatus, nil)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if !applied {
		inst, getErr := s.store.GetInstance(id)
		if getErr != nil {
			return models.WorkflowInstance{}, getErr
		}
		return inst, NewValidationError("instance %d is %s, only in_progress instances can be suspended", id, inst.Status)
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.InstanceSuspendedEvent,
		InstanceID: int64Ptr(id),
		Message:    "workflow instance suspended",
		EventData:  models.JSONMap{"reason": reason},
	})
	return s.store.GetInstance(id)
}

// ResumeInstance returns a suspended instance to in_progress.
func (s *WorkflowService) ResumeInstance(id int64) (models.WorkflowInstance, error) {
	applied, err := s.store.UpdateInstanceStatus(id, models.SuspendedInstanceStatus, models.InProgressInstanceStatus, nil)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if !applied {
		inst, getErr := s.store.GetInstance(id)
		if getErr != nil {
			return models.WorkflowInstance{}, getErr
		}
		return inst, NewValidationError("instance %d is %s, only suspended instances can be resumed", id, inst.Status)
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.InstanceResumedEvent,
		InstanceID: int64Ptr(id),
		Message:    "workflow instance resumed",
	})
	return s.store.GetInstance(id)
}

// logEvent records an audit entry, logging and swallowing sink failures so
// audit side effects never fail the primary operation.
func (s *WorkflowService) logEvent(entry models.AuditLogEntry) {
	if err := s.audit.LogEvent(entry); err != nil {
		s.logger.Errorf("Failed to record audit event %s: %v", entry.EventType, err)
	}
}
