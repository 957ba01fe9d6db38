package service

import (
	"fmt"
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AvailabilityPolicy decides how availability checks behave when the user
// directory cannot answer. Fail-open keeps workflows moving at the cost of
// possibly assigning an unavailable approver; fail-closed does the opposite.
type AvailabilityPolicy string

const (
	FailOpenPolicy   AvailabilityPolicy = "fail_open"
	FailClosedPolicy AvailabilityPolicy = "fail_closed"
)

const defaultEscalationExpiry = 48 * time.Hour

// DelegationService reassigns pending approvals when approvers are
// unavailable (delegation) and broadens the approver pool when approvals time
// out (escalation). The two are deliberately distinct operations: delegation
// conserves the step's approver count, escalation grows it.
type DelegationService struct {
	store            storage.Store
	workflows        *WorkflowService
	audit            *AuditService
	logger           Logger
	policy           AvailabilityPolicy
	escalationExpiry time.Duration
}

type DelegationOption func(*DelegationService)

// WithAvailabilityPolicy overrides the default fail-open behavior.
func WithAvailabilityPolicy(policy AvailabilityPolicy) DelegationOption {
	return func(s *DelegationService) {
		s.policy = policy
	}
}

// WithEscalationExpiry overrides the default 48-hour expiry on escalated
// approvals.
func WithEscalationExpiry(d time.Duration) DelegationOption {
	return func(s *DelegationService) {
		if d > 0 {
			s.escalationExpiry = d
		}
	}
}

func NewDelegationService(store storage.Store, workflows *WorkflowService, audit *AuditService, logger Logger, opts ...DelegationOption) *DelegationService {
	s := &DelegationService{
		store:            store,
		workflows:        workflows,
		audit:            audit,
		logger:           logger,
		policy:           FailOpenPolicy,
		escalationExpiry: defaultEscalationExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckApproverAvailability reports whether an approver can act at the given
// moment. An approver is unavailable when the user record is inactive, an
// out-of-office window covers asOf, or an active delegation rule covers asOf.
// Lookup errors resolve per the configured policy; the default is fail-open
// so a flaky directory never blocks workflows.
func (s *DelegationService) CheckApproverAvailability(approverID string, asOf time.Time) bool {
	user, err := s.store.GetUser(approverID)
	if err != nil {
		s.logger.Errorf("Availability lookup failed for %s: %v (policy %s)", approverID, err, s.policy)
		s.logEvent(models.AuditLogEntry{
			EventType: models.ErrorOccurredEvent,
			UserID:    strPtr(approverID),
			Severity:  models.WarningSeverity,
			Message:   "availability lookup failed, applying " + string(s.policy),
			EventData: models.JSONMap{"error": err.Error()},
		})
		return s.policy == FailOpenPolicy
	}
	if !user.IsActive {
		return false
	}
	if user.OutOfOfficeUntil != nil && asOf.Before(*user.OutOfOfficeUntil) {
		return false
	}
	rules, err := s.store.ListActiveDelegationRules(approverID, asOf)
	if err != nil {
		s.logger.Errorf("Delegation rule lookup failed for %s: %v (policy %s)", approverID, err, s.policy)
		return s.policy == FailOpenPolicy
	}
	return len(rules) == 0
}

// DelegateApproval reassigns a pending approval from its assigned approver to
// a delegate. The source row becomes delegated and exactly one new pending
// row is created for the delegate on the same step, so the step's approver
// count is unchanged.
func (s *DelegationService) DelegateApproval(approvalID, delegatorID, delegateID, reason string) (models.WorkflowApproval, error) {
	approval, err := s.store.GetApproval(approvalID)
	if err != nil {
		return models.WorkflowApproval{}, err
	}
	if approval.ApproverID != delegatorID {
		return models.WorkflowApproval{}, NewValidationError("only the assigned approver %s may delegate approval %s", approval.ApproverID, approvalID)
	}
	if approval.Status != models.PendingApprovalStatus {
		return models.WorkflowApproval{}, NewValidationError("approval %s is %s, only pending approvals can be delegated", approvalID, approval.Status)
	}
	now := time.Now()
	if !s.CheckApproverAvailability(delegateID, now) {
		return models.WorkflowApproval{}, NewValidationError("delegate %s is not available", delegateID)
	}

	s.logEvent(models.AuditLogEntry{
		EventType:  models.DelegationInitiatedEvent,
		InstanceID: int64Ptr(approval.InstanceID),
		ApprovalID: strPtr(approvalID),
		UserID:     strPtr(delegatorID),
		Message:    fmt.Sprintf("delegation initiated: %s -> %s", delegatorID, delegateID),
		EventData:  models.JSONMap{"delegate": delegateID, "reason": reason},
	})

	applied, err := s.store.MarkApprovalDelegated(approvalID, delegateID, now)
	if err != nil {
		return models.WorkflowApproval{}, err
	}
	if !applied {
		return models.WorkflowApproval{}, NewValidationError("approval %s was decided concurrently", approvalID)
	}

	successor := models.WorkflowApproval{
		ID:         uuid.NewString(),
		InstanceID: approval.InstanceID,
		StepNumber: approval.StepNumber,
		ApproverID: delegateID,
		Status:     models.PendingApprovalStatus,
		Comments:   fmt.Sprintf("delegated from %s: %s", delegatorID, reason),
		ExpiresAt:  approval.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.SaveApproval(successor); err != nil {
		return models.WorkflowApproval{}, errors.Wrap(err, "create delegate approval")
	}

	s.logEvent(models.AuditLogEntry{
		EventType:  models.ApprovalDelegatedEvent,
		InstanceID: int64Ptr(approval.InstanceID),
		ApprovalID: strPtr(approvalID),
		UserID:     strPtr(delegatorID),
		Message:    "approval delegated to " + delegateID,
	})
	s.logEvent(models.AuditLogEntry{
		EventType:  models.DelegationCompletedEvent,
		InstanceID: int64Ptr(approval.InstanceID),
		ApprovalID: strPtr(successor.ID),
		UserID:     strPtr(delegateID),
		Message:    fmt.Sprintf("delegation completed: %s -> %s", delegatorID, delegateID),
	})
	s.logger.Infof("Approval %s delegated from %s to %s", approvalID, delegatorID, delegateID)
	return successor, nil
}

// AutoDelegateUnavailableApprovers scans the instance's pending approvals and
// delegates each one whose approver is unavailable, following the most
// recently created active delegation rule whose target is itself available.
// Approvers without a resolvable delegate are skipped, not failed.
func (s *DelegationService) AutoDelegateUnavailableApprovers(instanceID int64) ([]models.WorkflowApproval, error) {
	approvals, err := s.store.ListApprovalsByInstance(instanceID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var delegated []models.WorkflowApproval
	for _, approval := range approvals {
		if approval.Status != models.PendingApprovalStatus {
			continue
		}
		if s.CheckApproverAvailability(approval.ApproverID, now) {
			continue
		}
		rules, err := s.store.ListActiveDelegationRules(approval.ApproverID, now)
		if err != nil {
			s.logger.Errorf("Failed to look up delegation rules for %s: %v", approval.ApproverID, err)
			continue
		}
		var delegate string
		for _, rule := range rules {
			if s.CheckApproverAvailability(rule.DelegateToID, now) {
				delegate = rule.DelegateToID
				break
			}
		}
		if delegate == "" {
			s.logger.Infof("No resolvable delegate for unavailable approver %s on approval %s, skipping", approval.ApproverID, approval.ID)
			continue
		}
		successor, err := s.DelegateApproval(approval.ID, approval.ApproverID, delegate, "automatic delegation: approver unavailable")
		if err != nil {
			s.logger.Errorf("Auto-delegation of approval %s failed: %v", approval.ID, err)
			continue
		}
		delegated = append(delegated, successor)
	}
	return delegated, nil
}

// EscalateApproval expires a timed-out approval and creates one new pending
// approval per escalation approver on the same step, each with a fresh
// expiry. Escalation broadens the step's decision pool, so the resolution
// engine is re-evaluated against the new approver set afterwards.
//
// When escalationApprovers is empty the step definition's configured
// escalation list is used; if none can be determined the escalation fails
// with a validation error and creates no rows.
func (s *DelegationService) EscalateApproval(approvalID, reason string, escalationApprovers []string) ([]models.WorkflowApproval, error) {
	approval, err := s.store.GetApproval(approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.PendingApprovalStatus {
		// Decided while the sweep was looking at it; nothing to escalate.
		return nil, nil
	}

	inst, err := s.store.GetInstance(approval.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.InProgressInstanceStatus || approval.StepNumber != inst.CurrentStep {
		// Stale row from a step that already resolved; broadening its pool
		// would change nothing.
		s.logger.Infof("Approval %s belongs to a resolved step, skipping escalation", approvalID)
		return nil, nil
	}
	if len(escalationApprovers) == 0 {
		def, err := s.store.GetWorkflowVersion(inst.WorkflowID, inst.WorkflowVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "definition for instance %d", inst.ID)
		}
		if approval.StepNumber < len(def.Steps) {
			escalationApprovers = def.Steps[approval.StepNumber].EscalationApprovers
		}
	}
	if len(escalationApprovers) == 0 {
		return nil, NewValidationError("no escalation approvers could be determined for approval %s", approvalID)
	}

	s.logEvent(models.AuditLogEntry{
		EventType:  models.EscalationInitiatedEvent,
		InstanceID: int64Ptr(approval.InstanceID),
		ApprovalID: strPtr(approvalID),
		Message:    "escalation initiated: " + reason,
		EventData:  models.JSONMap{"escalation_approvers": escalationApprovers},
	})

	now := time.Now()
	// Re-check immediately before the transition: a concurrent approval must
	// turn the escalation into a no-op.
	applied, err := s.store.UpdateApprovalDecision(approvalID, models.PendingApprovalStatus, models.ExpiredApprovalStatus, "expired: "+reason, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.logger.Infof("Approval %s was decided concurrently, skipping escalation", approvalID)
		return nil, nil
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.ApprovalExpiredEvent,
		InstanceID: int64Ptr(approval.InstanceID),
		ApprovalID: strPtr(approvalID),
		UserID:     strPtr(approval.ApproverID),
		Message:    "approval expired",
	})

	expiresAt := now.Add(s.escalationExpiry)
	created := make([]models.WorkflowApproval, 0, len(escalationApprovers))
	for _, approver := range escalationApprovers {
		escalated := models.WorkflowApproval{
			ID:         uuid.NewString(),
			InstanceID: approval.InstanceID,
			StepNumber: approval.StepNumber,
			ApproverID: approver,
			Status:     models.PendingApprovalStatus,
			Comments:   fmt.Sprintf("escalated from %s: %s", approval.ApproverID, reason),
			ExpiresAt:  &expiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.SaveApproval(escalated); err != nil {
			return created, errors.Wrapf(err, "create escalated approval for %s", approver)
		}
		s.logEvent(models.AuditLogEntry{
			EventType:  models.ApprovalRequestedEvent,
			InstanceID: int64Ptr(approval.InstanceID),
			ApprovalID: strPtr(escalated.ID),
			UserID:     strPtr(approver),
			Message:    "approval requested (escalation)",
			EventData:  models.JSONMap{"step_number": approval.StepNumber},
		})
		created = append(created, escalated)
	}

	s.logEvent(models.AuditLogEntry{
		EventType:  models.EscalationCompletedEvent,
		InstanceID: int64Ptr(approval.InstanceID),
		ApprovalID: strPtr(approvalID),
		Message:    fmt.Sprintf("escalation completed: %d new approvals", len(created)),
	})
	s.logger.Infof("Approval %s escalated to %d approvers", approvalID, len(created))

	// The expired row changed the step's vote math; the step may now be
	// unreachable or already satisfied by the remaining pool.
	if _, err := s.workflows.EvaluateInstanceStep(approval.InstanceID); err != nil {
		s.logger.Errorf("Re-evaluation after escalation of %s failed: %v", approvalID, err)
	}
	return created, nil
}

// CheckAndEscalateTimeouts sweeps pending approvals whose expiry has passed
// and escalates each one. The sweep is designed to run repeatedly on a timer
// and is safe to run concurrently with user decisions: the pending->expired
// conditional update makes a lost race a no-op. Returns the number of
// approvals escalated.
func (s *DelegationService) CheckAndEscalateTimeouts(asOf time.Time) (int, error) {
	expired, err := s.store.ListExpiredApprovals(asOf)
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, approval := range expired {
		created, err := s.EscalateApproval(approval.ID, "approval timed out", nil)
		if err != nil {
			if IsValidationError(err) {
				s.logger.Infof("Skipping escalation of %s: %v", approval.ID, err)
			} else {
				s.logger.Errorf("Escalation of %s failed: %v", approval.ID, err)
			}
			continue
		}
		if len(created) > 0 {
			escalated++
		}
	}
	if escalated > 0 {
		s.logger.Infof("Timeout sweep escalated %d approvals", escalated)
	}
	return escalated, nil
}

func (s *DelegationService) logEvent(entry models.AuditLogEntry) {
	if err := s.audit.LogEvent(entry); err != nil {
		s.logger.Errorf("Failed to record audit event %s: %v", entry.EventType, err)
	}
}
