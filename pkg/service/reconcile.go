package service

import (
	"fmt"
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type InconsistencySeverity string

const (
	CriticalInconsistency InconsistencySeverity = "critical"
	HighInconsistency     InconsistencySeverity = "high"
	MediumInconsistency   InconsistencySeverity = "medium"
	LowInconsistency      InconsistencySeverity = "low"
)

// Inconsistency is one structural drift finding between an instance and its
// pinned workflow definition.
type Inconsistency struct {
	Type        string                `json:"type"`
	Severity    InconsistencySeverity `json:"severity"`
	Description string                `json:"description"`
	Details     models.JSONMap        `json:"details,omitempty"`
}

// Repair records one best-effort fix applied during reconciliation.
type Repair struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ReconciliationReport is the outcome of one reconciliation pass.
// IsConsistent reflects what was found, not what was repaired: a repaired
// instance reports clean only on the next pass.
type ReconciliationReport struct {
	InstanceID      int64           `json:"instance_id"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Repairs         []Repair        `json:"repairs"`
	IsConsistent    bool            `json:"is_consistent"`
	CheckedAt       time.Time       `json:"checked_at"`
}

// ReconciliationService detects and repairs structural inconsistencies
// between a running instance and its workflow definition.
type ReconciliationService struct {
	store  storage.Store
	audit  *AuditService
	logger Logger
}

func NewReconciliationService(store storage.Store, audit *AuditService, logger Logger) *ReconciliationService {
	return &ReconciliationService{
		store:  store,
		audit:  audit,
		logger: logger,
	}
}

// ReconcileWorkflowData runs the fixed battery of consistency checks against
// one instance and applies best-effort repairs. Each finding and each repair
// is audited.
func (s *ReconciliationService) ReconcileWorkflowData(instanceID int64) (ReconciliationReport, error) {
	inst, err := s.store.GetInstance(instanceID)
	if err != nil {
		return ReconciliationReport{}, errors.Wrapf(err, "instance %d", instanceID)
	}

	report := ReconciliationReport{
		InstanceID: instanceID,
		CheckedAt:  time.Now(),
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.ReconciliationInitiatedEvent,
		WorkflowID: int64Ptr(inst.WorkflowID),
		InstanceID: int64Ptr(instanceID),
		Message:    "reconciliation initiated",
	})

	def, defErr := s.store.GetWorkflowVersion(inst.WorkflowID, inst.WorkflowVersion)
	if defErr != nil {
		// Check 1: the pinned definition version is gone. Nothing downstream
		// can be verified, and no automatic repair is possible.
		s.addInconsistency(&report, inst, Inconsistency{
			Type:        "missing_workflow_definition",
			Severity:    CriticalInconsistency,
			Description: fmt.Sprintf("workflow %d version %d not found", inst.WorkflowID, inst.WorkflowVersion),
		})
	}

	approvals, err := s.store.ListApprovalsByInstance(instanceID)
	if err != nil {
		return report, errors.Wrapf(err, "approvals for instance %d", instanceID)
	}

	if defErr == nil && inst.Status == models.InProgressInstanceStatus {
		// Check 2: an in-progress instance must have approval rows for its
		// current step; synthesize them from the step definition if missing.
		current := 0
		for _, a := range approvals {
			if a.StepNumber == inst.CurrentStep {
				current++
			}
		}
		if current == 0 {
			s.addInconsistency(&report, inst, Inconsistency{
				Type:        "missing_approvals",
				Severity:    HighInconsistency,
				Description: fmt.Sprintf("in-progress instance has no approval rows for current step %d", inst.CurrentStep),
				Details:     models.JSONMap{"current_step": inst.CurrentStep},
			})
			if inst.CurrentStep >= 0 && inst.CurrentStep < len(def.Steps) {
				if err := s.repairMissingApprovals(&report, inst, def.Steps[inst.CurrentStep]); err != nil {
					s.logger.Errorf("Repair of missing approvals for instance %d failed: %v", instanceID, err)
				}
			}
		}
	}

	if inst.Status == models.CompletedInstanceStatus && inst.CompletedAt == nil {
		// Check 3: completed without a completion timestamp.
		s.addInconsistency(&report, inst, Inconsistency{
			Type:        "missing_completion_timestamp",
			Severity:    MediumInconsistency,
			Description: "completed instance has no completion timestamp",
		})
		s.repair(&report, inst, "stamp_completion_time", "stamped completion timestamp with current time", func() error {
			return s.store.SetInstanceCompletedAt(instanceID, time.Now())
		})
	}

	if defErr == nil {
		// Check 4: approval rows beyond the definition's last step. Reported
		// only; deciding what to do with them takes human judgment.
		maxStep := len(def.Steps) - 1
		for _, a := range approvals {
			if a.StepNumber > maxStep {
				s.addInconsistency(&report, inst, Inconsistency{
					Type:        "orphaned_approval",
					Severity:    LowInconsistency,
					Description: fmt.Sprintf("approval %s references step %d beyond last step %d", a.ID, a.StepNumber, maxStep),
					Details:     models.JSONMap{"approval_id": a.ID, "step_number": a.StepNumber},
				})
			}
		}
	}

	report.IsConsistent = len(report.Inconsistencies) == 0
	s.logEvent(models.AuditLogEntry{
		EventType:  models.ReconciliationCompletedEvent,
		WorkflowID: int64Ptr(inst.WorkflowID),
		InstanceID: int64Ptr(instanceID),
		Message:    fmt.Sprintf("reconciliation completed: %d inconsistencies, %d repairs", len(report.Inconsistencies), len(report.Repairs)),
		EventData: models.JSONMap{
			"inconsistencies": len(report.Inconsistencies),
			"repairs":         len(report.Repairs),
			"is_consistent":   report.IsConsistent,
		},
	})
	return report, nil
}

func (s *ReconciliationService) addInconsistency(report *ReconciliationReport, inst models.WorkflowInstance, inc Inconsistency) {
	report.Inconsistencies = append(report.Inconsistencies, inc)
	severity := models.WarningSeverity
	if inc.Severity == CriticalInconsistency {
		severity = models.CriticalSeverity
	}
	s.logEvent(models.AuditLogEntry{
		EventType:  models.InconsistencyDetectedEvent,
		WorkflowID: int64Ptr(inst.WorkflowID),
		InstanceID: int64Ptr(inst.ID),
		Severity:   severity,
		Message:    inc.Description,
		EventData:  models.JSONMap{"type": inc.Type, "severity": string(inc.Severity)},
	})
	s.logger.Infof("Inconsistency on instance %d: %s (%s)", inst.ID, inc.Type, inc.Severity)
}

// repair runs one repair action, bracketing it with recovery audit events.
func (s *ReconciliationService) repair(report *ReconciliationReport, inst models.WorkflowInstance, repairType, description string, fn func() error) {
	s.logEvent(models.AuditLogEntry{
		EventType:  models.RecoveryInitiatedEvent,
		InstanceID: int64Ptr(inst.ID),
		Message:    "repair initiated: " + repairType,
	})
	if err := fn(); err != nil {
		s.logger.Errorf("Repair %s for instance %d failed: %v", repairType, inst.ID, err)
		s.logEvent(models.AuditLogEntry{
			EventType:  models.RecoveryFailedEvent,
			InstanceID: int64Ptr(inst.ID),
			Severity:   models.ErrorSeverity,
			Message:    fmt.Sprintf("repair %s failed: %v", repairType, err),
		})
		return
	}
	report.Repairs = append(report.Repairs, Repair{Type: repairType, Description: description})
	s.logEvent(models.AuditLogEntry{
		EventType:  models.RecoveryCompletedEvent,
		InstanceID: int64Ptr(inst.ID),
		Message:    "repair completed: " + description,
	})
}

// repairMissingApprovals synthesizes the missing approval rows for the
// instance's current step from the step definition's approver list.
func (s *ReconciliationService) repairMissingApprovals(report *ReconciliationReport, inst models.WorkflowInstance, step models.WorkflowStep) error {
	if len(step.Approvers) == 0 {
		return errors.Errorf("step %d has no configured approvers to synthesize from", step.StepOrder)
	}
	s.repair(report, inst, "synthesize_approvals",
		fmt.Sprintf("created %d approval rows for step %d from the step definition", len(step.Approvers), step.StepOrder),
		func() error {
			now := time.Now()
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
					Comments:   "synthesized by reconciliation",
					ExpiresAt:  expiresAt,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := s.store.SaveApproval(approval); err != nil {
					return err
				}
				s.logEvent(models.AuditLogEntry{
					EventType:  models.ApprovalRequestedEvent,
					InstanceID: int64Ptr(inst.ID),
					ApprovalID: strPtr(approval.ID),
					UserID:     strPtr(approver),
					Message:    "approval requested (reconciliation repair)",
					EventData:  models.JSONMap{"step_number": step.StepOrder},
				})
			}
			return nil
		})
	return nil
}

func (s *ReconciliationService) logEvent(entry models.AuditLogEntry) {
	if err := s.audit.LogEvent(entry); err != nil {
		s.logger.Errorf("Failed to record audit event %s: %v", entry.EventType, err)
	}
}
