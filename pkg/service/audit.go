package service

import (
	"sync"
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultAuditBatchSize = 100

// FlushPolicy decides when a logged entry reaches the store.
type FlushPolicy int

const (
	// FlushBatched holds the entry in the buffer until it fills.
	FlushBatched FlushPolicy = iota
	// FlushImmediate flushes the whole buffer synchronously, so the entry is
	// durable before LogEvent returns.
	FlushImmediate
)

func defaultFlushPolicies() map[models.AuditSeverity]FlushPolicy {
	return map[models.AuditSeverity]FlushPolicy{
		models.InfoSeverity:     FlushBatched,
		models.WarningSeverity:  FlushBatched,
		models.ErrorSeverity:    FlushImmediate,
		models.CriticalSeverity: FlushImmediate,
	}
}

// AuditService buffers audit entries and writes them to the store in batches.
// The buffer is process-local: with several engine processes running, entry
// ordering is chronological per process only.
type AuditService struct {
	store     storage.Store
	logger    Logger
	mu        sync.Mutex
	buffer    []models.AuditLogEntry
	batchSize int
	policies  map[models.AuditSeverity]FlushPolicy
}

type AuditOption func(*AuditService)

// WithBatchSize overrides the default batch size of 100.
func WithBatchSize(n int) AuditOption {
	return func(s *AuditService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushPolicy overrides the flush policy for one severity.
func WithFlushPolicy(severity models.AuditSeverity, policy FlushPolicy) AuditOption {
	return func(s *AuditService) {
		s.policies[severity] = policy
	}
}

func NewAuditService(store storage.Store, logger Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:     store,
		logger:    logger,
		batchSize: defaultAuditBatchSize,
		policies:  defaultFlushPolicies(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogEvent appends an entry to the audit trail. Entries are buffered and
// flushed in batch; error and critical severities force an immediate flush so
// they cannot be lost to a crash before the next batch write.
func (s *AuditService) LogEvent(entry models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Severity == "" {
		entry.Severity = models.InfoSeverity
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, entry)

	if s.policies[entry.Severity] == FlushImmediate || len(s.buffer) >= s.batchSize {
		return s.flushLocked()
	}
	return nil
}

// Flush writes all buffered entries to the store.
func (s *AuditService) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the buffer out. On failure the buffer is kept so a later
// flush can retry; the caller decides whether the error is fatal.
func (s *AuditService) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}
	if err := s.store.SaveAuditEntries(s.buffer); err != nil {
		s.logger.Errorf("Failed to flush %d audit entries: %v", len(s.buffer), err)
		return errors.Wrap(err, "flush audit buffer")
	}
	s.buffer = s.buffer[:0]
	return nil
}

// BufferedCount returns the number of entries not yet written to the store.
func (s *AuditService) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// GetAuditTrail returns entries matching the filter. The buffer is flushed
// first so reads are never stale relative to in-process writes.
func (s *AuditService) GetAuditTrail(filter storage.AuditFilter) ([]models.AuditLogEntry, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return s.store.ListAuditEntries(filter)
}

// ApprovalStats summarizes decision outcomes for one instance.
type ApprovalStats struct {
	Requested    int     `json:"requested"`
	Approved     int     `json:"approved"`
	Rejected     int     `json:"rejected"`
	ApprovalRate float64 `json:"approval_rate"` // approved / (approved + rejected)
}

// AuditReport partitions an instance's audit trail into event buckets.
type AuditReport struct {
	InstanceID  int64                  `json:"instance_id"`
	TotalEvents int                    `json:"total_events"`
	Lifecycle   []models.AuditLogEntry `json:"lifecycle"`
	Approvals   []models.AuditLogEntry `json:"approvals"`
	Errors      []models.AuditLogEntry `json:"errors"`
	Recovery    []models.AuditLogEntry `json:"recovery"`
	Escalations []models.AuditLogEntry `json:"escalations"`
	Delegations []models.AuditLogEntry `json:"delegations"`
	Stats       ApprovalStats          `json:"stats"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// GenerateAuditReport builds a bucketed report over every entry recorded for
// the instance.
func (s *AuditService) GenerateAuditReport(instanceID int64) (AuditReport, error) {
	entries, err := s.GetAuditTrail(storage.AuditFilter{InstanceID: &instanceID})
	if err != nil {
		return AuditReport{}, errors.Wrapf(err, "audit report for instance %d", instanceID)
	}

	report := AuditReport{
		InstanceID:  instanceID,
		TotalEvents: len(entries),
		GeneratedAt: time.Now(),
	}
	for _, e := range entries {
		switch e.EventType {
		case models.InstanceCreatedEvent, models.InstanceStartedEvent, models.InstanceCompletedEvent,
			models.InstanceRejectedEvent, models.InstanceCancelledEvent, models.InstanceSuspendedEvent,
			models.InstanceResumedEvent, models.StepStartedEvent, models.StepCompletedEvent, models.StepFailedEvent:
			report.Lifecycle = append(report.Lifecycle, e)
		case models.ApprovalRequestedEvent, models.ApprovalApprovedEvent, models.ApprovalRejectedEvent,
			models.ApprovalDelegatedEvent, models.ApprovalExpiredEvent:
			report.Approvals = append(report.Approvals, e)
			switch e.EventType {
			case models.ApprovalRequestedEvent:
				report.Stats.Requested++
			case models.ApprovalApprovedEvent:
				report.Stats.Approved++
			case models.ApprovalRejectedEvent:
				report.Stats.Rejected++
			}
		case models.ErrorOccurredEvent, models.SystemErrorEvent:
			report.Errors = append(report.Errors, e)
		case models.RecoveryInitiatedEvent, models.RecoveryCompletedEvent, models.RecoveryFailedEvent,
			models.InconsistencyDetectedEvent, models.ReconciliationInitiatedEvent,
			models.ReconciliationCompletedEvent, models.SystemRecoveryEvent:
			report.Recovery = append(report.Recovery, e)
		case models.EscalationInitiatedEvent, models.EscalationCompletedEvent:
			report.Escalations = append(report.Escalations, e)
		case models.DelegationInitiatedEvent, models.DelegationCompletedEvent:
			report.Delegations = append(report.Delegations, e)
		}
	}
	if decided := report.Stats.Approved + report.Stats.Rejected; decided > 0 {
		report.Stats.ApprovalRate = float64(report.Stats.Approved) / float64(decided)
	}
	return report, nil
}

func int64Ptr(v int64) *int64        { return &v }
func strPtr(v string) *string        { return &v }
func timePtr(v time.Time) *time.Time { return &v }
