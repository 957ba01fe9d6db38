package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
)

// mockStore implements Store with in-memory storage. It mirrors the
// conditional-update semantics of the Postgres store so service tests exercise
// the same compare-and-swap paths.
type mockStore struct {
	mu              sync.Mutex
	workflows       []models.WorkflowDefinition
	steps           []models.WorkflowStep
	instances       []models.WorkflowInstance
	approvals       []models.WorkflowApproval
	auditEntries    []models.AuditLogEntry
	users           map[string]models.User
	delegationRules []models.DelegationRule
	nextWorkflowID  int64
	nextInstanceID  int64
	nextRuleID      int64
}

func NewMockStore() Store {
	return &mockStore{users: make(map[string]models.User)}
}

// Begin returns the store itself: the mock has no transaction isolation,
// which is fine for single-process tests.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(def models.WorkflowDefinition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorkflowID++
	def.ID = m.nextWorkflowID
	steps := def.Steps
	def.Steps = nil
	m.workflows = append(m.workflows, def)
	for _, st := range steps {
		st.WorkflowID = def.ID
		st.Version = def.Version
		m.steps = append(m.steps, st)
	}
	return def.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ID == id {
			wf.Steps = m.stepsFor(id, wf.Version)
			return wf, nil
		}
	}
	return models.WorkflowDefinition{}, ErrNotFound
}

func (m *mockStore) GetWorkflowVersion(id int64, version int) (models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ID == id {
			steps := m.stepsFor(id, version)
			if len(steps) == 0 {
				return models.WorkflowDefinition{}, ErrNotFound
			}
			wf.Version = version
			wf.Steps = steps
			return wf, nil
		}
	}
	return models.WorkflowDefinition{}, ErrNotFound
}

func (m *mockStore) stepsFor(workflowID int64, version int) []models.WorkflowStep {
	var steps []models.WorkflowStep
	for _, st := range m.steps {
		if st.WorkflowID == workflowID && st.Version == version {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps
}

func (m *mockStore) SaveWorkflowSteps(workflowID int64, version int, steps []models.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range steps {
		st.WorkflowID = workflowID
		st.Version = version
		m.steps = append(m.steps, st)
	}
	return nil
}

func (m *mockStore) UpdateWorkflowVersion(id int64, version int, metadata models.JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wf := range m.workflows {
		if wf.ID == id {
			m.workflows[i].Version = version
			if metadata != nil {
				m.workflows[i].Metadata = metadata
			}
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wf := range m.workflows {
		if wf.ID == id {
			m.workflows[i].Status = status
			m.workflows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WorkflowDefinition, len(m.workflows))
	copy(out, m.workflows)
	return out, nil
}

func (m *mockStore) SaveInstance(inst models.WorkflowInstance) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextInstanceID++
	inst.ID = m.nextInstanceID
	m.instances = append(m.instances, inst)
	return inst.ID, nil
}

func (m *mockStore) GetInstance(id int64) (models.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return models.WorkflowInstance{}, ErrNotFound
}

func (m *mockStore) ListInstancesByWorkflow(workflowID int64) ([]models.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowInstance
	for _, inst := range m.instances {
		if inst.WorkflowID == workflowID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateInstanceStatus(id int64, from, to models.InstanceStatus, completedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inst := range m.instances {
		if inst.ID == id {
			if inst.Status != from {
				return false, nil
			}
			m.instances[i].Status = to
			m.instances[i].UpdatedAt = time.Now()
			if completedAt != nil {
				m.instances[i].CompletedAt = completedAt
			}
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) AdvanceInstanceStep(id int64, fromStep, toStep int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inst := range m.instances {
		if inst.ID == id {
			if inst.CurrentStep != fromStep || inst.Status != models.InProgressInstanceStatus {
				return false, nil
			}
			m.instances[i].CurrentStep = toStep
			m.instances[i].UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) SetInstanceCompletedAt(id int64, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inst := range m.instances {
		if inst.ID == id {
			m.instances[i].CompletedAt = &completedAt
			m.instances[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveApproval(a models.WorkflowApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = append(m.approvals, a)
	return nil
}

func (m *mockStore) GetApproval(id string) (models.WorkflowApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.approvals {
		if a.ID == id {
			return a, nil
		}
	}
	return models.WorkflowApproval{}, ErrNotFound
}

func (m *mockStore) ListApprovalsByInstance(instanceID int64) ([]models.WorkflowApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowApproval
	for _, a := range m.approvals {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) ListApprovalsForStep(instanceID int64, stepNumber int) ([]models.WorkflowApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowApproval
	for _, a := range m.approvals {
		if a.InstanceID == instanceID && a.StepNumber == stepNumber {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateApprovalDecision(id string, from, to models.ApprovalStatus, comments string, decidedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.approvals {
		if a.ID == id {
			if a.Status != from {
				return false, nil
			}
			m.approvals[i].Status = to
			if comments != "" {
				m.approvals[i].Comments = comments
			}
			m.approvals[i].DecidedAt = &decidedAt
			m.approvals[i].UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) MarkApprovalDelegated(id string, delegateID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.approvals {
		if a.ID == id {
			if a.Status != models.PendingApprovalStatus {
				return false, nil
			}
			m.approvals[i].Status = models.DelegatedApprovalStatus
			m.approvals[i].DelegatedTo = &delegateID
			m.approvals[i].DecidedAt = &at
			m.approvals[i].UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *mockStore) ListExpiredApprovals(asOf time.Time) ([]models.WorkflowApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowApproval
	for _, a := range m.approvals {
		if a.Status == models.PendingApprovalStatus && a.ExpiresAt != nil && a.ExpiresAt.Before(asOf) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) SaveAuditEntries(entries []models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditEntries = append(m.auditEntries, entries...)
	return nil
}

func (m *mockStore) ListAuditEntries(filter AuditFilter) ([]models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range m.auditEntries {
		if filter.WorkflowID != nil && (e.WorkflowID == nil || *e.WorkflowID != *filter.WorkflowID) {
			continue
		}
		if filter.InstanceID != nil && (e.InstanceID == nil || *e.InstanceID != *filter.InstanceID) {
			continue
		}
		if filter.EventType != nil && e.EventType != *filter.EventType {
			continue
		}
		if filter.Severity != nil && e.Severity != *filter.Severity {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.CreatedAt.After(*filter.To) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStore) GetUser(id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (m *mockStore) SaveUser(u models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *mockStore) SaveDelegationRule(r models.DelegationRule) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRuleID++
	r.ID = m.nextRuleID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.delegationRules = append(m.delegationRules, r)
	return r.ID, nil
}

func (m *mockStore) ListActiveDelegationRules(delegatorID string, asOf time.Time) ([]models.DelegationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DelegationRule
	for _, r := range m.delegationRules {
		if r.DelegatorID == delegatorID && r.Covers(asOf) {
			out = append(out, r)
		}
	}
	// Most recently created first, matching the Postgres ORDER BY.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
