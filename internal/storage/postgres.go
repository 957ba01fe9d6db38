package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow creates a new workflow definition and its version-1 steps,
// returning the definition ID.
func (s *PostgresStore) SaveWorkflow(def models.WorkflowDefinition) (int64, error) {
	var wfID int64
	err := s.db.QueryRowx(`
		INSERT INTO workflow_definitions (name, description, status, version, triggers, metadata, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		def.Name, def.Description, def.Status, def.Version, def.Triggers, def.Metadata,
		def.CreatedBy, def.CreatedAt, def.UpdatedAt).Scan(&wfID)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	if err := s.SaveWorkflowSteps(wfID, def.Version, def.Steps); err != nil {
		return 0, err
	}
	return wfID, nil
}

// GetWorkflow retrieves a definition with the steps of its current version.
func (s *PostgresStore) GetWorkflow(id int64) (models.WorkflowDefinition, error) {
	var wf models.WorkflowDefinition
	err := s.db.Get(&wf, "SELECT id, name, description, status, version, triggers, metadata, created_by, created_at, updated_at FROM workflow_definitions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	wf.Steps, err = s.getSteps(id, wf.Version)
	if err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("get workflow %d: %w", id, err)
	}
	return wf, nil
}

// GetWorkflowVersion retrieves a definition pinned to a specific version's
// step list. Old versions' steps are kept verbatim, so this works for any
// version that ever existed.
func (s *PostgresStore) GetWorkflowVersion(id int64, version int) (models.WorkflowDefinition, error) {
	var wf models.WorkflowDefinition
	err := s.db.Get(&wf, "SELECT id, name, description, status, version, triggers, metadata, created_by, created_at, updated_at FROM workflow_definitions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	steps, err := s.getSteps(id, version)
	if err != nil {
		return models.WorkflowDefinition{}, err
	}
	if len(steps) == 0 {
		return models.WorkflowDefinition{}, storage.ErrNotFound
	}
	wf.Version = version
	wf.Steps = steps
	return wf, nil
}

func (s *PostgresStore) getSteps(workflowID int64, version int) ([]models.WorkflowStep, error) {
	var steps []models.WorkflowStep
	err := s.db.Select(&steps, `
		SELECT workflow_id, version, step_order, step_type, name, approvers, approver_roles,
		       approval_type, quorum_count, conditions, timeout_hours, escalation_approvers
		FROM workflow_steps WHERE workflow_id = $1 AND version = $2 ORDER BY step_order`,
		workflowID, version)
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *PostgresStore) SaveWorkflowSteps(workflowID int64, version int, steps []models.WorkflowStep) error {
	for _, st := range steps {
		_, err := s.db.Exec(`
			INSERT INTO workflow_steps (workflow_id, version, step_order, step_type, name, approvers, approver_roles,
			                            approval_type, quorum_count, conditions, timeout_hours, escalation_approvers)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			workflowID, version, st.StepOrder, st.StepType, st.Name, st.Approvers, st.ApproverRoles,
			st.ApprovalType, st.QuorumCount, st.Conditions, st.TimeoutHours, st.EscalationApprovers)
		if err != nil {
			return fmt.Errorf("save step %d of workflow %d: %w", st.StepOrder, workflowID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateWorkflowVersion(id int64, version int, metadata models.JSONMap) error {
	if metadata != nil {
		_, err := s.db.Exec("UPDATE workflow_definitions SET version = $1, metadata = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3", version, metadata, id)
		return err
	}
	_, err := s.db.Exec("UPDATE workflow_definitions SET version = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", version, id)
	return err
}

func (s *PostgresStore) UpdateWorkflowStatus(id int64, status models.WorkflowStatus) error {
	_, err := s.db.Exec("UPDATE workflow_definitions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	return err
}

func (s *PostgresStore) ListWorkflows() ([]models.WorkflowDefinition, error) {
	workflows := []models.WorkflowDefinition{}
	err := s.db.Select(&workflows, "SELECT id, name, description, status, version, triggers, metadata, created_by, created_at, updated_at FROM workflow_definitions ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) SaveInstance(inst models.WorkflowInstance) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO workflow_instances (workflow_id, workflow_version, entity_type, entity_id, current_step, status, context, initiated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		inst.WorkflowID, inst.WorkflowVersion, inst.EntityType, inst.EntityID, inst.CurrentStep,
		inst.Status, inst.Context, inst.InitiatedBy, inst.CreatedAt, inst.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save instance: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetInstance(id int64) (models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	err := s.db.Get(&inst, "SELECT * FROM workflow_instances WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	return inst, nil
}

func (s *PostgresStore) ListInstancesByWorkflow(workflowID int64) ([]models.WorkflowInstance, error) {
	instances := []models.WorkflowInstance{}
	err := s.db.Select(&instances, "SELECT * FROM workflow_instances WHERE workflow_id = $1 ORDER BY created_at DESC", workflowID)
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// UpdateInstanceStatus transitions an instance's status only if it still has
// the expected current status. The WHERE clause is the compare-and-swap
// enforcement point for concurrent engine callers.
func (s *PostgresStore) UpdateInstanceStatus(id int64, from, to models.InstanceStatus, completedAt *time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_instances
		SET status = $1, completed_at = COALESCE($2, completed_at), updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = $4`,
		to, completedAt, id, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

// AdvanceInstanceStep moves current_step only if it still matches fromStep,
// so two concurrent SATISFIED observations advance the instance exactly once.
func (s *PostgresStore) AdvanceInstanceStep(id int64, fromStep, toStep int) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_instances
		SET current_step = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND current_step = $3 AND status = $4`,
		toStep, id, fromStep, models.InProgressInstanceStatus)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PostgresStore) SetInstanceCompletedAt(id int64, completedAt time.Time) error {
	_, err := s.db.Exec("UPDATE workflow_instances SET completed_at = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", completedAt, id)
	return err
}

func (s *PostgresStore) SaveApproval(a models.WorkflowApproval) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_approvals (id, instance_id, step_number, approver_id, status, comments, expires_at, delegated_to, decided_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.InstanceID, a.StepNumber, a.ApproverID, a.Status, a.Comments,
		a.ExpiresAt, a.DelegatedTo, a.DecidedAt, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) GetApproval(id string) (models.WorkflowApproval, error) {
	var a models.WorkflowApproval
	err := s.db.Get(&a, "SELECT * FROM workflow_approvals WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowApproval{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowApproval{}, err
	}
	return a, nil
}

func (s *PostgresStore) ListApprovalsByInstance(instanceID int64) ([]models.WorkflowApproval, error) {
	approvals := []models.WorkflowApproval{}
	err := s.db.Select(&approvals, "SELECT * FROM workflow_approvals WHERE instance_id = $1 ORDER BY created_at", instanceID)
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

func (s *PostgresStore) ListApprovalsForStep(instanceID int64, stepNumber int) ([]models.WorkflowApproval, error) {
	approvals := []models.WorkflowApproval{}
	err := s.db.Select(&approvals, "SELECT * FROM workflow_approvals WHERE instance_id = $1 AND step_number = $2 ORDER BY created_at", instanceID, stepNumber)
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

// UpdateApprovalDecision applies a status transition only if the row still
// has the expected status, making duplicate decisions and sweep/decision
// races resolve to exactly one effective transition.
func (s *PostgresStore) UpdateApprovalDecision(id string, from, to models.ApprovalStatus, comments string, decidedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_approvals
		SET status = $1,
		    comments = CASE WHEN $2 <> '' THEN $2 ELSE comments END,
		    decided_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND status = $5`,
		to, comments, decidedAt, id, from)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PostgresStore) MarkApprovalDelegated(id string, delegateID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_approvals
		SET status = $1, delegated_to = $2, decided_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND status = $5`,
		models.DelegatedApprovalStatus, delegateID, at, id, models.PendingApprovalStatus)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func (s *PostgresStore) ListExpiredApprovals(asOf time.Time) ([]models.WorkflowApproval, error) {
	approvals := []models.WorkflowApproval{}
	err := s.db.Select(&approvals, `
		SELECT * FROM workflow_approvals
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at`,
		models.PendingApprovalStatus, asOf)
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

// SaveAuditEntries writes a batch of audit entries. Batching happens at the
// service layer; rows here are inserted individually so a transaction-scoped
// store can wrap the whole batch.
func (s *PostgresStore) SaveAuditEntries(entries []models.AuditLogEntry) error {
	for _, e := range entries {
		_, err := s.db.Exec(`
			INSERT INTO audit_log (id, event_type, workflow_id, instance_id, approval_id, user_id, event_data, severity, message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.EventType, e.WorkflowID, e.InstanceID, e.ApprovalID, e.UserID,
			e.EventData, e.Severity, e.Message, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("save audit entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(filter storage.AuditFilter) ([]models.AuditLogEntry, error) {
	query := "SELECT * FROM audit_log WHERE 1=1"
	args := []interface{}{}
	n := 0
	add := func(clause string, arg interface{}) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, arg)
	}
	if filter.WorkflowID != nil {
		add("workflow_id =", *filter.WorkflowID)
	}
	if filter.InstanceID != nil {
		add("instance_id =", *filter.InstanceID)
	}
	if filter.EventType != nil {
		add("event_type =", *filter.EventType)
	}
	if filter.Severity != nil {
		add("severity =", *filter.Severity)
	}
	if filter.From != nil {
		add("created_at >=", *filter.From)
	}
	if filter.To != nil {
		add("created_at <=", *filter.To)
	}
	query += " ORDER BY created_at"

	entries := []models.AuditLogEntry{}
	if err := s.db.Select(&entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) GetUser(id string) (models.User, error) {
	var u models.User
	err := s.db.Get(&u, "SELECT * FROM users WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.User{}, storage.ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *PostgresStore) SaveUser(u models.User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, display_name, is_active, out_of_office_until, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET display_name = $2, is_active = $3, out_of_office_until = $4`,
		u.ID, u.DisplayName, u.IsActive, u.OutOfOfficeUntil, u.CreatedAt)
	return err
}

func (s *PostgresStore) SaveDelegationRule(r models.DelegationRule) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO delegation_rules (delegator_id, delegate_to_id, starts_at, ends_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.DelegatorID, r.DelegateToID, r.StartsAt, r.EndsAt, r.IsActive, r.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save delegation rule: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListActiveDelegationRules(delegatorID string, asOf time.Time) ([]models.DelegationRule, error) {
	rules := []models.DelegationRule{}
	err := s.db.Select(&rules, `
		SELECT * FROM delegation_rules
		WHERE delegator_id = $1 AND is_active = TRUE AND starts_at <= $2 AND (ends_at IS NULL OR ends_at >= $2)
		ORDER BY created_at DESC`,
		delegatorID, asOf)
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
