package service_test

import (
	"testing"

	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/Stefan/orka-ppm-sub005/pkg/service"
	"github.com/stretchr/testify/assert"
)

func approvalsWith(statuses ...models.ApprovalStatus) []models.WorkflowApproval {
	out := make([]models.WorkflowApproval, len(statuses))
	for i, st := range statuses {
		out[i] = models.WorkflowApproval{
			ID:         string(rune('a' + i)),
			ApproverID: string(rune('A' + i)),
			Status:     st,
		}
	}
	return out
}

func step(approvalType models.ApprovalType, approvers int, quorum *int) models.WorkflowStep {
	names := make([]string, approvers)
	for i := range names {
		names[i] = string(rune('A' + i))
	}
	return models.WorkflowStep{
		StepType:     models.ApprovalStepType,
		ApprovalType: approvalType,
		Approvers:    names,
		QuorumCount:  quorum,
	}
}

func intPtr(v int) *int { return &v }

func TestResolveStep(t *testing.T) {
	pending := models.PendingApprovalStatus
	approved := models.ApprovedApprovalStatus
	rejected := models.RejectedApprovalStatus
	delegated := models.DelegatedApprovalStatus
	expired := models.ExpiredApprovalStatus

	tests := []struct {
		name      string
		step      models.WorkflowStep
		approvals []models.WorkflowApproval
		want      service.Resolution
	}{
		// ANY
		{"any: one approval satisfies", step(models.AnyApproval, 3, nil), approvalsWith(approved, pending, pending), service.ResolutionSatisfied},
		{"any: all rejected", step(models.AnyApproval, 2, nil), approvalsWith(rejected, rejected), service.ResolutionRejected},
		{"any: some rejected still pending", step(models.AnyApproval, 3, nil), approvalsWith(rejected, pending, pending), service.ResolutionPending},
		{"any: only expired and rejected left", step(models.AnyApproval, 2, nil), approvalsWith(expired, rejected), service.ResolutionRejected},

		// ALL
		{"all: everyone approved", step(models.AllApproval, 2, nil), approvalsWith(approved, approved), service.ResolutionSatisfied},
		{"all: one rejection fails the step", step(models.AllApproval, 3, nil), approvalsWith(approved, rejected, pending), service.ResolutionRejected},
		{"all: waiting on one approver", step(models.AllApproval, 2, nil), approvalsWith(approved, pending), service.ResolutionPending},
		{"all: expired non-vote excluded, rest approved", step(models.AllApproval, 3, nil), approvalsWith(approved, approved, expired), service.ResolutionSatisfied},
		{"all: everything expired", step(models.AllApproval, 2, nil), approvalsWith(expired, expired), service.ResolutionRejected},

		// MAJORITY
		{"majority: 2 of 3 approve", step(models.MajorityApproval, 3, nil), approvalsWith(approved, approved, pending), service.ResolutionSatisfied},
		{"majority: tie breaks toward rejection", step(models.MajorityApproval, 4, nil), approvalsWith(rejected, rejected, pending, pending), service.ResolutionRejected},
		{"majority: 1 of 3 rejected still pending", step(models.MajorityApproval, 3, nil), approvalsWith(rejected, pending, pending), service.ResolutionPending},
		{"majority: split pool after expiry", step(models.MajorityApproval, 3, nil), approvalsWith(approved, rejected, expired), service.ResolutionRejected},

		// QUORUM
		{"quorum: reached", step(models.QuorumApproval, 3, intPtr(2)), approvalsWith(approved, approved, pending), service.ResolutionSatisfied},
		{"quorum: still reachable", step(models.QuorumApproval, 3, intPtr(2)), approvalsWith(approved, rejected, pending), service.ResolutionPending},
		{"quorum: unreachable after rejections", step(models.QuorumApproval, 3, intPtr(2)), approvalsWith(rejected, rejected, pending), service.ResolutionRejected},
		{"quorum: unreachable after expiries", step(models.QuorumApproval, 3, intPtr(3)), approvalsWith(approved, expired, pending), service.ResolutionRejected},

		// Delegation supersession
		{"delegated row excluded, successor counted", step(models.AllApproval, 2, nil),
			append(approvalsWith(approved, delegated), models.WorkflowApproval{ID: "x", ApproverID: "X", Status: approved}),
			service.ResolutionSatisfied},
		{"nothing live left", step(models.AnyApproval, 1, nil), approvalsWith(expired), service.ResolutionRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := service.ResolveStep(tt.step, tt.approvals)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveStepQuorumMissingCount(t *testing.T) {
	st := step(models.QuorumApproval, 3, nil)
	_, err := service.ResolveStep(st, approvalsWith(models.PendingApprovalStatus))
	assert.Error(t, err)
}

func TestResolveStepUnknownType(t *testing.T) {
	st := step("UNANIMOUS-ISH", 2, nil)
	_, err := service.ResolveStep(st, approvalsWith(models.PendingApprovalStatus, models.PendingApprovalStatus))
	assert.Error(t, err)
}
