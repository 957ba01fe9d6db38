package service

import (
	"github.com/Stefan/orka-ppm-sub005/pkg/models"
	"github.com/pkg/errors"
)

// Resolution is the outcome of evaluating a step against its collected
// approvals.
type Resolution string

const (
	ResolutionSatisfied Resolution = "SATISFIED"
	ResolutionRejected  Resolution = "REJECTED"
	ResolutionPending   Resolution = "PENDING"
)

// voteCounts summarizes the live approver pool for a step. Delegated rows are
// superseded by their successor rows and expired rows are non-votes, so both
// are excluded from the pool.
type voteCounts struct {
	total    int
	approved int
	rejected int
	pending  int
	expired  int
}

func countVotes(approvals []models.WorkflowApproval) voteCounts {
	var c voteCounts
	for _, a := range approvals {
		switch a.Status {
		case models.DelegatedApprovalStatus:
			// superseded: the delegate's row is counted instead
		case models.ExpiredApprovalStatus:
			c.expired++
		case models.ApprovedApprovalStatus:
			c.total++
			c.approved++
		case models.RejectedApprovalStatus:
			c.total++
			c.rejected++
		default:
			c.total++
			c.pending++
		}
	}
	return c
}

// ResolveStep decides whether a step is satisfied, rejected or still pending
// given the approvals collected so far. It is a pure function over its inputs.
//
// Unreachability is detected explicitly: when the remaining live approvers can
// no longer reach satisfaction (every outstanding row expired or rejected),
// the step resolves REJECTED rather than staying pending forever.
func ResolveStep(step models.WorkflowStep, approvals []models.WorkflowApproval) (Resolution, error) {
	c := countVotes(approvals)

	// Everything expired or superseded with no live successor: nothing can
	// ever satisfy this step.
	if c.total == 0 {
		return ResolutionRejected, nil
	}

	switch step.ApprovalType {
	case models.AnyApproval:
		if c.approved > 0 {
			return ResolutionSatisfied, nil
		}
		if c.pending == 0 {
			return ResolutionRejected, nil
		}
		return ResolutionPending, nil

	case models.AllApproval:
		if c.rejected > 0 {
			return ResolutionRejected, nil
		}
		if c.approved == c.total {
			return ResolutionSatisfied, nil
		}
		return ResolutionPending, nil

	case models.MajorityApproval:
		if 2*c.approved > c.total {
			return ResolutionSatisfied, nil
		}
		// Ties break toward rejection.
		if 2*c.rejected >= c.total {
			return ResolutionRejected, nil
		}
		if c.pending == 0 {
			return ResolutionRejected, nil
		}
		return ResolutionPending, nil

	case models.QuorumApproval:
		if step.QuorumCount == nil {
			return ResolutionPending, errors.Errorf("step %d: QUORUM approval without quorum_count", step.StepOrder)
		}
		quorum := *step.QuorumCount
		if c.approved >= quorum {
			return ResolutionSatisfied, nil
		}
		// Quorum can no longer be reached once too many live approvers have
		// rejected or timed out.
		if c.approved+c.pending < quorum {
			return ResolutionRejected, nil
		}
		return ResolutionPending, nil
	}

	return ResolutionPending, errors.Errorf("unknown approval type %q", step.ApprovalType)
}
