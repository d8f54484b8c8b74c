package evolution

import (
	"fmt"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

// Transitions are the only supported way to mutate a Proposal's Status.
// Each function validates its guard and returns a validation error if the
// guard fails; on success it mutates p in place.

// SubmitForReview moves a draft Proposal into pending_review. The guard is
// that the change set is complete and non-empty.
func SubmitForReview(p *models.Proposal) error {
	if p.Status != models.StatusDraft {
		return fmt.Errorf("evolution: cannot submit for review from status %q, must be %q", p.Status, models.StatusDraft)
	}
	if len(p.FileChanges) == 0 {
		return fmt.Errorf("evolution: proposal %s has an empty change set", p.ID)
	}
	for _, ch := range p.FileChanges {
		if ch.Path == "" || ch.Action == "" {
			return fmt.Errorf("evolution: proposal %s has an incomplete file change", p.ID)
		}
	}
	p.Status = models.StatusPendingReview
	return nil
}

// Approve moves a pending_review Proposal into approved. The guard requires
// passing tests, a named human approver, an assessed risk, and a rollback
// plan: the full set named by the promotion invariants.
func Approve(p *models.Proposal, approver string) error {
	if p.Status != models.StatusPendingReview {
		return fmt.Errorf("evolution: cannot approve from status %q, must be %q", p.Status, models.StatusPendingReview)
	}
	if p.TestResults == nil || !p.TestResults.Passed {
		return fmt.Errorf("evolution: proposal %s cannot be approved without passing tests", p.ID)
	}
	if approver == "" {
		return fmt.Errorf("evolution: proposal %s requires an approver identity", p.ID)
	}
	if p.Risk == "" {
		return fmt.Errorf("evolution: proposal %s requires a risk assessment", p.ID)
	}
	if p.RollbackPlan == nil {
		return fmt.Errorf("evolution: proposal %s requires a rollback plan", p.ID)
	}
	p.Status = models.StatusApproved
	p.ApprovedBy = approver
	return nil
}

// Reject moves a pending_review Proposal into rejected. A reason is
// mandatory.
func Reject(p *models.Proposal, reason string) error {
	if p.Status != models.StatusPendingReview {
		return fmt.Errorf("evolution: cannot reject from status %q, must be %q", p.Status, models.StatusPendingReview)
	}
	if reason == "" {
		return fmt.Errorf("evolution: rejecting proposal %s requires a reason", p.ID)
	}
	p.Status = models.StatusRejected
	p.RejectionReason = reason
	return nil
}

// MarkDeployed moves an approved Proposal into deployed. Called only after
// promotion has actually written the changes to prod.
func MarkDeployed(p *models.Proposal, deployedBy string, deployedAt time.Time) error {
	if p.Status != models.StatusApproved {
		return fmt.Errorf("evolution: cannot deploy from status %q, must be %q", p.Status, models.StatusApproved)
	}
	p.Status = models.StatusDeployed
	p.DeployedBy = deployedBy
	p.DeployedAt = deployedAt
	return nil
}

// MarkRolledBack moves a deployed Proposal into rolled_back. Called only
// after the rollback plan has actually been applied.
func MarkRolledBack(p *models.Proposal) error {
	if p.Status != models.StatusDeployed {
		return fmt.Errorf("evolution: cannot roll back from status %q, must be %q", p.Status, models.StatusDeployed)
	}
	p.Status = models.StatusRolledBack
	return nil
}
