package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evoforge/substrate/pkg/models"
)

// DefaultTestTimeout bounds how long a proposal's test run may take before
// it counts as a failure.
const DefaultTestTimeout = 5 * time.Minute

// Loop is the process-wide Dev/Prod Evolution Loop: it owns the proposal
// set and the dev/prod Environment pair, and is the only component allowed
// to move a Proposal through its state machine or write to prod.
type Loop struct {
	dev  models.Environment
	prod models.Environment

	promoter *Promoter
	logger   *slog.Logger

	mu        sync.Mutex
	proposals map[string]*models.Proposal
}

// NewLoop validates dev/prod isolation and returns a ready Loop. Isolation
// failures are returned, not panicked: the caller decides whether to abort
// startup.
func NewLoop(dev, prod models.Environment, logger *slog.Logger) (*Loop, error) {
	if err := ValidateIsolation(dev, prod); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		dev:       dev,
		prod:      prod,
		promoter:  NewPromoter(),
		logger:    logger,
		proposals: make(map[string]*models.Proposal),
	}, nil
}

// Propose creates a new draft Proposal with the given change set.
func (l *Loop) Propose(title, description string, changes []models.FileChange) *models.Proposal {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := &models.Proposal{
		ID:           uuid.New().String(),
		Title:        title,
		Description:  description,
		FileChanges:  changes,
		Status:       models.StatusDraft,
		CreatedAt:    time.Now(),
		BaseRevision: mustRevision(l.prod),
	}
	l.proposals[p.ID] = p
	return p
}

func mustRevision(env models.Environment) string {
	rev, err := currentRevision(env.StoragePath)
	if err != nil {
		return ""
	}
	return rev
}

// Get returns the Proposal with the given id, if known.
func (l *Loop) Get(id string) (*models.Proposal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.proposals[id]
	return p, ok
}

// SubmitForReview moves a draft Proposal to pending_review.
func (l *Loop) SubmitForReview(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.proposals[id]
	if !ok {
		return fmt.Errorf("evolution: unknown proposal %s", id)
	}
	return SubmitForReview(p)
}

// RunTests executes the dev environment's test command against the
// proposal and records the outcome. It does not itself apply the
// proposal's file changes to dev; callers are expected to have already
// materialized the change set in the dev storage path before calling this
// (the apply step is out of scope here — it is driven by whatever produced
// the FileChanges in the first place).
func (l *Loop) RunTests(ctx context.Context, id string) error {
	l.mu.Lock()
	p, ok := l.proposals[id]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("evolution: unknown proposal %s", id)
	}

	results, err := RunTests(ctx, l.dev, DefaultTestTimeout)
	if err != nil {
		return fmt.Errorf("evolution: running tests for proposal %s: %w", id, err)
	}

	l.mu.Lock()
	p.TestResults = results
	l.mu.Unlock()

	if !results.Passed {
		l.logger.Warn("evolution: tests failed for proposal", "proposal_id", id, "timed_out", results.TimedOut, "exit_code", results.ExitCode)
	}
	return nil
}

// Approve moves a pending_review Proposal to approved. Per E5, a Proposal
// whose tests did not pass is rejected with a validation error and its
// status is left unchanged; no prod write ever occurs as a side effect of
// a failed approval attempt.
func (l *Loop) Approve(id, approver string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.proposals[id]
	if !ok {
		return fmt.Errorf("evolution: unknown proposal %s", id)
	}
	return Approve(p, approver)
}

// Reject moves a pending_review Proposal to rejected.
func (l *Loop) Reject(id, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.proposals[id]
	if !ok {
		return fmt.Errorf("evolution: unknown proposal %s", id)
	}
	return Reject(p, reason)
}

// Deploy promotes an approved Proposal to prod: stage, atomic swap, smoke
// check, and (on smoke failure) automatic rollback. On success the
// Proposal transitions to deployed; on any failure its status is left at
// approved so it can be retried or rejected.
func (l *Loop) Deploy(ctx context.Context, id, deployedBy string, smoke func(liveDir string) error) error {
	l.mu.Lock()
	p, ok := l.proposals[id]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("evolution: unknown proposal %s", id)
	}

	if err := l.promoter.Promote(p, l.prod, smoke); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return MarkDeployed(p, deployedBy, time.Now())
}

// Rollback restores prod to the pre-deploy state recorded on a deployed
// Proposal and marks it rolled_back.
func (l *Loop) Rollback(ctx context.Context, id string) error {
	l.mu.Lock()
	p, ok := l.proposals[id]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("evolution: unknown proposal %s", id)
	}

	if err := l.promoter.Rollback(p, l.prod); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return MarkRolledBack(p)
}
