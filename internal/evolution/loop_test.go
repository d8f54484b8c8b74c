package evolution

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evoforge/substrate/pkg/models"
)

func newTestLoop(t *testing.T) (*Loop, models.Environment, models.Environment) {
	t.Helper()
	root := t.TempDir()
	devStorage := filepath.Join(root, "dev")
	prodStorage := filepath.Join(root, "prod")
	if err := os.MkdirAll(devStorage, 0o755); err != nil {
		t.Fatalf("MkdirAll dev: %v", err)
	}
	if err := os.MkdirAll(prodStorage, 0o755); err != nil {
		t.Fatalf("MkdirAll prod: %v", err)
	}

	dev := models.Environment{
		Name: "dev", DatabasePath: filepath.Join(root, "dev.db"), StoragePath: devStorage,
		Ports: []int{18080}, ResourceLimits: models.ResourceLimits{MaxMemoryMB: 512}, Writable: true,
		TestCommand: []string{"sh", "-c", "exit 0"},
	}
	prod := models.Environment{
		Name: "prod", DatabasePath: filepath.Join(root, "prod.db"), StoragePath: prodStorage,
		Ports: []int{8080}, ResourceLimits: models.ResourceLimits{MaxMemoryMB: 2048}, Writable: false,
	}

	l, err := NewLoop(dev, prod, nil)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return l, dev, prod
}

func TestLoop_FullLifecycleToDeployment(t *testing.T) {
	l, _, prod := newTestLoop(t)
	ctx := context.Background()

	p := l.Propose("add a feature", "adds a thing", []models.FileChange{
		{Path: "feature.txt", Action: "create", Diff: "it works"},
	})
	if p.Status != models.StatusDraft {
		t.Fatalf("expected a fresh proposal to be draft, got %q", p.Status)
	}

	if err := l.SubmitForReview(p.ID); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if err := l.RunTests(ctx, p.ID); err != nil {
		t.Fatalf("RunTests: %v", err)
	}

	p.Risk = models.RiskLow
	p.RollbackPlan = &models.RollbackPlan{}
	if err := l.Approve(p.ID, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if err := l.Deploy(ctx, p.ID, "alice", nil); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	got, _ := l.Get(p.ID)
	if got.Status != models.StatusDeployed {
		t.Fatalf("expected deployed status, got %q", got.Status)
	}
	if _, err := os.ReadFile(filepath.Join(prod.StoragePath, "feature.txt")); err != nil {
		t.Fatalf("expected deployed file to exist in prod: %v", err)
	}
}

// TestLoop_ApproveBlocksOnFailingTests exercises scenario E5 end to end
// through the Loop: approving a proposal whose tests failed must be
// rejected, the proposal must remain pending_review, and no file must ever
// reach prod.
func TestLoop_ApproveBlocksOnFailingTests(t *testing.T) {
	l, dev, prod := newTestLoop(t)
	ctx := context.Background()
	dev.TestCommand = []string{"sh", "-c", "exit 1"}
	l.dev = dev

	p := l.Propose("risky change", "", []models.FileChange{
		{Path: "risky.txt", Action: "create", Diff: "danger"},
	})
	if err := l.SubmitForReview(p.ID); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if err := l.RunTests(ctx, p.ID); err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if p.TestResults.Passed {
		t.Fatalf("expected the configured failing command to fail")
	}

	p.Risk = models.RiskLow
	p.RollbackPlan = &models.RollbackPlan{}
	if err := l.Approve(p.ID, "alice"); err == nil {
		t.Fatalf("expected approval to be rejected when tests failed")
	}

	got, _ := l.Get(p.ID)
	if got.Status != models.StatusPendingReview {
		t.Fatalf("expected proposal to remain pending_review, got %q", got.Status)
	}
	if _, err := os.Stat(filepath.Join(prod.StoragePath, "risky.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected no prod write to occur when approval was blocked")
	}
}

func TestLoop_RejectRecordsReason(t *testing.T) {
	l, _, _ := newTestLoop(t)
	p := l.Propose("drop this", "", []models.FileChange{{Path: "x.txt", Action: "create", Diff: "x"}})
	if err := l.SubmitForReview(p.ID); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if err := l.Reject(p.ID, "not needed"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	got, _ := l.Get(p.ID)
	if got.Status != models.StatusRejected || got.RejectionReason != "not needed" {
		t.Fatalf("expected rejected status with reason recorded, got %+v", got)
	}
}

func TestLoop_RollbackRestoresPriorState(t *testing.T) {
	l, _, prod := newTestLoop(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(prod.StoragePath, "existing.txt"), []byte("v0"), 0o644); err != nil {
		t.Fatalf("seed prod: %v", err)
	}

	p := l.Propose("swap content", "", []models.FileChange{
		{Path: "existing.txt", Action: "modify", Diff: "v1"},
	})
	if err := l.SubmitForReview(p.ID); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if err := l.RunTests(ctx, p.ID); err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	p.Risk = models.RiskLow
	p.RollbackPlan = &models.RollbackPlan{}
	if err := l.Approve(p.ID, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := l.Deploy(ctx, p.ID, "alice", nil); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := l.Rollback(ctx, p.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(prod.StoragePath, "existing.txt"))
	if err != nil {
		t.Fatalf("expected prod file to exist after rollback: %v", err)
	}
	if string(data) != "v0" {
		t.Fatalf("expected rollback to restore the pre-deploy content, got %q", data)
	}

	got, _ := l.Get(p.ID)
	if got.Status != models.StatusRolledBack {
		t.Fatalf("expected rolled_back status, got %q", got.Status)
	}
}
