package evolution

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

const revisionFile = ".revision"

// Promoter applies an approved Proposal's file changes to a prod
// Environment: stage to a temp directory, atomically swap it in, run a
// smoke check, and roll back on any failure. The staging/swap/rollback
// shape mirrors an installer activating a downloaded package: a live
// directory is backed up, the new tree renamed into place, and the backup
// restored if anything after that point goes wrong.
type Promoter struct{}

// NewPromoter returns a Promoter.
func NewPromoter() *Promoter { return &Promoter{} }

// VerifyClean reports whether prod has no unresolved prior promotion (a
// leftover .bak-* or .failed-* sibling directory from a crashed swap).
func VerifyClean(prod models.Environment) error {
	dir := filepath.Dir(prod.StoragePath)
	base := filepath.Base(prod.StoragePath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("evolution: reading prod parent directory: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == base {
			continue
		}
		if strings.HasPrefix(name, base+".bak-") || strings.HasPrefix(name, base+".failed-") {
			return fmt.Errorf("evolution: prod has an unresolved prior promotion at %s, refusing to promote", filepath.Join(dir, name))
		}
	}
	return nil
}

// VerifyBaseRevision reports whether the Proposal's recorded base revision
// matches prod's current revision marker.
func VerifyBaseRevision(p *models.Proposal, prod models.Environment) error {
	current, err := currentRevision(prod.StoragePath)
	if err != nil {
		return err
	}
	if p.BaseRevision != current {
		return fmt.Errorf("evolution: proposal %s base revision %q does not match prod revision %q", p.ID, p.BaseRevision, current)
	}
	return nil
}

func currentRevision(storagePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(storagePath, revisionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("evolution: reading revision marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Promote stages p's file changes into a temp directory next to prod's
// storage path, then atomically swaps it in. smoke, if non-nil, runs
// against the newly-live directory; a failing smoke check triggers an
// automatic rollback to the pre-promotion tree and returns the smoke
// error. On any staging or swap error, the temp directory is discarded and
// prod is left untouched.
func (pr *Promoter) Promote(p *models.Proposal, prod models.Environment, smoke func(liveDir string) error) error {
	if p.Status != models.StatusApproved {
		return fmt.Errorf("evolution: cannot promote proposal %s from status %q", p.ID, p.Status)
	}
	if err := VerifyClean(prod); err != nil {
		return err
	}
	if err := VerifyBaseRevision(p, prod); err != nil {
		return err
	}

	tempDir, err := stageChanges(prod.StoragePath, p.FileChanges, p.ID)
	if err != nil {
		return fmt.Errorf("evolution: staging proposal %s: %w", p.ID, err)
	}

	backupPath, hadExisting, err := stageInstall(tempDir, prod.StoragePath, os.Rename)
	if err != nil {
		os.RemoveAll(tempDir)
		return fmt.Errorf("evolution: promoting proposal %s: %w", p.ID, err)
	}

	if smoke != nil {
		if smokeErr := smoke(prod.StoragePath); smokeErr != nil {
			if rbErr := rollbackInstall(prod.StoragePath, backupPath, hadExisting); rbErr != nil {
				return fmt.Errorf("evolution: smoke check failed (%v) and rollback failed: %w", smokeErr, rbErr)
			}
			return fmt.Errorf("evolution: smoke check failed, rolled back proposal %s: %w", p.ID, smokeErr)
		}
	}

	if p.RollbackPlan == nil {
		p.RollbackPlan = &models.RollbackPlan{}
	}
	p.RollbackPlan.BackupPath = backupPath
	p.RollbackPlan.PreDeployCommit = currentRevisionOrEmpty(backupPath)
	return nil
}

// Rollback restores prod to the state recorded in p's rollback plan. Called
// after a Proposal has reached deployed and a separate decision (manual or
// automated) determines it must be undone.
func (pr *Promoter) Rollback(p *models.Proposal, prod models.Environment) error {
	if p.RollbackPlan == nil || p.RollbackPlan.BackupPath == "" {
		return fmt.Errorf("evolution: proposal %s has no backup to roll back to", p.ID)
	}
	failedPath := fmt.Sprintf("%s.failed-%s", prod.StoragePath, time.Now().Format("20060102-150405"))
	if err := os.Rename(prod.StoragePath, failedPath); err != nil {
		return fmt.Errorf("evolution: moving deployed tree aside: %w", err)
	}
	if err := os.Rename(p.RollbackPlan.BackupPath, prod.StoragePath); err != nil {
		return fmt.Errorf("evolution: restoring rollback backup: %w", err)
	}
	return os.RemoveAll(failedPath)
}

func currentRevisionOrEmpty(dir string) string {
	rev, err := currentRevision(dir)
	if err != nil {
		return ""
	}
	return rev
}

// stageChanges copies prod's current tree (if any) into a fresh temp
// directory, applies the proposal's file changes on top of it, and writes
// a revision marker, returning the temp directory's path.
func stageChanges(liveDir string, changes []models.FileChange, revision string) (string, error) {
	parent := filepath.Dir(liveDir)
	tempDir, err := os.MkdirTemp(parent, filepath.Base(liveDir)+".staging-*")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}

	if info, statErr := os.Stat(liveDir); statErr == nil && info.IsDir() {
		if err := copyTree(liveDir, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return "", fmt.Errorf("copying live tree into staging: %w", err)
		}
	}

	for _, ch := range changes {
		target := filepath.Join(tempDir, filepath.Clean(ch.Path))
		switch ch.Action {
		case "delete":
			if err := os.RemoveAll(target); err != nil {
				os.RemoveAll(tempDir)
				return "", fmt.Errorf("applying delete for %s: %w", ch.Path, err)
			}
		case "create", "modify":
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				os.RemoveAll(tempDir)
				return "", fmt.Errorf("creating parent directory for %s: %w", ch.Path, err)
			}
			if err := os.WriteFile(target, []byte(ch.Diff), 0o644); err != nil {
				os.RemoveAll(tempDir)
				return "", fmt.Errorf("applying %s for %s: %w", ch.Action, ch.Path, err)
			}
		default:
			os.RemoveAll(tempDir)
			return "", fmt.Errorf("unknown file change action %q for %s", ch.Action, ch.Path)
		}
	}

	if err := os.WriteFile(filepath.Join(tempDir, revisionFile), []byte(revision), 0o644); err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("writing revision marker: %w", err)
	}
	return tempDir, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// stageInstall backs up liveDir (if present) and renames tempDir into its
// place, rolling back the rename if it fails partway.
func stageInstall(tempDir, liveDir string, renameFn func(string, string) error) (string, bool, error) {
	info, err := os.Stat(liveDir)
	hasLive := false
	if err == nil {
		if !info.IsDir() {
			return "", true, fmt.Errorf("live path is not a directory: %s", liveDir)
		}
		hasLive = true
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("stat live path: %w", err)
	}

	var backupPath string
	if hasLive {
		backupPath = fmt.Sprintf("%s.bak-%s", liveDir, time.Now().Format("20060102-150405"))
		if err := renameFn(liveDir, backupPath); err != nil {
			return "", true, fmt.Errorf("backup existing prod tree: %w", err)
		}
	}

	if err := renameFn(tempDir, liveDir); err != nil {
		if hasLive && backupPath != "" {
			if rbErr := renameFn(backupPath, liveDir); rbErr != nil {
				return backupPath, hasLive, fmt.Errorf("activate proposal failed: %w; rollback failed: %v", err, rbErr)
			}
		}
		return backupPath, hasLive, fmt.Errorf("activate proposal failed: %w", err)
	}

	return backupPath, hasLive, nil
}

// rollbackInstall undoes a promotion: the bad tree is moved aside and the
// backup restored, or (if there was nothing live before) simply removed.
func rollbackInstall(liveDir, backupPath string, hadExisting bool) error {
	if hadExisting && backupPath != "" {
		failedPath := fmt.Sprintf("%s.failed-%s", liveDir, time.Now().Format("20060102-150405"))
		if err := os.Rename(liveDir, failedPath); err != nil {
			return fmt.Errorf("move failed promotion: %w", err)
		}
		if err := os.Rename(backupPath, liveDir); err != nil {
			return fmt.Errorf("restore backup: %w", err)
		}
		if err := os.RemoveAll(failedPath); err != nil {
			return fmt.Errorf("cleanup failed promotion: %w", err)
		}
		return nil
	}
	return os.RemoveAll(liveDir)
}
