package models

import "time"

// ProposalStatus is a state in the dev/prod promotion state machine.
// Transitions are the only way to mutate it.
type ProposalStatus string

const (
	StatusDraft          ProposalStatus = "draft"
	StatusPendingReview   ProposalStatus = "pending_review"
	StatusApproved        ProposalStatus = "approved"
	StatusRejected        ProposalStatus = "rejected"
	StatusDeployed        ProposalStatus = "deployed"
	StatusRolledBack      ProposalStatus = "rolled_back"
)

// RiskLevel is the assessed risk of applying a Proposal to prod.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FileChange is one file mutation within a Proposal's change set.
type FileChange struct {
	Path    string `json:"path"`
	Action  string `json:"action"` // "create", "modify", "delete"
	Diff    string `json:"diff,omitempty"`
	OldHash string `json:"old_hash,omitempty"`
	NewHash string `json:"new_hash,omitempty"`
}

// TestResults records the outcome of running the configured test command
// against a Proposal applied in dev.
type TestResults struct {
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Duration time.Duration `json:"duration"`
	TimedOut bool   `json:"timed_out"`
}

// RollbackPlan records what promotion must restore if a deployed Proposal is
// rolled back.
type RollbackPlan struct {
	BackupPath      string   `json:"backup_path"`
	PreDeployCommit string   `json:"pre_deploy_commit,omitempty"`
	ConfigBackups   []string `json:"config_backups,omitempty"`
	MigrationNotes  string   `json:"migration_notes,omitempty"`
}

// Proposal is a candidate self-improvement traversing the evolution state
// machine.
type Proposal struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	FileChanges          []FileChange   `json:"file_changes"`
	TestResults          *TestResults   `json:"test_results,omitempty"`
	Risk                 RiskLevel      `json:"risk"`
	EstimatedDowntimeMin  int            `json:"estimated_downtime_min"`
	RollbackPlan         *RollbackPlan  `json:"rollback_plan,omitempty"`
	Status               ProposalStatus `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	ApprovedBy           string         `json:"approved_by,omitempty"`
	DeployedAt           time.Time      `json:"deployed_at,omitempty"`
	DeployedBy           string         `json:"deployed_by,omitempty"`
	RejectionReason      string         `json:"rejection_reason,omitempty"`
	BaseRevision         string         `json:"base_revision,omitempty"`
}

// ResourceLimits bounds an Environment's resource usage.
type ResourceLimits struct {
	MaxCPUPercent int   `json:"max_cpu_percent,omitempty"`
	MaxMemoryMB   int   `json:"max_memory_mb,omitempty"`
	MaxProcesses  int   `json:"max_processes,omitempty"`
}

// Environment is one of "dev" or "prod", each with isolated storage, ports,
// and resource ceilings.
type Environment struct {
	Name           string            `json:"name"` // "dev" or "prod"
	DatabasePath   string            `json:"database_path"`
	StoragePath    string            `json:"storage_path"`
	Ports          []int             `json:"port_set"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	TestCommand    []string          `json:"test_command,omitempty"`
	Writable       bool              `json:"writable"`
}
