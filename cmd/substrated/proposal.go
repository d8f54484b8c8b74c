package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/evoforge/substrate/internal/config"
	"github.com/evoforge/substrate/internal/evolution"
	"github.com/evoforge/substrate/internal/observability"
	"github.com/evoforge/substrate/pkg/models"
)

// proposalCmdContext is what each evolution-loop subcommand needs: the
// loop itself, the loaded config (deploy needs it for the smoke check),
// and an event recorder so approve/reject decisions show up on the same
// kind of timeline a server process would have recorded them on.
type proposalCmdContext struct {
	loop     *evolution.Loop
	cfg      *config.Config
	recorder *observability.EventRecorder
}

// loadLoop loads the config and constructs only what the evolution loop
// needs, so proposal subcommands don't pay for a dispatcher, pipeline, or
// memory engine they never touch.
func loadLoop(configPath string) (*proposalCmdContext, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	loop, err := evolution.NewLoop(cfg.Envs.DevEnvironment(), cfg.Envs.ProdEnvironment(), slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to construct evolution loop: %w", err)
	}
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	recorder := observability.NewEventRecorder(observability.NewMemoryEventStore(1000), logger)
	return &proposalCmdContext{loop: loop, cfg: cfg, recorder: recorder}, nil
}

func buildProposeCmd() *cobra.Command {
	var (
		configPath  string
		description string
		changesPath string
	)
	cmd := &cobra.Command{
		Use:   "propose <title>",
		Short: "Create a draft proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			var changes []models.FileChange
			if changesPath != "" {
				raw, err := os.ReadFile(changesPath)
				if err != nil {
					return fmt.Errorf("failed to read changes file: %w", err)
				}
				if err := json.Unmarshal(raw, &changes); err != nil {
					return fmt.Errorf("failed to parse changes file: %w", err)
				}
			}
			p := pc.loop.Propose(args[0], description, changes)
			fmt.Fprintf(cmd.OutOrStdout(), "Proposal created: %s\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&description, "description", "", "Proposal description")
	cmd.Flags().StringVar(&changesPath, "changes", "", "Path to a JSON file containing the file change set")
	return cmd
}

func buildSubmitCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft proposal for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			if err := pc.loop.SubmitForReview(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Proposal %s submitted for review\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildTestCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "test <id>",
		Short: "Run the dev environment's test command against a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			if err := pc.loop.RunTests(cmd.Context(), args[0]); err != nil {
				return err
			}
			p, _ := pc.loop.Get(args[0])
			out := cmd.OutOrStdout()
			if p.TestResults.Passed {
				fmt.Fprintf(out, "Proposal %s: tests passed\n", args[0])
			} else {
				fmt.Fprintf(out, "Proposal %s: tests failed (exit %d, timed out: %v)\n",
					args[0], p.TestResults.ExitCode, p.TestResults.TimedOut)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildApproveCmd() *cobra.Command {
	var (
		configPath string
		approver   string
		risk       string
		backupPath string
	)
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a reviewed proposal for promotion",
		Long: `Approve a reviewed proposal for promotion. Approval requires a risk
assessment and a rollback plan in addition to passing tests; --risk and
--backup-path record them on the proposal before approving it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			if p, ok := pc.loop.Get(args[0]); ok {
				if risk != "" {
					p.Risk = models.RiskLevel(risk)
				}
				if backupPath != "" {
					p.RollbackPlan = &models.RollbackPlan{BackupPath: backupPath}
				}
			}
			if err := pc.loop.Approve(args[0], approver); err != nil {
				return err
			}
			pc.recorder.RecordApprovalDecision(cmd.Context(), args[0], true, "")
			fmt.Fprintf(cmd.OutOrStdout(), "Proposal %s approved by %s\n", args[0], approver)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&approver, "approver", "", "Identity of the human approving this proposal")
	cmd.Flags().StringVar(&risk, "risk", "", "Risk assessment: low, medium, or high")
	cmd.Flags().StringVar(&backupPath, "backup-path", "", "Path promotion should back up the live tree to before swapping in this change")
	cmd.MarkFlagRequired("approver")
	return cmd
}

func buildRejectCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a reviewed proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			if err := pc.loop.Reject(args[0], reason); err != nil {
				return err
			}
			pc.recorder.RecordApprovalDecision(cmd.Context(), args[0], false, reason)
			fmt.Fprintf(cmd.OutOrStdout(), "Proposal %s rejected: %s\n", args[0], reason)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&reason, "reason", "", "Why this proposal is being rejected")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func buildDeployCmd() *cobra.Command {
	var (
		configPath string
		deployedBy string
	)
	cmd := &cobra.Command{
		Use:   "deploy <id>",
		Short: "Promote an approved proposal to prod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			if err := pc.loop.Deploy(cmd.Context(), args[0], deployedBy, smokeCheckFor(pc.cfg)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Proposal %s deployed by %s\n", args[0], deployedBy)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&deployedBy, "by", "", "Identity performing the deploy")
	cmd.MarkFlagRequired("by")
	return cmd
}

func buildRollbackCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Roll a deployed proposal back to its pre-deploy state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			if err := pc.loop.Rollback(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Proposal %s rolled back\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a proposal's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := loadLoop(configPath)
			if err != nil {
				return err
			}
			p, ok := pc.loop.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown proposal: %s", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:          %s\n", p.ID)
			fmt.Fprintf(out, "Title:       %s\n", p.Title)
			fmt.Fprintf(out, "Status:      %s\n", p.Status)
			fmt.Fprintf(out, "Risk:        %s\n", p.Risk)
			fmt.Fprintf(out, "File changes: %d\n", len(p.FileChanges))
			if p.TestResults != nil {
				fmt.Fprintf(out, "Tests:       passed=%v exit=%d\n", p.TestResults.Passed, p.TestResults.ExitCode)
			}
			if p.ApprovedBy != "" {
				fmt.Fprintf(out, "Approved by: %s\n", p.ApprovedBy)
			}
			if p.RejectionReason != "" {
				fmt.Fprintf(out, "Rejected:    %s\n", p.RejectionReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// smokeCheckFor returns the post-swap smoke check promotion runs before
// committing a deploy. Absent a configured health probe, the check only
// verifies the staged directory exists.
func smokeCheckFor(cfg *config.Config) func(liveDir string) error {
	return func(liveDir string) error {
		info, err := os.Stat(liveDir)
		if err != nil {
			return fmt.Errorf("smoke check: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("smoke check: %s is not a directory", liveDir)
		}
		return nil
	}
}
