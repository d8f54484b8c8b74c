// Package main provides the CLI entry point for the orchestration
// substrate: the Runtime Dispatcher, Tool Invocation Pipeline, Memory
// Engine, and Dev/Prod Evolution Loop running as one process.
//
// # Basic Usage
//
// Start the server:
//
//	substrated serve --config substrate.yaml
//
// Drive a self-improvement proposal through the evolution loop:
//
//	substrated propose "add retry jitter" --description "..." --changes changes.json
//	substrated submit <id>
//	substrated test <id>
//	substrated approve <id> --approver ops@example.com
//	substrated deploy <id> --by ops@example.com
//	substrated rollback <id>
//
// # Environment Variables
//
//   - SUBSTRATE_CONFIG: path to the configuration file (default: substrate.yaml)
//   - SUBSTRATE_LOG_LEVEL: overrides logging.level from the config file
//   - SUBSTRATE_MEMORY_DB_PATH: overrides memory.db_path from the config file
//   - SUBSTRATE_WATCHER_DEBOUNCE_MS: overrides watcher.debounce_ms
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: interpolated into provider keys via ${VAR} in the config file
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise it without os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "substrated",
		Short: "substrated - self-evolving meta-agent orchestration substrate",
		Long: `substrated runs the four subsystems of the orchestration substrate:

  Runtime Dispatcher        - LLM provider invocation with key rotation and failover
  Tool Invocation Pipeline  - schema-validated, rate-limited tool execution
  Memory Engine             - durable conversation log, FTS and semantic search
  Dev/Prod Evolution Loop   - proposal review, promotion, and rollback`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildProposeCmd(),
		buildSubmitCmd(),
		buildTestCmd(),
		buildApproveCmd(),
		buildRejectCmd(),
		buildDeployCmd(),
		buildRollbackCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the SUBSTRATE_CONFIG override when no --config
// flag value was given.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if fromEnv := os.Getenv("SUBSTRATE_CONFIG"); fromEnv != "" {
		return fromEnv
	}
	return "substrate.yaml"
}
