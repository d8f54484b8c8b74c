package evolution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

// RunTests invokes env's configured test command in a child process scoped
// to env's working directory and env vars, enforcing timeout. A timeout
// counts as a failure, matching every other transient outcome: the caller
// gets back a TestResults it can attach to a Proposal, never a bare error,
// unless the command itself could not be started.
func RunTests(ctx context.Context, env models.Environment, timeout time.Duration) (*models.TestResults, error) {
	if len(env.TestCommand) == 0 {
		return nil, fmt.Errorf("evolution: environment %q has no test_command configured", env.Name)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, env.TestCommand[0], env.TestCommand[1:]...)
	cmd.Dir = env.StoragePath
	cmd.Env = append(os.Environ(), envPairs(env.EnvVars)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &models.TestResults{
		Output:   out.String(),
		Duration: elapsed,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Passed = false
		result.ExitCode = -1
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.Passed = true
		result.ExitCode = 0
	case errors.As(runErr, &exitErr):
		result.Passed = false
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("evolution: starting test command for %q: %w", env.Name, runErr)
	}

	return result, nil
}

func envPairs(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}
