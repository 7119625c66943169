package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/qfgate/qfgate/internal/policy"
)

// Result captures one sandboxed execution outcome. Blocked results
// never spawned a process.
type Result struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	ElapsedMS       int64  `json:"elapsed_ms"`
	KilledByTimeout bool   `json:"killed_by_timeout,omitempty"`
	Blocked         bool   `json:"blocked,omitempty"`
	BlockReason     string `json:"block_reason,omitempty"`
}

// Runner executes commands under the process-level boundary described
// by a sandbox policy.
type Runner struct {
	cfg policy.SandboxPolicy
}

// NewRunner creates a Runner for the given sandbox policy.
func NewRunner(cfg policy.SandboxPolicy) *Runner {
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 300
	}
	return &Runner{cfg: cfg}
}

// Run validates the command and working directory, rebuilds the
// environment from the allow-list, and executes under a hard timeout.
// On expiry the process is forcibly killed, partial output is
// discarded, and a synthetic timeout message is returned instead.
// Run never returns an error for policy violations — those come back
// as Blocked results.
func (r *Runner) Run(ctx context.Context, command string, args []string, workingDir string, stdin io.Reader) (*Result, error) {
	if blocked, reason := CheckCommand(command, args); blocked {
		return &Result{Blocked: true, BlockReason: reason, ExitCode: -1}, nil
	}
	if ok, reason := CheckWorkDir(workingDir, r.cfg.PathAllowlist); !ok {
		return &Result{Blocked: true, BlockReason: reason, ExitCode: -1}, nil
	}

	timeout := time.Duration(r.cfg.TimeoutSec) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command, args...)
	cmd.Dir = workingDir
	// A nil Env would inherit the parent environment wholesale; the
	// child always gets the rebuilt set, even when it is empty.
	env := BuildEnv(os.Environ(), r.cfg.EnvAllowlist)
	if env == nil {
		env = []string{}
	}
	cmd.Env = env
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		// Partial output is unreliable after a forced kill; replace it
		// with a synthetic message so callers cannot mistake a truncated
		// stream for a complete one.
		return &Result{
			ExitCode:        -1,
			Stderr:          fmt.Sprintf("process killed after %s timeout", timeout),
			ElapsedMS:       elapsed,
			KilledByTimeout: true,
		}, nil
	}

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ElapsedMS: elapsed,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// Spawn failures (binary not found etc.) are structured too.
		res.ExitCode = -1
		res.Stderr = runErr.Error()
		return res, nil
	}
	return res, nil
}
