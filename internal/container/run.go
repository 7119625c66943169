package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qfgate/qfgate/internal/policy"
)

// Fixed in-container mount points.
const (
	workspaceMount = "/workspace"
	outputMount    = "/output"
)

// Result captures one containerized execution outcome.
type Result struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	ElapsedMS       int64  `json:"elapsed_ms"`
	KilledByTimeout bool   `json:"killed_by_timeout,omitempty"`
	ContainerName   string `json:"container_name"`
	ImageDigest     string `json:"image_digest,omitempty"`
	// NetworkDegraded records that an allow-list network policy was
	// requested but no enforcement mechanism exists, so the container
	// ran with network fully denied instead.
	NetworkDegraded bool `json:"network_degraded,omitempty"`
}

// Runner executes commands in containers under a sandbox policy.
type Runner struct {
	cfg     policy.SandboxPolicy
	runtime string
}

// NewRunner discovers a container runtime and returns a Runner.
// Fails closed with ErrRuntimeUnavailable when none exists.
func NewRunner(cfg policy.SandboxPolicy) (*Runner, error) {
	rt, err := DiscoverRuntime()
	if err != nil {
		return nil, err
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 300
	}
	return &Runner{cfg: cfg, runtime: rt}, nil
}

// buildArgs constructs the runtime invocation. Returns the args and
// whether the network policy was degraded to deny.
func buildArgs(cfg policy.SandboxPolicy, name, workspacePath, outputPath string, envVars map[string]string, command string, cmdArgs []string) ([]string, bool) {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}

	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	if cfg.CPULimit > 0 {
		args = append(args, "--cpus", strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", cfg.CPULimit), "0"), "."))
	}
	if cfg.MaxProcesses > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", cfg.MaxProcesses))
	}

	degraded := false
	switch cfg.Network {
	case policy.NetworkAllowAll:
		// No flag: runtime default network.
	case policy.NetworkAllowlist:
		// No per-destination mechanism exists at the runtime level.
		// Fail safe to full deny, never to allow-all.
		args = append(args, "--network", "none")
		degraded = true
	default: // deny
		args = append(args, "--network", "none")
	}

	wsMode := "rw"
	if cfg.WorkspaceRO {
		wsMode = "ro"
	}
	args = append(args,
		"-v", workspacePath+":"+workspaceMount+":"+wsMode,
		"-v", outputPath+":"+outputMount+":rw",
		"-w", workspaceMount,
	)

	for k, v := range envVars {
		args = append(args, "-e", k+"="+v)
	}

	args = append(args, cfg.Image)
	args = append(args, command)
	args = append(args, cmdArgs...)
	return args, degraded
}

// Run executes the command in a new container. On timeout the named
// container is force-killed first, then the monitoring process, so no
// orphaned container survives the deadline.
func (r *Runner) Run(ctx context.Context, command string, cmdArgs []string, workspacePath, outputPath string, envVars map[string]string) (*Result, error) {
	name := "qfgate-" + uuid.New().String()[:8]
	args, degraded := buildArgs(r.cfg, name, workspacePath, outputPath, envVars, command, cmdArgs)

	timeout := time.Duration(r.cfg.TimeoutSec) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(r.runtime, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	res := &Result{
		ContainerName:   name,
		NetworkDegraded: degraded,
		ImageDigest:     r.imageDigest(),
	}

	select {
	case <-execCtx.Done():
		// Kill the container by name before the monitor: --rm containers
		// otherwise outlive a killed client process.
		killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = exec.CommandContext(killCtx, r.runtime, "kill", name).Run()
		killCancel()
		_ = cmd.Process.Kill()
		<-done

		res.ExitCode = -1
		res.ElapsedMS = time.Since(start).Milliseconds()
		res.KilledByTimeout = true
		res.Stderr = fmt.Sprintf("container killed after %s timeout", timeout)
		return res, nil

	case err := <-done:
		res.ElapsedMS = time.Since(start).Milliseconds()
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
				return res, nil
			}
			return nil, fmt.Errorf("container wait: %w", err)
		}
		return res, nil
	}
}

// imageDigest resolves a truncated repo digest of the configured image
// for audit correlation. Best-effort: empty on any failure.
func (r *Runner) imageDigest() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.runtime, "image", "inspect",
		"--format", "{{index .RepoDigests 0}}", r.cfg.Image).Output()
	if err != nil {
		return ""
	}
	digest := strings.TrimSpace(string(out))
	if i := strings.Index(digest, "@"); i >= 0 {
		digest = digest[i+1:]
	}
	if len(digest) > 19 { // "sha256:" + 12 hex chars
		digest = digest[:19]
	}
	return digest
}
