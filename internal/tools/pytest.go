// Package tools holds the reference tool adapters that bridge real
// test runners onto the tool contract. Adapters execute under the
// policy sandbox and normalize runner output into structured results.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/qfgate/qfgate/internal/container"
	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/govern"
	"github.com/qfgate/qfgate/internal/policy"
	"github.com/qfgate/qfgate/internal/report"
	"github.com/qfgate/qfgate/internal/sandbox"
)

const junitFileName = "junit.xml"

// PytestAdapter runs a pytest suite under the configured sandbox mode
// and maps the outcome onto the tool contract: a JUnit XML report
// becomes the structured summary, runner output becomes log artifacts.
type PytestAdapter struct {
	cfg     policy.SandboxPolicy
	workDir string

	// interpreter overrides the python binary, for tests.
	interpreter string
}

// NewPytestAdapter builds an adapter that tests the tree at workDir.
func NewPytestAdapter(cfg policy.SandboxPolicy, workDir string) *PytestAdapter {
	return &PytestAdapter{cfg: cfg, workDir: workDir, interpreter: "python3"}
}

// Func returns the adapter as a registrable tool function.
func (a *PytestAdapter) Func() govern.ToolFunc {
	return a.run
}

func (a *PytestAdapter) run(ctx context.Context, req *contract.ToolRequest) (*contract.ToolResult, error) {
	outDir, err := os.MkdirTemp("", "qfgate-pytest-")
	if err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	res := &contract.ToolResult{Tool: req.Tool, ArtifactDir: outDir}

	if req.DryRun {
		res.Status = contract.StatusSkipped
		res.Stdout = a.interpreter + " " + strings.Join(a.cmdArgs(req, filepath.Join(outDir, junitFileName)), " ")
		return res, nil
	}

	switch a.cfg.Mode {
	case policy.ModeContainer:
		err = a.runContainer(ctx, req, outDir, res)
	default:
		err = a.runProcess(ctx, req, outDir, res)
	}
	if err != nil {
		return nil, err
	}

	a.collect(outDir, res)
	return res, nil
}

// cmdArgs builds the pytest invocation. The JUnit report always lands
// at junitPath; request args select what runs.
func (a *PytestAdapter) cmdArgs(req *contract.ToolRequest, junitPath string) []string {
	args := []string{"-m", "pytest", "-q", "--junitxml=" + junitPath}
	if v, ok := req.Args["path"].(string); ok && v != "" {
		args = append(args, v)
	}
	if v, ok := req.Args["markers"].(string); ok && v != "" {
		args = append(args, "-m", v)
	}
	if v, ok := req.Args["keywords"].(string); ok && v != "" {
		args = append(args, "-k", v)
	}
	return args
}

func (a *PytestAdapter) runProcess(ctx context.Context, req *contract.ToolRequest, outDir string, res *contract.ToolResult) error {
	junitPath := filepath.Join(outDir, junitFileName)
	runner := sandbox.NewRunner(a.cfg)

	sr, err := runner.Run(ctx, a.interpreter, a.cmdArgs(req, junitPath), a.workDir, nil)
	if err != nil {
		return err
	}
	res.Sandbox = &contract.SandboxInfo{
		Mode:        string(policy.ModeProcess),
		Blocked:     sr.Blocked,
		BlockReason: sr.BlockReason,
	}
	if sr.Blocked {
		res.Status = contract.StatusFailed
		res.ErrorMsg = sr.BlockReason
		return nil
	}
	a.fold(res, sr.ExitCode, sr.Stdout, sr.Stderr, sr.ElapsedMS, sr.KilledByTimeout)
	return nil
}

func (a *PytestAdapter) runContainer(ctx context.Context, req *contract.ToolRequest, outDir string, res *contract.ToolResult) error {
	runner, err := container.NewRunner(a.cfg)
	if err != nil {
		return err
	}
	// Inside the container the output mount is fixed; the host-side
	// file still appears under outDir.
	cr, err := runner.Run(ctx, a.interpreter, a.cmdArgs(req, "/output/"+junitFileName), a.workDir, outDir, nil)
	if err != nil {
		return err
	}
	res.Sandbox = &contract.SandboxInfo{
		Mode:            string(policy.ModeContainer),
		NetworkDegraded: cr.NetworkDegraded,
		ImageDigest:     cr.ImageDigest,
		ContainerName:   cr.ContainerName,
	}
	a.fold(res, cr.ExitCode, cr.Stdout, cr.Stderr, cr.ElapsedMS, cr.KilledByTimeout)
	return nil
}

// fold maps a raw execution outcome onto the result. Exit codes 0 and
// 1 both mean pytest ran to completion (1 is "tests failed"); the gate
// judges test outcomes from the report, not the exit code.
func (a *PytestAdapter) fold(res *contract.ToolResult, exitCode int, stdout, stderr string, elapsedMS int64, timedOut bool) {
	res.Stdout = stdout
	res.Stderr = stderr
	res.Metrics.DurationMS = elapsedMS
	res.Metrics.ExitCode = &exitCode

	switch {
	case timedOut:
		res.Status = contract.StatusTimeout
		res.Metrics.TimedOut = true
		res.ErrorMsg = "pytest killed by sandbox timeout"
	case exitCode == 0 || exitCode == 1:
		res.Status = contract.StatusSuccess
	default:
		res.Status = contract.StatusFailed
		res.ErrorMsg = fmt.Sprintf("pytest exited %d", exitCode)
	}
}

// collect parses the JUnit report and attaches artifacts. A missing or
// unparseable report is not an error: the gate falls back to tool
// outcomes when no structured summary exists.
func (a *PytestAdapter) collect(outDir string, res *contract.ToolResult) {
	junitPath := filepath.Join(outDir, junitFileName)
	data, err := os.ReadFile(junitPath)
	if err == nil {
		if sum, perr := report.ParseJUnit(data); perr == nil {
			res.RawOutput = map[string]any{
				"tests":    sum.Tests,
				"failures": sum.Failures,
				"errors":   sum.Errors,
				"skipped":  sum.Skipped,
				"time_s":   sum.TimeSec,
			}
		} else {
			fmt.Fprintf(os.Stderr, "pytest adapter: parse %s: %v\n", junitPath, perr)
		}
		if ref, aerr := contract.NewArtifactRef(contract.ArtifactTestReport, junitFileName, "application/xml", int64(len(data))); aerr == nil {
			res.Artifacts = append(res.Artifacts, *ref)
		}
	}

	if res.Stdout != "" {
		logPath := filepath.Join(outDir, "pytest.log")
		if werr := os.WriteFile(logPath, []byte(res.Stdout), 0600); werr == nil {
			if ref, aerr := contract.NewArtifactRef(contract.ArtifactLog, "pytest.log", "text/plain", int64(len(res.Stdout))); aerr == nil {
				res.Artifacts = append(res.Artifacts, *ref)
			}
		}
	}
}
