// Package policy defines the versioned governance policy document:
// risk screening terms, gate rules, cost ceilings, tool allow-list,
// sandbox parameters, and the AI review sub-policy.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EnvPolicyPath overrides the policy file location.
const EnvPolicyPath = "QF_POLICY"

// ReportRule configures the structured-test-report gate rule.
type ReportRule struct {
	MaxFailures int `yaml:"max_failures"`
	MaxErrors   int `yaml:"max_errors"`
}

// FallbackRule configures the gate behavior when no structured report
// exists. RequireAllSuccess=false relaxes to at-least-one-success.
type FallbackRule struct {
	RequireAllSuccess bool `yaml:"require_all_success"`
}

// CostGovernance bounds cumulative run cost.
type CostGovernance struct {
	TimeoutSec int `yaml:"timeout_s"`
	MaxRetries int `yaml:"max_retries"`
}

// BudgetMS returns the cumulative elapsed-time ceiling in milliseconds.
func (c CostGovernance) BudgetMS() int64 {
	return int64(c.TimeoutSec) * 1000
}

// ToolPolicy holds the tool allow-list. A nil Allowlist means
// unrestricted; an empty non-nil list is a deliberate deny-all.
type ToolPolicy struct {
	Allowlist []string `yaml:"allowlist"`
}

// Allowed reports whether a tool may be dispatched under this policy.
func (t ToolPolicy) Allowed(name string) bool {
	if t.Allowlist == nil {
		return true
	}
	for _, a := range t.Allowlist {
		if a == name {
			return true
		}
	}
	return false
}

// NetworkPolicy is the container network stance.
type NetworkPolicy string

const (
	NetworkDeny      NetworkPolicy = "deny"
	NetworkAllowAll  NetworkPolicy = "allow_all"
	NetworkAllowlist NetworkPolicy = "allowlist"
)

// SandboxMode selects the isolation backend.
type SandboxMode string

const (
	ModeProcess   SandboxMode = "process"
	ModeContainer SandboxMode = "container"
)

// SandboxPolicy holds isolation parameters for both backends.
type SandboxPolicy struct {
	Enabled          bool          `yaml:"enabled"`
	Mode             SandboxMode   `yaml:"mode"`
	TimeoutSec       int           `yaml:"timeout_s"`
	MemoryMB         int           `yaml:"memory_mb"`
	CPULimit         float64       `yaml:"cpu_limit"`
	MaxProcesses     int           `yaml:"max_processes"`
	PathAllowlist    []string      `yaml:"path_allowlist"`
	EnvAllowlist     []string      `yaml:"env_allowlist"`
	Network          NetworkPolicy `yaml:"network"`
	NetworkAllowlist []string      `yaml:"network_allowlist"`
	Image            string        `yaml:"image"`
	WorkspaceRO      bool          `yaml:"workspace_readonly"`
}

// ModelConfig describes one AI adjudicator.
type ModelConfig struct {
	Name        string  `yaml:"name"`
	Weight      float64 `yaml:"weight"`
	Temperature float64 `yaml:"temperature"`
}

// AggregationStrategy selects how model votes combine.
type AggregationStrategy string

const (
	StrategyMajority AggregationStrategy = "majority_vote"
	StrategyWeighted AggregationStrategy = "weighted_ensemble"
	StrategyCascade  AggregationStrategy = "cascade"
)

// AIReviewPolicy configures the multi-model review layer.
type AIReviewPolicy struct {
	Enabled         bool                `yaml:"enabled"`
	Models          []ModelConfig       `yaml:"models"`
	Strategy        AggregationStrategy `yaml:"strategy"`
	PassThreshold   float64             `yaml:"pass_threshold"`
	ReviewThreshold float64             `yaml:"review_threshold"`
}

// Config is the full governance policy document. Loaded once,
// snapshot-cached by Source, and never mutated in place.
type Config struct {
	Version        string         `yaml:"version"`
	RiskKeywords   []string       `yaml:"risk_keywords"`
	RiskPatterns   []string       `yaml:"risk_patterns"`
	Report         ReportRule     `yaml:"report_rule"`
	Fallback       FallbackRule   `yaml:"fallback_rule"`
	CostGovernance CostGovernance `yaml:"cost_governance"`
	Tools          ToolPolicy     `yaml:"tools"`
	Sandbox        SandboxPolicy  `yaml:"sandbox"`
	AIReview       AIReviewPolicy `yaml:"ai_review"`

	compiledPatterns []*regexp.Regexp
}

// Default returns the built-in policy with typed defaults for every
// field. Risk keyword order is the reporting priority order.
func Default() *Config {
	return &Config{
		Version:      "1",
		RiskKeywords: []string{"production", "delete", "drop", "credentials", "payment"},
		RiskPatterns: []string{`rm\s+-rf`, `drop\s+table`, `truncate\s+table`},
		Report:       ReportRule{MaxFailures: 0, MaxErrors: 0},
		Fallback:     FallbackRule{RequireAllSuccess: true},
		CostGovernance: CostGovernance{
			TimeoutSec: 600,
			MaxRetries: 2,
		},
		Tools: ToolPolicy{Allowlist: nil},
		Sandbox: SandboxPolicy{
			Enabled:       true,
			Mode:          ModeProcess,
			TimeoutSec:    300,
			MemoryMB:      512,
			CPULimit:      1.0,
			MaxProcesses:  128,
			PathAllowlist: []string{"workspace", "tmp"},
			EnvAllowlist:  []string{"PATH", "HOME", "LANG", "TMPDIR", "QF_*"},
			Network:       NetworkDeny,
			Image:         "python:3.12-slim",
			WorkspaceRO:   true,
		},
		AIReview: AIReviewPolicy{
			Enabled:         false,
			Strategy:        StrategyMajority,
			PassThreshold:   0.7,
			ReviewThreshold: 0.5,
		},
	}
}

// DefaultPath resolves the policy file location: QF_POLICY env var,
// else ~/.qfgate/policy.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPolicyPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".qfgate", "policy.yaml")
}

// Load reads a policy from a YAML file. Empty path resolves via
// DefaultPath. Missing file returns defaults. Invalid YAML is an
// error, never an unvalidated passthrough.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads policy configuration and returns the SHA-256 of
// the raw bytes on disk, for drift detection in audit entries. When no
// file exists the hash is the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	emptyHash := func() string {
		h := sha256.Sum256(nil)
		return "sha256:" + hex.EncodeToString(h[:])
	}

	if path == "" {
		cfg := Default()
		if err := cfg.compile(); err != nil {
			return nil, "", err
		}
		return cfg, emptyHash(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := cfg.compile(); err != nil {
				return nil, "", err
			}
			return cfg, emptyHash(), nil
		}
		return nil, "", fmt.Errorf("read policy: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// Start with defaults, YAML overwrites only specified fields.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("parse policy: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, "", fmt.Errorf("invalid policy: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

func (c *Config) validate() error {
	if c.CostGovernance.TimeoutSec <= 0 {
		return fmt.Errorf("cost_governance.timeout_s must be positive")
	}
	if c.CostGovernance.MaxRetries < 0 || c.CostGovernance.MaxRetries > 10 {
		return fmt.Errorf("cost_governance.max_retries outside [0, 10]")
	}
	switch c.Sandbox.Mode {
	case ModeProcess, ModeContainer:
	default:
		return fmt.Errorf("sandbox.mode must be process or container, got %q", c.Sandbox.Mode)
	}
	switch c.Sandbox.Network {
	case NetworkDeny, NetworkAllowAll, NetworkAllowlist:
	default:
		return fmt.Errorf("sandbox.network must be deny, allow_all, or allowlist, got %q", c.Sandbox.Network)
	}
	switch c.AIReview.Strategy {
	case StrategyMajority, StrategyWeighted, StrategyCascade:
	default:
		return fmt.Errorf("ai_review.strategy unknown: %q", c.AIReview.Strategy)
	}
	if c.AIReview.PassThreshold < 0 || c.AIReview.PassThreshold > 1 {
		return fmt.Errorf("ai_review.pass_threshold outside [0, 1]")
	}
	return nil
}

// compile pre-compiles risk patterns, case-insensitive. A pattern that
// does not compile is a policy error.
func (c *Config) compile() error {
	c.compiledPatterns = c.compiledPatterns[:0]
	for _, p := range c.RiskPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("risk pattern %q: %w", p, err)
		}
		c.compiledPatterns = append(c.compiledPatterns, re)
	}
	return nil
}

// CompiledPatterns returns the pre-compiled risk regexes.
func (c *Config) CompiledPatterns() []*regexp.Regexp {
	return c.compiledPatterns
}

// DefaultYAML returns a commented YAML document for init-policy.
func DefaultYAML() string {
	return `# qfgate policy configuration
# Generated by: qfgate init-policy
#
# Gate evaluation order (cannot be changed):
#   1. Risk screen (keywords + patterns) -> need_human_review
#   2. Structured report rule            -> pass/fail
#   3. Fallback rule (tool outcomes)     -> pass/fail
#   4. No execution data                 -> fail

version: "1"

# Free-text risk screening. Keyword order is the reporting priority
# when multiple keywords match. Matching is whole-word, case-insensitive.
risk_keywords: [production, delete, drop, credentials, payment]
risk_patterns:
  - 'rm\s+-rf'
  - 'drop\s+table'
  - 'truncate\s+table'

# Structured-report tolerance. Zero means any failure/error fails the gate.
report_rule:
  max_failures: 0
  max_errors: 0

# When no structured report exists: require every tool call to succeed.
fallback_rule:
  require_all_success: true

# Cumulative run budget. Exceeding timeout_s short-circuits to FAIL.
cost_governance:
  timeout_s: 600
  max_retries: 2

# Tool allow-list. Omit for unrestricted; an empty list denies all tools.
tools:
  allowlist: [pytest, playwright]

# Sandbox parameters. mode: process | container.
sandbox:
  enabled: true
  mode: process
  timeout_s: 300
  memory_mb: 512
  cpu_limit: 1.0
  max_processes: 128
  path_allowlist: [workspace, tmp]
  env_allowlist: [PATH, HOME, LANG, TMPDIR, QF_*]
  network: deny
  image: python:3.12-slim
  workspace_readonly: true

# Multi-model AI review. Disabled reviews auto-pass; an enabled review
# with no models fails safe to needs_review.
ai_review:
  enabled: false
  strategy: majority_vote
  pass_threshold: 0.7
  review_threshold: 0.5
  models:
    - name: gpt-4o-mini
      weight: 1.0
      temperature: 0.0
`
}
