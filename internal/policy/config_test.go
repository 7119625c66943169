package policy

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if err := cfg.compile(); err != nil {
		t.Fatalf("default patterns must compile: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, hash, err := LoadWithHash(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if cfg.CostGovernance.TimeoutSec != 600 {
		t.Errorf("expected default timeout 600, got %d", cfg.CostGovernance.TimeoutSec)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("expected sha256 hash, got %q", hash)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "cost_governance:\n  timeout_s: 120\ntools:\n  allowlist: [pytest]\n"
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CostGovernance.TimeoutSec != 120 {
		t.Errorf("expected overridden timeout 120, got %d", cfg.CostGovernance.TimeoutSec)
	}
	// Unspecified fields keep defaults.
	if cfg.Sandbox.MemoryMB != 512 {
		t.Errorf("expected default memory 512, got %d", cfg.Sandbox.MemoryMB)
	}
	if !cfg.Tools.Allowed("pytest") {
		t.Error("pytest should be allowed")
	}
	if cfg.Tools.Allowed("playwright") {
		t.Error("playwright should not be allowed")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("cost_governance: ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"negative timeout": "cost_governance:\n  timeout_s: -5\n",
		"bad mode":         "sandbox:\n  mode: chroot\n",
		"bad network":      "sandbox:\n  network: wide_open\n",
		"bad strategy":     "ai_review:\n  strategy: coin_flip\n",
		"bad pattern":      "risk_patterns: ['[']\n",
	}
	for name, doc := range cases {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestAllowlistSemantics(t *testing.T) {
	unrestricted := ToolPolicy{Allowlist: nil}
	if !unrestricted.Allowed("anything") {
		t.Error("nil allowlist should allow all")
	}
	denyAll := ToolPolicy{Allowlist: []string{}}
	if denyAll.Allowed("pytest") {
		t.Error("empty non-nil allowlist must deny all")
	}
}

func TestEmptyAllowlistSurvivesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("tools:\n  allowlist: []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tools.Allowlist == nil {
		t.Fatal("explicit empty allowlist must stay non-nil")
	}
	if cfg.Tools.Allowed("pytest") {
		t.Error("explicit empty allowlist must deny all")
	}
}

func TestDefaultYAMLRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(DefaultYAML()), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("generated default document must load: %v", err)
	}
	if cfg.Sandbox.Mode != ModeProcess {
		t.Errorf("unexpected sandbox mode %q", cfg.Sandbox.Mode)
	}
}

func TestSourceCachesAndInvalidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("version: \"a\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	src := NewSource(path)
	first, err := src.Get()
	if err != nil {
		t.Fatal(err)
	}
	if first.Config.Version != "a" {
		t.Fatalf("expected version a, got %q", first.Config.Version)
	}

	// File changes are not visible until invalidation.
	if err := os.WriteFile(path, []byte("version: \"b\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cached, _ := src.Get()
	if cached != first {
		t.Error("expected cached snapshot before invalidation")
	}

	src.Invalidate()
	second, err := src.Get()
	if err != nil {
		t.Fatal(err)
	}
	if second.Config.Version != "b" {
		t.Errorf("expected version b after invalidation, got %q", second.Config.Version)
	}
	if second.Hash == first.Hash {
		t.Error("hash should change with content")
	}
}

func TestSourceConcurrentReads(t *testing.T) {
	src := NewSource(filepath.Join(t.TempDir(), "absent.yaml"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap, err := src.Get()
				if err != nil || snap == nil || snap.Config == nil {
					t.Errorf("reader saw inconsistent snapshot: %v", err)
					return
				}
				if j%10 == 0 {
					src.Invalidate()
				}
			}
		}()
	}
	wg.Wait()
}
