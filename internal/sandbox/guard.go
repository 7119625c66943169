// Package sandbox executes commands under a process-level security
// boundary: command block-list, dangerous-pattern screen, working
// directory allow-list, rebuilt environment, and a hard wall-clock
// timeout. Violations come back as blocked results, never as errors
// escaping the boundary.
package sandbox

import (
	"path/filepath"
	"regexp"
	"strings"
)

// blockedBasenames are command basenames that never run under the
// process sandbox, matched exactly on the first token's basename.
var blockedBasenames = map[string]bool{
	"sudo":     true,
	"su":       true,
	"doas":     true,
	"shutdown": true,
	"reboot":   true,
	"mkfs":     true,
	"dd":       true,
	"insmod":   true,
	"rmmod":    true,
	"mount":    true,
	"umount":   true,
}

// dangerousPatterns screen the full command line for shell constructs
// that a blocked basename alone would miss.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`), // recursive force delete
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\bchmod\s+777\b`),
	regexp.MustCompile(`>\s*/dev/(sd[a-z]|nvme|null\s*2>&1\s*&)`), // redirect to device
	regexp.MustCompile(`(?i)(curl|wget)[^|]*\|\s*(ba)?sh\b`),      // pipe-to-shell
	regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
}

// CheckCommand validates a command line before spawning.
// Returns (blocked, reason). Matching is fail-closed: an empty command
// is blocked.
func CheckCommand(command string, args []string) (bool, string) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return true, "empty command"
	}

	base := filepath.Base(strings.Fields(trimmed)[0])
	if blockedBasenames[strings.ToLower(base)] {
		return true, "command blocked: " + base
	}

	full := trimmed
	if len(args) > 0 {
		full = trimmed + " " + strings.Join(args, " ")
	}
	for _, re := range dangerousPatterns {
		if re.MatchString(full) {
			return true, "dangerous pattern blocked: " + re.String()
		}
	}
	return false, ""
}
