package sandbox

import (
	"strings"
)

// CheckWorkDir validates a working directory against the policy path
// allow-list using first-path-segment matching. Absolute paths are
// rejected unless the allow-list whitelists them explicitly; any
// parent-traversal segment is rejected outright.
func CheckWorkDir(dir string, allowlist []string) (bool, string) {
	if dir == "" {
		return false, "working directory must not be empty"
	}

	norm := strings.ReplaceAll(dir, "\\", "/")
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return false, "path traversal not allowed: " + dir
		}
	}

	if strings.HasPrefix(norm, "/") {
		// Absolute paths require an exact or prefix entry in the allow-list.
		for _, a := range allowlist {
			if !strings.HasPrefix(a, "/") {
				continue
			}
			if norm == a || strings.HasPrefix(norm, strings.TrimSuffix(a, "/")+"/") {
				return true, ""
			}
		}
		return false, "absolute path not in allow-list: " + dir
	}

	first := firstSegment(norm)
	for _, a := range allowlist {
		if firstSegment(strings.ReplaceAll(a, "\\", "/")) == first {
			return true, ""
		}
	}
	return false, "path not in allow-list: " + dir
}

func firstSegment(p string) string {
	p = strings.TrimPrefix(p, "./")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}
