package sandbox

import (
	"path"
	"strings"
)

// BuildEnv reconstructs the child environment from scratch: only
// variables whose names match a glob pattern in the allow-list are
// propagated from the parent environment. Nothing else leaks through.
func BuildEnv(parent []string, allowlist []string) []string {
	if len(allowlist) == 0 {
		return nil
	}

	var out []string
	for _, kv := range parent {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		name := kv[:eq]
		for _, pat := range allowlist {
			if matched, err := path.Match(pat, name); err == nil && matched {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}
