// Package container executes commands inside an isolated container:
// dropped capabilities, cgroup limits, read-only workspace mount, and
// a deny-by-default network stance. When no runtime is present it
// fails closed — it never falls back to unsandboxed execution.
package container

import (
	"errors"
	"os/exec"
)

// ErrRuntimeUnavailable is returned when no container runtime can be
// discovered on the host. Callers must treat it as a first-class
// outcome, not retry unsandboxed.
var ErrRuntimeUnavailable = errors.New("no container runtime available (tried docker, podman)")

// candidates in discovery order.
var candidates = []string{"docker", "podman"}

// DiscoverRuntime returns the first container runtime binary found on
// PATH, or ErrRuntimeUnavailable.
func DiscoverRuntime() (string, error) {
	return discoverWith(exec.LookPath)
}

func discoverWith(lookPath func(string) (string, error)) (string, error) {
	for _, c := range candidates {
		if p, err := lookPath(c); err == nil {
			return p, nil
		}
	}
	return "", ErrRuntimeUnavailable
}
