// Package registry maps tool names to executable adapters and
// enforces the policy tool allow-list ahead of dispatch.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/qfgate/qfgate/internal/contract"
	"github.com/qfgate/qfgate/internal/govern"
	"github.com/qfgate/qfgate/internal/policy"
)

// ErrNotFound distinguishes an unknown tool from a policy block and
// from an execution failure.
type ErrNotFound struct {
	Tool string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("tool %q not registered", e.Tool)
}

// Registry holds the tool map. Registration happens at startup; the
// map is read-only once traffic begins, so lookups take no lock.
type Registry struct {
	tools    map[string]govern.ToolFunc
	executor *govern.Executor
	sealed   bool
}

// New creates an empty registry using the given governed executor.
func New(executor *govern.Executor) *Registry {
	return &Registry{
		tools:    make(map[string]govern.ToolFunc),
		executor: executor,
	}
}

// Register adds a tool adapter. Panics after Seal or on duplicate
// names — both are wiring bugs, not runtime conditions.
func (r *Registry) Register(name string, fn govern.ToolFunc) {
	if r.sealed {
		panic("registry: Register after Seal")
	}
	if _, dup := r.tools[name]; dup {
		panic("registry: duplicate tool " + name)
	}
	r.tools[name] = fn
}

// Seal marks registration complete. Execute may be called from any
// goroutine afterwards.
func (r *Registry) Seal() {
	r.sealed = true
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Execute dispatches a request to the named tool under governance.
// Policy is checked first: a non-nil allow-list that does not contain
// the name refuses execution with a policy-blocked result and never
// invokes the tool — an empty allow-list is a deliberate deny-all.
// Unknown tools return ErrNotFound.
func (r *Registry) Execute(ctx context.Context, name string, req *contract.ToolRequest, pol *policy.Config) (*contract.ToolResult, error) {
	if pol != nil && !pol.Tools.Allowed(name) {
		now := time.Now().UTC()
		return &contract.ToolResult{
			Tool:          name,
			Status:        contract.StatusSkipped,
			ErrorMsg:      fmt.Sprintf("tool %q blocked by policy allow-list", name),
			PolicyBlocked: true,
			StartedAt:     now,
			FinishedAt:    now,
		}, nil
	}

	fn, ok := r.tools[name]
	if !ok {
		return nil, &ErrNotFound{Tool: name}
	}

	return r.executor.Execute(ctx, fn, req), nil
}
