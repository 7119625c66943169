// Package govern wraps tool invocations with enforced per-attempt
// timeouts and bounded retry. Every path out of the executor is a
// structured ToolResult — nothing raises past this boundary.
package govern

import (
	"context"
	"fmt"
	"time"

	"github.com/qfgate/qfgate/internal/contract"
)

// ToolFunc is the adapter contract: one attempt at executing a tool.
type ToolFunc func(ctx context.Context, req *contract.ToolRequest) (*contract.ToolResult, error)

// Executor enforces timeout and retry governance around a ToolFunc.
type Executor struct {
	retryable map[contract.Status]bool
}

// NewExecutor returns an Executor with the default retryable set:
// failed and timeout outcomes retry, everything else is terminal.
func NewExecutor() *Executor {
	return &Executor{
		retryable: map[contract.Status]bool{
			contract.StatusFailed:  true,
			contract.StatusTimeout: true,
		},
	}
}

// WithRetryable replaces the retryable status set.
func (e *Executor) WithRetryable(statuses ...contract.Status) *Executor {
	e.retryable = make(map[contract.Status]bool, len(statuses))
	for _, s := range statuses {
		e.retryable[s] = true
	}
	return e
}

// Execute runs the tool under governance. Each attempt gets its own
// deadline from the request timeout; retries are bounded by
// 1+MaxRetries total attempts and happen only for retryable outcomes.
// The returned metrics always report attempts, retries used, the
// timed-out flag, and duration accumulated across all attempts.
func (e *Executor) Execute(ctx context.Context, fn ToolFunc, req *contract.ToolRequest) *contract.ToolResult {
	if err := req.Validate(); err != nil {
		res := contract.FailedResult(req.Tool, fmt.Errorf("invalid request: %w", err))
		res.Metrics.Attempts = 0
		return res
	}

	var (
		result    *contract.ToolResult
		attempts  int
		totalMS   int64
		startedAt = time.Now().UTC()
	)

	maxAttempts := 1 + req.MaxRetries
	for attempts < maxAttempts {
		attempts++

		res := e.attempt(ctx, fn, req)
		totalMS += res.Metrics.DurationMS
		result = res

		if res.Status == contract.StatusSuccess || !e.retryable[res.Status] {
			break
		}
	}

	result.Metrics.Attempts = attempts
	result.Metrics.RetriesUsed = attempts - 1
	result.Metrics.DurationMS = totalMS
	result.Metrics.TimedOut = result.Status == contract.StatusTimeout
	result.StartedAt = startedAt
	result.FinishedAt = time.Now().UTC()
	return result
}

// attempt runs one bounded attempt. Panics and errors from the tool
// function become failed results; a blown deadline becomes a timeout
// result even if the tool function never returns.
func (e *Executor) attempt(ctx context.Context, fn ToolFunc, req *contract.ToolRequest) *contract.ToolResult {
	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	type outcome struct {
		res *contract.ToolResult
		err error
	}
	done := make(chan outcome, 1)

	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := fn(attemptCtx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		return &contract.ToolResult{
			Tool:     req.Tool,
			Status:   contract.StatusTimeout,
			ErrorMsg: fmt.Sprintf("tool %q exceeded %ds timeout", req.Tool, req.TimeoutSec),
			Metrics:  contract.ToolMetrics{DurationMS: time.Since(start).Milliseconds(), TimedOut: true},
		}
	case out := <-done:
		elapsed := time.Since(start).Milliseconds()
		if out.err != nil {
			res := contract.FailedResult(req.Tool, out.err)
			res.Metrics.DurationMS = elapsed
			return res
		}
		if out.res == nil {
			res := contract.FailedResult(req.Tool, fmt.Errorf("tool returned no result"))
			res.Metrics.DurationMS = elapsed
			return res
		}
		out.res.Tool = req.Tool
		out.res.Metrics.DurationMS = elapsed
		return out.res
	}
}
