// Package worker defines the contract phase workers implement and ships the
// reference workers used to run a pipeline without external agents.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"phaseline/internal/domain"
)

// Artifact is one output file of a worker invocation.
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type Request struct {
	ProjectID   string
	Description string
	Phase       string
	Attempt     int
	// Artifacts holds the latest version of every artifact of the project.
	Artifacts []domain.Artifact
	// Feedback is the iteration that re-entered this phase, if any.
	Feedback *domain.Iteration
	// Progress appends a progress entry to the activity log.
	Progress func(message string)
}

func (r Request) progress(msg string) {
	if r.Progress != nil {
		r.Progress(msg)
	}
}

type Result struct {
	Artifacts []Artifact
	Summary   string
	Verdict   domain.Verdict
}

// Worker runs one phase. Implementations must honour ctx cancellation and
// tolerate being invoked again with the same inputs.
type Worker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Worker interface.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Invoke(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// RetryableError marks a transient failure the executor may retry.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a failure that ends the phase.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Retryablef builds a retryable error from a format string.
func Retryablef(format string, args ...any) error {
	return Retryable(fmt.Errorf(format, args...))
}

// Fatalf builds a fatal error from a format string.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// IsRetryable reports whether err was marked retryable. Unmarked errors are
// treated as fatal.
func IsRetryable(err error) bool {
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var re *RetryableError
	return errors.As(err, &re)
}

// Registry maps capability names to workers.
type Registry map[string]Worker

// Resolve returns the worker serving a capability.
func (r Registry) Resolve(capability string) (Worker, error) {
	w, ok := r[capability]
	if !ok || w == nil {
		return nil, fmt.Errorf("no worker registered for capability %s", capability)
	}
	return w, nil
}

// Missing lists the capabilities without a worker.
func (r Registry) Missing(capabilities []string) []string {
	var out []string
	for _, c := range capabilities {
		if _, err := r.Resolve(c); err != nil {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
