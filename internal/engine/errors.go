package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"phaseline/internal/events"
	"phaseline/internal/repo"
)

var (
	// ErrGateMismatch rejects a stale or conflicting gate decision.
	ErrGateMismatch = errors.New("gate mismatch")
	// ErrIterationLimitExceeded rejects feedback once max_iterations is reached.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")
	// ErrAlreadyRunning rejects a command colliding with an active execution.
	ErrAlreadyRunning = errors.New("already running")
	// ErrInvalidTransition rejects a command the project status does not permit.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAlreadyExists     = errors.New("already exists")
)

// ErrorCode returns the stable code of an engine error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGateMismatch):
		return "gate_mismatch"
	case errors.Is(err, ErrIterationLimitExceeded):
		return "iteration_limit_exceeded"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

// rejected records a refused command in the project's activity log and
// returns err unchanged. It must not be called while a transaction is open.
func (e Engine) rejected(ctx context.Context, projectID, command, actor string, err error) error {
	if err == nil {
		return nil
	}
	code := ErrorCode(err)
	e.Metrics.CommandsRejected.WithLabelValues(command, code).Inc()
	e.Logger.Info("command rejected",
		zap.String("project_id", projectID),
		zap.String("command", command),
		zap.String("code", code),
		zap.Error(err))
	if projectID == "" {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if _, gerr := e.Repo.GetProject(ctx, nil, projectID); gerr != nil {
		return err
	}
	if lerr := e.inTx(ctx, func(t *txn) error {
		return t.record(projectID, events.KindCommandRejected, actor, events.Payload{
			"command": command,
			"error":   err.Error(),
			"code":    code,
		})
	}); lerr != nil {
		e.Logger.Warn("record rejected command", zap.String("project_id", projectID), zap.Error(lerr))
	}
	return err
}
