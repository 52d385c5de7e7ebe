package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/repo"
	"phaseline/internal/worker"
)

type outcomeKind int

const (
	outcomeSucceeded outcomeKind = iota
	outcomeFailed
	outcomeCancelled
)

type outcome struct {
	kind   outcomeKind
	result worker.Result
}

// execute runs one phase to a final outcome, retrying retryable failures up
// to the phase's retry ceiling. Every attempt and its outcome are committed
// to the activity log before execute returns. ctx is the execution context:
// cancelling it cancels the worker.
func (e Engine) execute(ctx context.Context, projectID, phase string) (outcome, error) {
	store := context.WithoutCancel(ctx)
	capability, err := e.Registry.Capability(phase)
	if err != nil {
		return outcome{}, err
	}
	w, err := e.Workers.Resolve(capability)
	if err != nil {
		return outcome{}, err
	}
	retries := e.Registry.Retries(phase)
	for retry := 0; ; retry++ {
		if ctx.Err() != nil {
			return outcome{kind: outcomeCancelled}, nil
		}
		p, run, active, err := e.beginRun(store, projectID, phase)
		if err != nil {
			return outcome{}, err
		}
		res, timedOut, werr := e.invoke(ctx, w, p, run, active)
		logger := e.Logger.With(
			zap.String("project_id", projectID),
			zap.String("phase", phase),
			zap.Int("attempt", run.Attempt))

		switch {
		case werr == nil:
			if err := e.succeedRun(store, run, active, res); err != nil {
				return outcome{}, err
			}
			e.Metrics.PhaseRunsTotal.WithLabelValues(phase, "succeeded").Inc()
			logger.Info("phase completed", zap.String("summary", res.Summary))
			return outcome{kind: outcomeSucceeded, result: res}, nil

		case ctx.Err() != nil:
			if err := e.failRun(store, run, werr, events.Payload{"cancelled": true}, false, false); err != nil {
				return outcome{}, err
			}
			e.Metrics.PhaseRunsTotal.WithLabelValues(phase, "cancelled").Inc()
			logger.Info("phase cancelled")
			return outcome{kind: outcomeCancelled}, nil
		}

		retryable := timedOut || worker.IsRetryable(werr)
		if retryable && retry < retries {
			if err := e.failRun(store, run, werr, events.Payload{"retryable": true}, true, false); err != nil {
				return outcome{}, err
			}
			e.Metrics.PhaseRunsTotal.WithLabelValues(phase, "retryable").Inc()
			delay := e.Config.Backoff(retry + 1)
			logger.Warn("phase attempt failed, retrying", zap.Duration("backoff", delay), zap.Error(werr))
			sleep := e.Sleep
			if sleep == nil {
				sleep = sleepCtx
			}
			if err := sleep(ctx, delay); err != nil {
				return outcome{kind: outcomeCancelled}, nil
			}
			continue
		}

		if err := e.failRun(store, run, werr, events.Payload{"fatal": true, "escalated": retryable}, false, true); err != nil {
			return outcome{}, err
		}
		e.Metrics.PhaseRunsTotal.WithLabelValues(phase, "fatal").Inc()
		logger.Error("phase failed", zap.Bool("escalated", retryable), zap.Error(werr))
		return outcome{kind: outcomeFailed}, nil
	}
}

// beginRun records a new running attempt of phase and moves a pending
// iteration that re-enters here to in_progress.
func (e Engine) beginRun(ctx context.Context, projectID, phase string) (domain.Project, domain.PhaseRun, *domain.Iteration, error) {
	var (
		p      domain.Project
		run    domain.PhaseRun
		active *domain.Iteration
	)
	err := e.inTx(ctx, func(t *txn) error {
		var err error
		p, err = e.Repo.GetProject(ctx, t.Tx, projectID)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusRunning {
			return fmt.Errorf("%w: project %s is %s", ErrInvalidTransition, projectID, p.Status)
		}
		if prev, err := e.Repo.RunningPhaseRun(ctx, t.Tx, projectID); err == nil {
			return fmt.Errorf("%w: phase %s already in progress", ErrAlreadyRunning, prev.Phase)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		attempt, err := e.Repo.NextAttempt(ctx, t.Tx, projectID, phase)
		if err != nil {
			return err
		}
		it, err := e.Repo.ActiveIteration(ctx, t.Tx, projectID)
		switch {
		case err == nil:
			active = &it
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		if active != nil && active.Status == domain.IterationPending && active.ReentryPhase == phase {
			if err := e.setIterationStatus(t, active, domain.IterationInProgress); err != nil {
				return err
			}
		}
		now := e.ts()
		run = domain.PhaseRun{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Phase:     phase,
			Attempt:   attempt,
			Status:    domain.RunRunning,
			StartedAt: now,
		}
		if active != nil {
			run.IterationID = &active.ID
		}
		if err := e.Repo.InsertPhaseRun(ctx, t.Tx, run); err != nil {
			return fmt.Errorf("insert phase run: %w", err)
		}
		p.CurrentPhase = &phase
		p.UpdatedAt = now
		if err := e.Repo.SaveProject(ctx, t.Tx, p); err != nil {
			return err
		}
		return t.record(projectID, events.KindPhaseStarted, "", events.Payload{
			"phase":   phase,
			"attempt": attempt,
			"run_id":  run.ID,
		})
	})
	return p, run, active, err
}

// invoke calls the worker under the phase timeout inside a span. timedOut
// reports that the phase deadline, not the execution, ended the call.
func (e Engine) invoke(ctx context.Context, w worker.Worker, p domain.Project, run domain.PhaseRun, active *domain.Iteration) (worker.Result, bool, error) {
	store := context.WithoutCancel(ctx)
	artifacts, err := e.Repo.ListLatestArtifacts(store, nil, p.ID)
	if err != nil {
		return worker.Result{}, false, worker.Retryable(fmt.Errorf("load artifacts: %w", err))
	}
	phaseCtx, cancel := context.WithTimeout(ctx, e.Registry.Timeout(run.Phase))
	defer cancel()
	phaseCtx, span := e.Tracer.Start(phaseCtx, "phase "+run.Phase, trace.WithAttributes(
		attribute.String("phaseline.project_id", p.ID),
		attribute.String("phaseline.phase", run.Phase),
		attribute.Int("phaseline.attempt", run.Attempt),
	))
	defer span.End()

	req := worker.Request{
		ProjectID:   p.ID,
		Description: p.Description,
		Phase:       run.Phase,
		Attempt:     run.Attempt,
		Artifacts:   artifacts,
		Feedback:    active,
		Progress: func(message string) {
			if phaseCtx.Err() != nil {
				return
			}
			err := e.inTx(store, func(t *txn) error {
				return t.record(p.ID, events.KindProgress, "", events.Payload{
					"phase":   run.Phase,
					"run_id":  run.ID,
					"message": message,
				})
			})
			if err != nil {
				e.Logger.Warn("record progress", zap.String("project_id", p.ID), zap.Error(err))
			}
		},
	}
	started := time.Now()
	res, werr := call(phaseCtx, w, req)
	e.Metrics.PhaseDuration.WithLabelValues(run.Phase).Observe(time.Since(started).Seconds())
	timedOut := werr != nil && ctx.Err() == nil && errors.Is(phaseCtx.Err(), context.DeadlineExceeded)

	if werr == nil {
		for _, a := range res.Artifacts {
			if a.Path == "" {
				werr = worker.Fatalf("worker returned an artifact without a path")
				break
			}
		}
	}
	if werr != nil {
		span.RecordError(werr)
		span.SetStatus(codes.Error, werr.Error())
	} else {
		span.SetAttributes(attribute.String("phaseline.verdict", string(res.Verdict)))
	}
	return res, timedOut, werr
}

// call runs the worker on its own goroutine and gives up when ctx ends, so a
// worker that ignores cancellation cannot outlive the phase deadline. A late
// result is discarded. A panic in the worker is a fatal failure.
func call(ctx context.Context, w worker.Worker, req worker.Request) (worker.Result, error) {
	type reply struct {
		res worker.Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		var r reply
		defer func() {
			if p := recover(); p != nil {
				r = reply{err: worker.Fatalf("worker panicked: %v", p)}
			}
			done <- r
		}()
		r.res, r.err = w.Invoke(ctx, req)
	}()
	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return worker.Result{}, ctx.Err()
	}
}

func (e Engine) succeedRun(ctx context.Context, run domain.PhaseRun, active *domain.Iteration, res worker.Result) error {
	verdict := res.Verdict
	if verdict == "" {
		verdict = domain.VerdictPass
	}
	return e.inTx(ctx, func(t *txn) error {
		now := e.ts()
		if err := e.Repo.FinishPhaseRun(ctx, t.Tx, run.ID, domain.RunSucceeded, false, "", now); err != nil {
			return err
		}
		written := make([]map[string]any, 0, len(res.Artifacts))
		for _, a := range res.Artifacts {
			v, err := e.Repo.PutArtifact(ctx, t.Tx, run.ProjectID, a.Path, a.Content, run.Phase, now)
			if err != nil {
				return fmt.Errorf("put artifact %s: %w", a.Path, err)
			}
			written = append(written, map[string]any{"path": a.Path, "version": v})
		}
		if err := t.record(run.ProjectID, events.KindPhaseCompleted, "", events.Payload{
			"phase":     run.Phase,
			"attempt":   run.Attempt,
			"run_id":    run.ID,
			"summary":   res.Summary,
			"verdict":   string(verdict),
			"artifacts": written,
		}); err != nil {
			return err
		}
		if active != nil && active.Status == domain.IterationInProgress && active.ReentryPhase == run.Phase {
			return e.resolveIteration(t, active, domain.IterationResolved)
		}
		return nil
	})
}

// failRun finishes an attempt as failed. A fatal failure also fails the
// project and gives up on its open iteration.
func (e Engine) failRun(ctx context.Context, run domain.PhaseRun, cause error, extra events.Payload, retryable, fatal bool) error {
	msg := "cancelled"
	if cause != nil {
		msg = cause.Error()
	}
	return e.inTx(ctx, func(t *txn) error {
		if err := e.Repo.FinishPhaseRun(ctx, t.Tx, run.ID, domain.RunFailed, retryable, msg, e.ts()); err != nil {
			return err
		}
		payload := events.Payload{
			"phase":     run.Phase,
			"attempt":   run.Attempt,
			"run_id":    run.ID,
			"error":     msg,
			"retryable": false,
			"fatal":     false,
		}
		for k, v := range extra {
			payload[k] = v
		}
		if err := t.record(run.ProjectID, events.KindPhaseFailed, "", payload); err != nil {
			return err
		}
		if !fatal {
			return nil
		}
		p, err := e.Repo.GetProject(ctx, t.Tx, run.ProjectID)
		if err != nil {
			return err
		}
		if err := transition(&p, domain.StatusFailed); err != nil {
			return err
		}
		p.UpdatedAt = e.ts()
		if err := e.Repo.SaveProject(ctx, t.Tx, p); err != nil {
			return err
		}
		return e.closeIteration(t, run.ProjectID, domain.IterationWontFix)
	})
}
