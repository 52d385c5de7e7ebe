package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/registry"
	"phaseline/internal/repo"
	"phaseline/internal/worker"
)

// execution is the slot a project holds while a command or its drive loop
// owns it.
type execution struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stopped   bool
	stopActor string
}

func (x *execution) requestStop(actor string) {
	x.mu.Lock()
	if !x.stopped {
		x.stopped = true
		x.stopActor = actor
	}
	x.mu.Unlock()
	x.cancel()
}

func (x *execution) stopRequested() (bool, string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stopped, x.stopActor
}

type runTable struct {
	mu   sync.Mutex
	byID map[string]*execution
}

func newRunTable() *runTable {
	return &runTable{byID: map[string]*execution{}}
}

func (t *runTable) acquire(projectID string) (*execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[projectID]; ok {
		return nil, fmt.Errorf("%w: project %s has an active execution", ErrAlreadyRunning, projectID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	x := &execution{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	t.byID[projectID] = x
	return x, nil
}

func (t *runTable) release(projectID string, x *execution) {
	t.mu.Lock()
	if t.byID[projectID] == x {
		delete(t.byID, projectID)
	}
	t.mu.Unlock()
	x.cancel()
	close(x.done)
}

func (t *runTable) get(projectID string) *execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[projectID]
}

// Active reports whether a project currently holds its execution slot.
func (e Engine) Active(projectID string) bool {
	return e.runs.get(projectID) != nil
}

// Wait blocks until the project's current execution, if any, has ended.
func (e Engine) Wait(ctx context.Context, projectID string) error {
	x := e.runs.get(projectID)
	if x == nil {
		return nil
	}
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts executing a project in the background. A created project moves
// to running; a running project without an execution (after a crash) resumes
// its current phase with a new attempt.
func (e Engine) Run(ctx context.Context, projectID, actor string) (domain.Project, error) {
	p, err := e.run(ctx, projectID, actor)
	if err != nil {
		return p, e.rejected(ctx, projectID, "run", actor, err)
	}
	return p, nil
}

func (e Engine) run(ctx context.Context, projectID, actor string) (domain.Project, error) {
	x, err := e.runs.acquire(projectID)
	if err != nil {
		return domain.Project{}, err
	}
	var p domain.Project
	err = e.inTx(ctx, func(t *txn) error {
		p, err = e.Repo.GetProject(ctx, t.Tx, projectID)
		if err != nil {
			return err
		}
		switch p.Status {
		case domain.StatusCreated:
			if err := transition(&p, domain.StatusRunning); err != nil {
				return err
			}
			first := e.Registry.First()
			p.CurrentPhase = &first
			p.UpdatedAt = e.ts()
			if err := e.Repo.SaveProject(ctx, t.Tx, p); err != nil {
				return err
			}
			return t.record(projectID, events.KindProjectStarted, actor, events.Payload{"phase": first})
		case domain.StatusRunning:
			run, err := e.Repo.RunningPhaseRun(ctx, t.Tx, projectID)
			if err == nil {
				return fmt.Errorf("%w: phase run %s (%s) is still marked running; run recover first", ErrInvalidTransition, run.ID, run.Phase)
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			return nil
		default:
			return fmt.Errorf("%w: cannot run a project in status %s", ErrInvalidTransition, p.Status)
		}
	})
	if err != nil {
		e.runs.release(projectID, x)
		return p, err
	}
	e.start(x, projectID, actor)
	return p, nil
}

// Stop cancels a running project. An in-flight worker is cancelled; the
// project is abandoned once the current phase returns.
func (e Engine) Stop(ctx context.Context, projectID, actor string) (domain.Project, error) {
	p, err := e.stop(ctx, projectID, actor)
	if err != nil {
		return p, e.rejected(ctx, projectID, "stop", actor, err)
	}
	return p, nil
}

func (e Engine) stop(ctx context.Context, projectID, actor string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, nil, projectID)
	if err != nil {
		return p, err
	}
	if p.Status != domain.StatusRunning {
		return p, fmt.Errorf("%w: cannot stop a project in status %s", ErrInvalidTransition, p.Status)
	}
	if x := e.runs.get(projectID); x != nil {
		x.requestStop(actor)
		e.Logger.Info("stop requested", zap.String("project_id", projectID), zap.String("actor", actor))
		return p, nil
	}
	x, err := e.runs.acquire(projectID)
	if err != nil {
		return p, err
	}
	defer e.runs.release(projectID, x)
	if err := e.abandon(ctx, projectID, actor, "stopped"); err != nil {
		return p, err
	}
	return e.Repo.GetProject(ctx, nil, projectID)
}

// ResumeAll runs every project left running without an execution, as found
// after a restart. Projects that cannot resume are logged and skipped.
func (e Engine) ResumeAll(ctx context.Context, actor string) ([]string, error) {
	projects, err := e.Repo.ProjectsWithStatus(ctx, nil, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	var resumed []string
	for _, p := range projects {
		if e.Active(p.ID) {
			continue
		}
		if _, err := e.Run(ctx, p.ID, actor); err != nil {
			e.Logger.Warn("resume skipped", zap.String("project_id", p.ID), zap.Error(err))
			continue
		}
		resumed = append(resumed, p.ID)
	}
	return resumed, nil
}

// start hands the slot to a background drive loop that releases it when the
// project reaches a gate or a terminal status.
func (e Engine) start(x *execution, projectID, actor string) {
	e.Metrics.ActiveExecutions.Inc()
	go func() {
		defer func() {
			e.Metrics.ActiveExecutions.Dec()
			e.runs.release(projectID, x)
		}()
		if err := e.drive(x, projectID, actor); err != nil {
			e.Logger.Error("execution ended with error", zap.String("project_id", projectID), zap.Error(err))
			e.halt(projectID, err)
		}
	}()
}

// halt fails a project whose drive loop ended on an internal error, so it is
// never left running with no execution behind it. A phase run the error left
// open is closed with it.
func (e Engine) halt(projectID string, cause error) {
	ctx := context.Background()
	err := e.inTx(ctx, func(t *txn) error {
		p, err := e.Repo.GetProject(ctx, t.Tx, projectID)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusRunning {
			return nil
		}
		now := e.ts()
		if run, err := e.Repo.RunningPhaseRun(ctx, t.Tx, projectID); err == nil {
			if err := e.Repo.FinishPhaseRun(ctx, t.Tx, run.ID, domain.RunFailed, false, cause.Error(), now); err != nil {
				return err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := transition(&p, domain.StatusFailed); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := e.Repo.SaveProject(ctx, t.Tx, p); err != nil {
			return err
		}
		if err := e.closeIteration(t, projectID, domain.IterationWontFix); err != nil {
			return err
		}
		return t.record(projectID, events.KindPhaseFailed, "", events.Payload{
			"phase":     p.Phase(),
			"error":     cause.Error(),
			"retryable": false,
			"fatal":     true,
			"internal":  true,
		})
	})
	if err != nil {
		e.Logger.Error("fail halted project", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (e Engine) drive(x *execution, projectID, actor string) error {
	store := context.WithoutCancel(x.ctx)
	logger := e.Logger.With(zap.String("project_id", projectID))
	for {
		if stopped, by := x.stopRequested(); stopped {
			return e.abandon(store, projectID, by, "stopped")
		}
		p, err := e.Repo.GetProject(store, nil, projectID)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusRunning {
			return nil
		}
		phase := p.Phase()
		if phase == "" {
			phase = e.Registry.First()
		}
		out, err := e.execute(x.ctx, projectID, phase)
		if err != nil {
			return err
		}
		switch out.kind {
		case outcomeCancelled:
			_, by := x.stopRequested()
			return e.abandon(store, projectID, by, "cancelled")
		case outcomeFailed:
			logger.Warn("project failed", zap.String("phase", phase))
			return nil
		}
		if stopped, by := x.stopRequested(); stopped {
			return e.abandon(store, projectID, by, "stopped")
		}
		more, err := e.advance(store, projectID, phase, out.result)
		if err != nil || !more {
			return err
		}
	}
}

// advance applies the registry step that follows a successful phase. It
// reports whether the drive loop should execute another phase.
func (e Engine) advance(ctx context.Context, projectID, phase string, res worker.Result) (bool, error) {
	more := false
	err := e.inTx(ctx, func(t *txn) error {
		p, err := e.Repo.GetProject(ctx, t.Tx, projectID)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusRunning {
			return nil
		}
		verdict := res.Verdict
		if verdict == "" {
			verdict = domain.VerdictPass
		}
		step, err := e.Registry.Next(phase, verdict, p.QualityLoops)
		if err != nil {
			return err
		}
		switch step.Kind {
		case registry.StepSequential:
			p.CurrentPhase = &step.Phase
			more = true
		case registry.StepLoop:
			p.QualityLoops++
			p.CurrentPhase = &step.Phase
			more = true
			e.Logger.Info("quality loop", zap.String("project_id", projectID), zap.Int("loop", p.QualityLoops))
		case registry.StepGated:
			return e.openGate(t, &p, step, events.Payload{
				"summary":   res.Summary,
				"verdict":   string(verdict),
				"from":      phase,
				"exhausted": step.Exhausted,
			})
		case registry.StepTerminal:
			if err := transition(&p, domain.StatusCompleted); err != nil {
				return err
			}
			p.CurrentPhase = nil
			if err := t.record(projectID, events.KindProjectCompleted, "", events.Payload{"phase": phase}); err != nil {
				return err
			}
		}
		p.UpdatedAt = e.ts()
		return e.Repo.SaveProject(ctx, t.Tx, p)
	})
	return more, err
}

// abandon moves a running project to abandoned and closes its open iteration.
func (e Engine) abandon(ctx context.Context, projectID, actor, reason string) error {
	return e.inTx(ctx, func(t *txn) error {
		p, err := e.Repo.GetProject(ctx, t.Tx, projectID)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return nil
		}
		if err := transition(&p, domain.StatusAbandoned); err != nil {
			return err
		}
		p.UpdatedAt = e.ts()
		if err := e.Repo.SaveProject(ctx, t.Tx, p); err != nil {
			return err
		}
		if err := e.closeIteration(t, projectID, domain.IterationWontFix); err != nil {
			return err
		}
		return t.record(projectID, events.KindProjectStopped, actor, events.Payload{
			"reason": reason,
			"phase":  p.Phase(),
		})
	})
}
