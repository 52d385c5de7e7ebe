package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/domain"
	"phaseline/internal/events"
)

const interruptedError = "interrupted"

// Recover closes phase runs left running by a crashed process. Runs older
// than the recovery grace period whose project has no local execution are
// marked failed and retryable; their projects stay running so Run resumes
// them with a fresh attempt.
func (e Engine) Recover(ctx context.Context) ([]domain.PhaseRun, error) {
	stale, err := e.Repo.RunningPhaseRuns(ctx, nil)
	if err != nil {
		return nil, err
	}
	cutoff := e.now().Add(-e.Config.Recovery.Grace)
	var recovered []domain.PhaseRun
	for _, run := range stale {
		if started, err := time.Parse(time.RFC3339, run.StartedAt); err == nil && started.After(cutoff) {
			continue
		}
		x, err := e.runs.acquire(run.ProjectID)
		if err != nil {
			continue
		}
		now := e.ts()
		err = e.inTx(ctx, func(t *txn) error {
			if err := e.Repo.FinishPhaseRun(ctx, t.Tx, run.ID, domain.RunFailed, true, interruptedError, now); err != nil {
				return err
			}
			return t.record(run.ProjectID, events.KindPhaseRecovered, "", events.Payload{
				"phase":   run.Phase,
				"attempt": run.Attempt,
				"run_id":  run.ID,
			})
		})
		e.runs.release(run.ProjectID, x)
		if err != nil {
			return recovered, err
		}
		run.Status = domain.RunFailed
		run.Retryable = true
		run.CompletedAt = &now
		msg := interruptedError
		run.Error = &msg
		recovered = append(recovered, run)
		e.Logger.Warn("recovered interrupted phase run",
			zap.String("project_id", run.ProjectID),
			zap.String("phase", run.Phase),
			zap.Int("attempt", run.Attempt))
	}
	return recovered, nil
}
