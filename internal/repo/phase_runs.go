package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const phaseRunColumns = `id,project_id,phase,attempt,status,retryable,iteration_id,started_at,completed_at,error`

func scanPhaseRun(row scanner) (domain.PhaseRun, error) {
	var (
		run                   domain.PhaseRun
		status                string
		retryable             int
		iteration, done, errs sql.NullString
	)
	err := row.Scan(&run.ID, &run.ProjectID, &run.Phase, &run.Attempt, &status, &retryable, &iteration, &run.StartedAt, &done, &errs)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	run.Status = domain.RunStatus(status)
	run.Retryable = retryable != 0
	run.IterationID = nullString(iteration)
	run.CompletedAt = nullString(done)
	run.Error = nullString(errs)
	return run, err
}

// NextAttempt returns the attempt number for a new run of phase.
func (r Repo) NextAttempt(ctx context.Context, tx *sql.Tx, projectID, phase string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0) FROM phase_runs WHERE project_id=? AND phase=?`, projectID, phase).Scan(&n)
	return n + 1, err
}

func (r Repo) InsertPhaseRun(ctx context.Context, tx *sql.Tx, run domain.PhaseRun) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO phase_runs(`+phaseRunColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Phase, run.Attempt, string(run.Status), boolInt(run.Retryable),
		nullablePtr(run.IterationID), run.StartedAt, nullablePtr(run.CompletedAt), nullablePtr(run.Error))
	return err
}

// FinishPhaseRun moves a running attempt to a terminal status. Terminal runs
// are never rewritten.
func (r Repo) FinishPhaseRun(ctx context.Context, tx *sql.Tx, id string, status domain.RunStatus, retryable bool, errMsg, completedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE phase_runs SET status=?,retryable=?,error=?,completed_at=? WHERE id=? AND status='running'`,
		string(status), boolInt(retryable), nullable(errMsg), completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPhaseRun(ctx context.Context, tx *sql.Tx, id string) (domain.PhaseRun, error) {
	return scanPhaseRun(r.q(tx).QueryRowContext(ctx, `SELECT `+phaseRunColumns+` FROM phase_runs WHERE id=?`, id))
}

// RunningPhaseRun returns the in-flight attempt of a project, if any.
func (r Repo) RunningPhaseRun(ctx context.Context, tx *sql.Tx, projectID string) (domain.PhaseRun, error) {
	return scanPhaseRun(r.q(tx).QueryRowContext(ctx, `SELECT `+phaseRunColumns+` FROM phase_runs WHERE project_id=? AND status='running'`, projectID))
}

// RunningPhaseRuns lists in-flight attempts across all projects.
func (r Repo) RunningPhaseRuns(ctx context.Context, tx *sql.Tx) ([]domain.PhaseRun, error) {
	return r.listPhaseRuns(ctx, tx, `SELECT `+phaseRunColumns+` FROM phase_runs WHERE status='running' ORDER BY started_at`)
}

func (r Repo) ListPhaseRuns(ctx context.Context, projectID string) ([]domain.PhaseRun, error) {
	return r.listPhaseRuns(ctx, nil, `SELECT `+phaseRunColumns+` FROM phase_runs WHERE project_id=? ORDER BY started_at, rowid`, projectID)
}

func (r Repo) PhaseRunsFor(ctx context.Context, projectID, phase string) ([]domain.PhaseRun, error) {
	return r.listPhaseRuns(ctx, nil, `SELECT `+phaseRunColumns+` FROM phase_runs WHERE project_id=? AND phase=? ORDER BY attempt`, projectID, phase)
}

func (r Repo) listPhaseRuns(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.PhaseRun, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseRun
	for rows.Next() {
		run, err := scanPhaseRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
