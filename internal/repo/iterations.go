package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const iterationColumns = `id,project_id,number,category,feedback,reentry_phase,status,created_at,resolved_at`

func scanIteration(row scanner) (domain.Iteration, error) {
	var (
		it               domain.Iteration
		category, status string
		resolvedAt       sql.NullString
	)
	err := row.Scan(&it.ID, &it.ProjectID, &it.Number, &category, &it.Feedback, &it.ReentryPhase, &status, &it.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	it.Category = domain.FeedbackCategory(category)
	it.Status = domain.IterationStatus(status)
	it.ResolvedAt = nullString(resolvedAt)
	return it, err
}

func (r Repo) InsertIteration(ctx context.Context, tx *sql.Tx, it domain.Iteration) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO iterations(`+iterationColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Number, string(it.Category), it.Feedback, it.ReentryPhase, string(it.Status), it.CreatedAt, nullablePtr(it.ResolvedAt))
	return err
}

// ActiveIteration returns the newest iteration that is still pending or in progress.
func (r Repo) ActiveIteration(ctx context.Context, tx *sql.Tx, projectID string) (domain.Iteration, error) {
	return scanIteration(r.q(tx).QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM iterations
WHERE project_id=? AND status IN ('pending','in_progress') ORDER BY number DESC LIMIT 1`, projectID))
}

func (r Repo) SetIterationStatus(ctx context.Context, tx *sql.Tx, id string, status domain.IterationStatus, resolvedAt *string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE iterations SET status=?,resolved_at=? WHERE id=?`, string(status), nullablePtr(resolvedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListIterations(ctx context.Context, projectID string) ([]domain.Iteration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+iterationColumns+` FROM iterations WHERE project_id=? ORDER BY number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Iteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
