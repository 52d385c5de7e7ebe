package repo

import (
	"context"
	"database/sql"
	"fmt"

	"phaseline/internal/domain"
)

const gateColumns = `id,project_id,kind,phase,payload_json,status,decision,resolved_by,resolved_at,created_at`

func scanGate(row scanner) (domain.Gate, error) {
	var (
		g                      domain.Gate
		kind, status           string
		payload, decision      sql.NullString
		resolvedBy, resolvedAt sql.NullString
	)
	err := row.Scan(&g.ID, &g.ProjectID, &kind, &g.Phase, &payload, &status, &decision, &resolvedBy, &resolvedAt, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Kind = domain.GateKind(kind)
	g.Status = domain.GateStatus(status)
	if decision.Valid {
		d := domain.Decision(decision.String)
		g.Decision = &d
	}
	g.ResolvedBy = nullString(resolvedBy)
	g.ResolvedAt = nullString(resolvedAt)
	if g.Payload, err = decodeObject(payload); err != nil {
		return g, fmt.Errorf("decode gate payload: %w", err)
	}
	return g, nil
}

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	payload, err := encodeObject(g.Payload)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO gates(`+gateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, string(g.Kind), g.Phase, payload, string(g.Status), nil, nil, nil, g.CreatedAt)
	return err
}

// OpenGate returns the project's open gate or ErrNotFound.
func (r Repo) OpenGate(ctx context.Context, tx *sql.Tx, projectID string) (domain.Gate, error) {
	return scanGate(r.q(tx).QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND status='open'`, projectID))
}

// LatestResolvedGate returns the most recently resolved gate of a kind.
func (r Repo) LatestResolvedGate(ctx context.Context, tx *sql.Tx, projectID string, kind domain.GateKind) (domain.Gate, error) {
	return scanGate(r.q(tx).QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND kind=? AND status<>'open' ORDER BY resolved_at DESC, rowid DESC LIMIT 1`,
		projectID, string(kind)))
}

// ResolveGate closes an open gate. Resolved gates are immutable.
func (r Repo) ResolveGate(ctx context.Context, tx *sql.Tx, id string, decision domain.Decision, by, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE gates SET status=?,decision=?,resolved_by=?,resolved_at=? WHERE id=? AND status='open'`,
		string(decision.GateStatus()), string(decision), by, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListGates(ctx context.Context, projectID string) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// CountOpenGates is used by invariant checks.
func (r Repo) CountOpenGates(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM gates WHERE project_id=? AND status='open'`, projectID).Scan(&n)
	return n, err
}
