package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"phaseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q picks the transaction when one is given. The pool holds a single
// connection, so reads issued while a transaction is open must use it.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `id,COALESCE(description,''),status,current_phase,iteration_count,max_iterations,quality_loops,gate_kind,gate_opened_at,gate_payload_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (domain.Project, error) {
	var (
		p                       domain.Project
		status                  string
		phase, gateKind, gateAt sql.NullString
		gatePayload             sql.NullString
	)
	err := row.Scan(&p.ID, &p.Description, &status, &phase, &p.IterationCount, &p.MaxIterations, &p.QualityLoops,
		&gateKind, &gateAt, &gatePayload, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.ProjectStatus(status)
	p.CurrentPhase = nullString(phase)
	if gateKind.Valid {
		k := domain.GateKind(gateKind.String)
		p.GateKind = &k
	}
	p.GateOpenedAt = nullString(gateAt)
	if p.GatePayload, err = decodeObject(gatePayload); err != nil {
		return p, fmt.Errorf("decode gate payload: %w", err)
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	payload, err := encodeObject(p.GatePayload)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,description,status,current_phase,iteration_count,max_iterations,quality_loops,gate_kind,gate_opened_at,gate_payload_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.Description), string(p.Status), nullablePtr(p.CurrentPhase), p.IterationCount, p.MaxIterations, p.QualityLoops,
		gateKindValue(p.GateKind), nullablePtr(p.GateOpenedAt), payload, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return r.listProjects(ctx, nil, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
}

// ProjectsWithStatus lists projects currently in the given status.
func (r Repo) ProjectsWithStatus(ctx context.Context, tx *sql.Tx, status domain.ProjectStatus) ([]domain.Project, error) {
	return r.listProjects(ctx, tx, `SELECT `+projectColumns+` FROM projects WHERE status=? ORDER BY created_at, id`, string(status))
}

func (r Repo) listProjects(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SaveProject writes the mutable columns of a project.
func (r Repo) SaveProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	payload, err := encodeObject(p.GatePayload)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET status=?,current_phase=?,iteration_count=?,quality_loops=?,gate_kind=?,gate_opened_at=?,gate_payload_json=?,updated_at=? WHERE id=?`,
		string(p.Status), nullablePtr(p.CurrentPhase), p.IterationCount, p.QualityLoops,
		gateKindValue(p.GateKind), nullablePtr(p.GateOpenedAt), payload, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func gateKindValue(k *domain.GateKind) any {
	if k == nil {
		return nil
	}
	return string(*k)
}

func encodeObject(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func decodeObject(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
