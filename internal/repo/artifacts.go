package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"phaseline/internal/domain"
)

const artifactColumns = `project_id,path,version,content,phase,created_at`

func scanArtifact(row scanner) (domain.Artifact, error) {
	var a domain.Artifact
	err := row.Scan(&a.ProjectID, &a.Path, &a.Version, &a.Content, &a.Phase, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// PutArtifact appends a new version of path and returns its number.
func (r Repo) PutArtifact(ctx context.Context, tx *sql.Tx, projectID, path, content, phase, createdAt string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, fmt.Errorf("artifact path is required")
	}
	q := r.q(tx)
	var version int
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM artifacts WHERE project_id=? AND path=?`, projectID, path).Scan(&version); err != nil {
		return 0, err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?)`,
		projectID, path, version, content, phase, createdAt); err != nil {
		return 0, err
	}
	return version, nil
}

// LatestArtifact returns the highest version of path.
func (r Repo) LatestArtifact(ctx context.Context, projectID, path string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND path=? ORDER BY version DESC LIMIT 1`, projectID, path))
}

// ArtifactVersion returns one specific version of path.
func (r Repo) ArtifactVersion(ctx context.Context, projectID, path string, version int) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND path=? AND version=?`, projectID, path, version))
}

// ListLatestArtifacts returns the latest version of every known path.
func (r Repo) ListLatestArtifacts(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Artifact, error) {
	return r.listArtifacts(ctx, tx, `SELECT a.project_id,a.path,a.version,a.content,a.phase,a.created_at FROM artifacts a
JOIN (SELECT path, MAX(version) AS v FROM artifacts WHERE project_id=? GROUP BY path) m ON m.path=a.path AND m.v=a.version
WHERE a.project_id=? ORDER BY a.path`, projectID, projectID)
}

// ArtifactVersions returns the full history of path, oldest first.
func (r Repo) ArtifactVersions(ctx context.Context, projectID, path string) ([]domain.Artifact, error) {
	return r.listArtifacts(ctx, nil, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND path=? ORDER BY version`, projectID, path)
}

func (r Repo) listArtifacts(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Artifact, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
