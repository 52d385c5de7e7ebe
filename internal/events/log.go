package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"phaseline/internal/domain"
)

// Log is the persisted, per-project ordered activity history.
type Log struct {
	DB    *sql.DB
	Now   func() time.Time
	locks *sync.Map
}

func NewLog(db *sql.DB) Log {
	return Log{DB: db, Now: time.Now, locks: &sync.Map{}}
}

func (l Log) lock(projectID string) func() {
	if l.locks == nil {
		return func() {}
	}
	v, _ := l.locks.LoadOrStore(projectID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Append writes the next entry for a project inside tx. The returned entry
// must only be broadcast after tx commits.
func (l Log) Append(ctx context.Context, tx *sql.Tx, projectID, kind, actor string, payload Payload) (domain.ActivityEntry, error) {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.ActivityEntry{}, fmt.Errorf("marshal activity payload: %w", err)
	}
	// round-trip so the in-memory entry matches what a replay would decode
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return domain.ActivityEntry{}, err
	}
	if actor == "" {
		actor = "system"
	}

	unlock := l.lock(projectID)
	defer unlock()
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM activity WHERE project_id=?`, projectID).Scan(&seq); err != nil {
		return domain.ActivityEntry{}, fmt.Errorf("next seq: %w", err)
	}
	entry := domain.ActivityEntry{
		ProjectID: projectID,
		Seq:       seq,
		Kind:      kind,
		Actor:     actor,
		Payload:   decoded,
		TS:        now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO activity(project_id,seq,kind,actor,payload_json,ts) VALUES (?,?,?,?,?,?)`,
		entry.ProjectID, entry.Seq, entry.Kind, entry.Actor, string(data), entry.TS); err != nil {
		return domain.ActivityEntry{}, fmt.Errorf("append activity: %w", err)
	}
	return entry, nil
}

// Entries returns entries with seq >= fromSeq in order. limit <= 0 means all.
func (l Log) Entries(ctx context.Context, projectID string, fromSeq int64, limit int) ([]domain.ActivityEntry, error) {
	query := `SELECT project_id,seq,kind,actor,payload_json,ts FROM activity WHERE project_id=? AND seq>=? ORDER BY seq`
	args := []any{projectID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var (
			e   domain.ActivityEntry
			raw string
		)
		if err := rows.Scan(&e.ProjectID, &e.Seq, &e.Kind, &e.Actor, &raw, &e.TS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode activity %d: %w", e.Seq, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LastSeq returns the highest sequence number of a project, 0 if empty.
func (l Log) LastSeq(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM activity WHERE project_id=?`, projectID).Scan(&seq)
	return seq, err
}
