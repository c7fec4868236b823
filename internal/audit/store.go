// Package audit persists task lifecycle transitions as an append-only log
// backed by SQLite, and derives aggregate stats from it on demand.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the append-only audit log. Append is the single serialization
// point for task history and is safe under concurrent writers.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open initializes the SQLite database at the given path, creating the
// parent directory and schema as needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// modernc.org/sqlite allows a single writer; serialize at the pool level
	// on top of the store mutex.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		state TEXT NOT NULL,
		skill TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_records(task_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_skill ON audit_records(skill, ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append durably writes one record. It never fails silently: any error is
// returned to the caller, which treats a lost completion record as a task
// failure.
func (s *Store) Append(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, task_id, ts, state, skill, action, decision, reason, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Timestamp.UnixMicro(), r.State, r.Skill, r.Action, r.Decision, r.Reason, r.Detail)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Query returns a lazy sequence of records matching the filter, in timestamp
// ascending order. The sequence is restartable: each range over it re-runs
// the underlying query.
func (s *Store) Query(ctx context.Context, f Filter) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		var (
			conds []string
			args  []any
		)
		if f.TaskID != "" {
			conds = append(conds, "task_id = ?")
			args = append(args, f.TaskID)
		}
		if f.Skill != "" {
			conds = append(conds, "skill = ?")
			args = append(args, f.Skill)
		}
		if f.State != "" {
			conds = append(conds, "state = ?")
			args = append(args, f.State)
		}
		if !f.Since.IsZero() {
			conds = append(conds, "ts >= ?")
			args = append(args, f.Since.UnixMicro())
		}
		if !f.Until.IsZero() {
			conds = append(conds, "ts < ?")
			args = append(args, f.Until.UnixMicro())
		}

		query := "SELECT id, task_id, ts, state, skill, action, decision, reason, detail FROM audit_records"
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		query += " ORDER BY ts ASC, id ASC"
		if f.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", f.Limit)
		}

		s.mu.RLock()
		rows, err := s.db.QueryContext(ctx, query, args...)
		s.mu.RUnlock()
		if err != nil {
			yield(nil, fmt.Errorf("failed to query audit records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r  Record
				ts int64
			)
			if err := rows.Scan(&r.ID, &r.TaskID, &ts, &r.State, &r.Skill, &r.Action, &r.Decision, &r.Reason, &r.Detail); err != nil {
				yield(nil, fmt.Errorf("failed to scan audit record: %w", err))
				return
			}
			r.Timestamp = time.UnixMicro(ts).UTC()
			if !yield(&r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("audit record iteration failed: %w", err))
		}
	}
}

// Stats aggregates records appended within the trailing window. A zero
// window covers the whole log.
func (s *Store) Stats(ctx context.Context, window time.Duration) (*Snapshot, error) {
	var since int64
	if window > 0 {
		since = time.Now().Add(-window).UnixMicro()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Window:  window,
		ByState: make(map[string]int),
		BySkill: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM audit_records WHERE ts >= ? GROUP BY state`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit states: %w", err)
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan state aggregate: %w", err)
		}
		snap.ByState[state] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("state aggregation failed: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT skill, COUNT(*) FROM audit_records WHERE ts >= ? AND state = 'CREATED' GROUP BY skill`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit skills: %w", err)
	}
	for rows.Next() {
		var (
			skill string
			n     int
		)
		if err := rows.Scan(&skill, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan skill aggregate: %w", err)
		}
		if skill != "" {
			snap.BySkill[skill] = n
		}
		snap.Tasks += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("skill aggregation failed: %w", err)
	}
	rows.Close()

	snap.Succeeded = snap.ByState["SUCCEEDED"]
	snap.Failed = snap.ByState["FAILED"]
	snap.Blocked = snap.ByState["BLOCKED"]
	terminal := snap.Succeeded + snap.Failed + snap.Blocked
	if terminal > 0 {
		snap.SuccessRate = float64(snap.Succeeded) / float64(terminal)
	}
	return snap, nil
}

// Prune deletes records older than the cutoff and returns how many were
// removed. Retention is opt-in; unbounded retention is the default.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_records WHERE ts < ?`, olderThan.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned records: %w", err)
	}
	return n, nil
}
