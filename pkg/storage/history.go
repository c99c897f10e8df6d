package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS print_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	subtask_name TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	final_state TEXT,
	cover_path TEXT
);
CREATE INDEX IF NOT EXISTS idx_print_history_job ON print_history(job_id);
`

// HistoryStore records job start/end rows in a local sqlite database so the
// display can answer "what printed last" across restarts.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (and migrates) the history database at path.
func OpenHistory(path string) (*HistoryStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create history dir %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply history schema")
	}
	return &HistoryStore{db: db}, nil
}

// Close releases the underlying database handle.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// RecordStart inserts a row for a newly started job.
func (h *HistoryStore) RecordStart(ctx context.Context, jobID, subtaskName string, startedAt time.Time) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO print_history (job_id, subtask_name, started_at) VALUES (?, ?, ?)`,
		jobID, subtaskName, startedAt.Unix())
	if err != nil {
		return errors.Wrap(err, "record job start")
	}
	return nil
}

// RecordEnd completes the row for a finished job. Missing rows are logged,
// not fatal: history is best effort and must never stall the poll loop.
func (h *HistoryStore) RecordEnd(ctx context.Context, jobID, finalState, coverPath string, endedAt time.Time) error {
	res, err := h.db.ExecContext(ctx,
		`UPDATE print_history SET ended_at = ?, final_state = ?, cover_path = ? WHERE job_id = ?`,
		endedAt.Unix(), finalState, coverPath, jobID)
	if err != nil {
		return errors.Wrap(err, "record job end")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Warn().Str("job_id", jobID).Msg("history: job end without matching start row")
	}
	return nil
}

// HistoryEntry is one recorded job.
type HistoryEntry struct {
	JobID       string
	SubtaskName string
	StartedAt   time.Time
	EndedAt     *time.Time
	FinalState  string
	CoverPath   string
}

// Recent returns the most recent entries, newest first.
func (h *HistoryStore) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT job_id, subtask_name, started_at, ended_at, final_state, cover_path
		 FROM print_history ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var started int64
		var ended sql.NullInt64
		var finalState, coverPath sql.NullString
		if err := rows.Scan(&entry.JobID, &entry.SubtaskName, &started, &ended, &finalState, &coverPath); err != nil {
			return nil, errors.Wrap(err, "scan history row")
		}
		entry.StartedAt = time.Unix(started, 0)
		if ended.Valid {
			t := time.Unix(ended.Int64, 0)
			entry.EndedAt = &t
		}
		entry.FinalState = finalState.String
		entry.CoverPath = coverPath.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
