package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region schema
const iterationLogSchema = `CREATE TABLE IF NOT EXISTS iteration_log (
	run_id       TEXT NOT NULL,
	rank         INTEGER NOT NULL,
	iteration    INTEGER NOT NULL,
	epoch        REAL NOT NULL,
	first_id     INTEGER NOT NULL,
	cpu_mem      REAL NOT NULL,
	cpu_mem_perc REAL NOT NULL,
	gpu_mem      REAL NOT NULL,
	gpu_mem_perc REAL NOT NULL,
	timers_json  TEXT,
	scalars_json TEXT,
	created_at   TEXT NOT NULL
)`
// #endregion schema

// #region log-iteration
// IterationEntry is a single row in the iteration_log table.
type IterationEntry struct {
	RunID     string
	Rank      int
	Record    Record
	CreatedAt time.Time
}

// LogIteration writes an entry to the iteration_log table.
func LogIteration(db *sql.DB, entry IterationEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r := entry.Record

	var timersJSON, scalarsJSON string
	if len(r.TimerNames) > 0 {
		timers := make(map[string]float64, len(r.TimerNames))
		for i, n := range r.TimerNames {
			timers[n] = r.TimerValues[i]
		}
		data, err := json.Marshal(timers)
		if err != nil {
			return fmt.Errorf("encode timers: %w", err)
		}
		timersJSON = string(data)
	}
	if len(r.Scalars) > 0 {
		data, err := json.Marshal(r.Scalars)
		if err != nil {
			return fmt.Errorf("encode scalars: %w", err)
		}
		scalarsJSON = string(data)
	}

	_, err := db.Exec(
		`INSERT INTO iteration_log (run_id, rank, iteration, epoch, first_id, cpu_mem, cpu_mem_perc, gpu_mem, gpu_mem_perc, timers_json, scalars_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Rank,
		r.Iteration,
		r.Epoch,
		r.FirstID,
		r.Memory.CPU,
		r.Memory.CPUPerc,
		r.Memory.GPU,
		r.Memory.GPUPerc,
		nullIfEmpty(timersJSON),
		nullIfEmpty(scalarsJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log iteration: %w", err)
	}
	return nil
}
// #endregion log-iteration

// #region sqlite-logger
// SQLiteLogger appends records of one run and rank to iteration_log.
type SQLiteLogger struct {
	db    *sql.DB
	runID string
	rank  int
}

// NewSQLiteLogger creates the iteration_log table if needed.
func NewSQLiteLogger(db *sql.DB, runID string, rank int) (*SQLiteLogger, error) {
	if _, err := db.Exec(iterationLogSchema); err != nil {
		return nil, fmt.Errorf("create iteration_log: %w", err)
	}
	return &SQLiteLogger{db: db, runID: runID, rank: rank}, nil
}

func (l *SQLiteLogger) Append(r Record) error {
	return LogIteration(l.db, IterationEntry{RunID: l.runID, Rank: l.rank, Record: r})
}

// Close is a no-op; the database belongs to the caller.
func (l *SQLiteLogger) Close() error { return nil }
// #endregion sqlite-logger

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
