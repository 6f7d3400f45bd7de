// Package runstore keeps a SQLite registry of driver runs and the
// checkpoints they saved.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	mode            TEXT NOT NULL,
	world_size      INTEGER NOT NULL,
	config_json     TEXT,
	status          TEXT NOT NULL,
	start_iteration INTEGER NOT NULL DEFAULT 0,
	last_iteration  INTEGER NOT NULL DEFAULT -1,
	error           TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	iteration   INTEGER NOT NULL,
	path        TEXT NOT NULL,
	digest      TEXT NOT NULL,
	size        INTEGER NOT NULL,
	compression TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`
// #endregion schema

// #region store-struct
// Store manages the run registry in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for the SQLite log sink.
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion constructor

// #region create-run
// CreateRun registers a new idle run. An empty runID gets a fresh UUID.
func (s *Store) CreateRun(runID string, train bool, worldSize int, configJSON string) (Run, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec := Run{
		RunID:         runID,
		Train:         train,
		WorldSize:     worldSize,
		ConfigJSON:    configJSON,
		Status:        StatusIdle,
		LastIteration: -1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, mode, world_size, config_json, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Mode(), worldSize, nullIfEmpty(configJSON), string(StatusIdle),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}
// #endregion create-run

// #region set-status
// SetStatus moves a run to status, recording errMsg for failures.
func (s *Store) SetStatus(runID string, status Status, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRow(`SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&current); err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	if err := checkTransition(Status(current), status); err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE run_id = ?`,
		string(status), nullIfEmpty(errMsg), time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return tx.Commit()
}

// Start marks a run running from startIteration.
func (s *Store) Start(runID string, startIteration int64) error {
	if err := s.SetStatus(runID, StatusRunning, ""); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE runs SET start_iteration = ? WHERE run_id = ?`, startIteration, runID)
	if err != nil {
		return fmt.Errorf("set start iteration: %w", err)
	}
	return nil
}

// Progress records the last completed iteration.
func (s *Store) Progress(runID string, iteration int64) error {
	_, err := s.db.Exec(
		`UPDATE runs SET last_iteration = ?, updated_at = ? WHERE run_id = ?`,
		iteration, time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}
// #endregion set-status

// #region get-run
const runColumns = `run_id, mode, world_size, config_json, status, start_iteration, last_iteration, error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var rec Run
	var mode, status, created, updated string
	var configJSON, errMsg sql.NullString
	err := row.Scan(&rec.RunID, &mode, &rec.WorldSize, &configJSON, &status,
		&rec.StartIteration, &rec.LastIteration, &errMsg, &created, &updated)
	if err != nil {
		return Run{}, err
	}
	rec.Train = mode == "train"
	rec.Status = Status(status)
	rec.ConfigJSON = configJSON.String
	rec.Error = errMsg.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (Run, error) {
	rec, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}
// #endregion get-run

// #region checkpoints
// RecordCheckpoint catalogs a saved checkpoint under its run.
func (s *Store) RecordCheckpoint(rec CheckpointRecord) (CheckpointRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (id, run_id, iteration, path, digest, size, compression, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Iteration, rec.Path, rec.Digest, rec.Size, rec.Compression,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return rec, nil
}

// ListCheckpoints returns the checkpoints of a run by iteration.
func (s *Store) ListCheckpoints(runID string) ([]CheckpointRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, iteration, path, digest, size, compression, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY iteration`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var rec CheckpointRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Iteration, &rec.Path, &rec.Digest, &rec.Size, &rec.Compression, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
// #endregion checkpoints

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
