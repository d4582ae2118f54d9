// Package storage keeps the job queue history, run reports and scanned
// masters in SQLite. The schema is managed with embedded migrations.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps SQLite-backed persistence for jobs, runs and masters.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and migrates it to the
// latest schema version.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared between queries.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// MigrateUp applies every pending migration. The migrate instance is not
// closed because that would close the shared connection.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version reports the applied schema version. A fresh database is at 0.
func (s *Store) Version() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunRecord is the persisted summary of one pipeline run.
type RunRecord struct {
	ID        string
	JobID     string
	Started   time.Time
	Finished  time.Time
	RGBOK     bool
	NBOK      bool
	Destroyed int
	Kept      int
	Warnings  []string
	Error     string
	Outputs   []OutputRecord
}

// OutputRecord is one terminal image of a run.
type OutputRecord struct {
	Name     string
	Label    string
	Workflow string
	Path     string
	Stars    bool
}

// MasterRecord is a master file found by a scan.
type MasterRecord struct {
	FilePath  string
	Label     string
	Width     int
	Height    int
	ScannedAt time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var started, completed sql.NullTime
		var input, output, opts, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = input.String, output.String, opts.String, errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordRun stores a run and its outputs in one transaction.
func (s *Store) RecordRun(rec RunRecord) error {
	if s == nil {
		return nil
	}
	warnings, _ := json.Marshal(rec.Warnings)
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO runs (id, job_id, started_at, finished_at, rgb_ok, nb_ok, destroyed, kept, warnings_json, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobID, rec.Started, rec.Finished, rec.RGBOK, rec.NBOK, rec.Destroyed, rec.Kept, string(warnings), rec.Error)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM run_outputs WHERE run_id=?;`, rec.ID); err != nil {
		return fmt.Errorf("clear outputs: %w", err)
	}
	for _, out := range rec.Outputs {
		_, err := tx.Exec(`INSERT INTO run_outputs (run_id, name, label, workflow, path, stars) VALUES (?, ?, ?, ?, ?, ?);`,
			rec.ID, out.Name, out.Label, out.Workflow, out.Path, out.Stars)
		if err != nil {
			return fmt.Errorf("insert output %s: %w", out.Name, err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs with their outputs.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_id, started_at, finished_at, rgb_ok, nb_ok, destroyed, kept, warnings_json, error_message FROM runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var jobID, warnings, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &jobID, &rec.Started, &rec.Finished, &rec.RGBOK, &rec.NBOK, &rec.Destroyed, &rec.Kept, &warnings, &errMsg); err != nil {
			rows.Close()
			return nil, err
		}
		rec.JobID, rec.Error = jobID.String, errMsg.String
		if warnings.String != "" {
			_ = json.Unmarshal([]byte(warnings.String), &rec.Warnings)
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range recs {
		outs, err := s.RunOutputs(recs[i].ID)
		if err != nil {
			return nil, err
		}
		recs[i].Outputs = outs
	}
	return recs, nil
}

// RunOutputs lists the outputs of a run in name order.
func (s *Store) RunOutputs(runID string) ([]OutputRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT name, label, workflow, path, stars FROM run_outputs WHERE run_id=? ORDER BY name;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var outs []OutputRecord
	for rows.Next() {
		var out OutputRecord
		var label, path sql.NullString
		if err := rows.Scan(&out.Name, &label, &out.Workflow, &path, &out.Stars); err != nil {
			return nil, err
		}
		out.Label, out.Path = label.String, path.String
		outs = append(outs, out)
	}
	return outs, rows.Err()
}

// RecordMaster stores a classified master file.
func (s *Store) RecordMaster(rec MasterRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO masters (file_path, label, width, height) VALUES (?, ?, ?, ?);`,
		rec.FilePath, rec.Label, rec.Width, rec.Height)
	return err
}

// Masters lists the recorded masters for a label, or all of them when
// label is empty.
func (s *Store) Masters(label string) ([]MasterRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT file_path, label, width, height, scanned_at FROM masters WHERE ?='' OR label=? ORDER BY file_path;`, label, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []MasterRecord
	for rows.Next() {
		var rec MasterRecord
		var w, h sql.NullInt64
		if err := rows.Scan(&rec.FilePath, &rec.Label, &w, &h, &rec.ScannedAt); err != nil {
			return nil, err
		}
		rec.Width, rec.Height = int(w.Int64), int(h.Int64)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
