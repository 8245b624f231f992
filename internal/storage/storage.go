package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"yardstitch/internal/yard"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for yards, jobs and camera reports.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stitch_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            yard_id TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS yards (
            id TEXT PRIMARY KEY,
            name TEXT,
            descriptor_json TEXT NOT NULL,
            camera_count INTEGER,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS camera_reports (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            camera_index INTEGER NOT NULL,
            camera_id TEXT,
            family TEXT,
            points INTEGER,
            reproj_error REAL,
            covered INTEGER,
            skipped BOOLEAN DEFAULT FALSE,
            stage TEXT,
            reason TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_camera_reports_job_id ON camera_reports(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stitch_jobs_yard_id ON stitch_jobs(yard_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

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
	YardID      string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CameraReportRecord is one camera's outcome within a job.
type CameraReportRecord struct {
	JobID       string
	CameraIndex int
	CameraID    string
	Family      string
	Points      int
	ReprojError float64
	Covered     int
	Skipped     bool
	Stage       string
	Reason      string
}

// YardRecord is a stored yard descriptor with bookkeeping columns.
type YardRecord struct {
	ID          string
	Name        string
	CameraCount int
	UpdatedAt   time.Time
	Descriptor  yard.Descriptor
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO stitch_jobs (id, job_type, status, yard_id, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.YardID, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE stitch_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE stitch_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
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
	rows, err := s.DB.Query(`SELECT id, job_type, status, yard_id, output_path, options_json, created_at, started_at, completed_at, error_message FROM stitch_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var yardID, output, opts, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &yardID, &output, &opts, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.YardID, rec.OutputPath, rec.OptionsJSON = yardID.String, output.String, opts.String
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
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
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordCameraReports persists the per-camera outcomes of a job.
func (s *Store) RecordCameraReports(recs []CameraReportRecord) error {
	if s == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO camera_reports (job_id, camera_index, camera_id, family, points, reproj_error, covered, skipped, stage, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.Exec(r.JobID, r.CameraIndex, r.CameraID, r.Family, r.Points, r.ReprojError, r.Covered, r.Skipped, r.Stage, r.Reason); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CameraReports returns a job's camera outcomes in camera order.
func (s *Store) CameraReports(jobID string) ([]CameraReportRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, camera_index, camera_id, family, points, reproj_error, covered, skipped, stage, reason FROM camera_reports WHERE job_id=? ORDER BY camera_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CameraReportRecord
	for rows.Next() {
		var r CameraReportRecord
		var camID, family, stage, reason sql.NullString
		if err := rows.Scan(&r.JobID, &r.CameraIndex, &camID, &family, &r.Points, &r.ReprojError, &r.Covered, &r.Skipped, &stage, &reason); err != nil {
			return nil, err
		}
		r.CameraID, r.Family, r.Stage, r.Reason = camID.String, family.String, stage.String, reason.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// SaveYard inserts or replaces a yard descriptor keyed by its ID.
func (s *Store) SaveYard(d yard.Descriptor) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	if d.ID == "" {
		return errors.New("yard id is required")
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal yard: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO yards (id, name, descriptor_json, camera_count, updated_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		string(d.ID), d.Name, string(body), len(d.Cameras))
	return err
}

// Yard loads a stored descriptor.
func (s *Store) Yard(id string) (YardRecord, error) {
	if s == nil {
		return YardRecord{}, errors.New("store not initialized")
	}
	var rec YardRecord
	var name sql.NullString
	var body string
	err := s.DB.QueryRow(`SELECT id, name, descriptor_json, camera_count, updated_at FROM yards WHERE id=?;`, id).
		Scan(&rec.ID, &name, &body, &rec.CameraCount, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return YardRecord{}, fmt.Errorf("yard %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return YardRecord{}, err
	}
	rec.Name = name.String
	if rec.Descriptor, err = yard.Parse([]byte(body)); err != nil {
		return YardRecord{}, err
	}
	return rec, nil
}

// ListYards returns stored yards (without descriptors) ordered by id.
func (s *Store) ListYards() ([]YardRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, name, camera_count, updated_at FROM yards ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []YardRecord
	for rows.Next() {
		var rec YardRecord
		var name sql.NullString
		if err := rows.Scan(&rec.ID, &name, &rec.CameraCount, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteYard removes a stored yard.
func (s *Store) DeleteYard(id string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	res, err := s.DB.Exec(`DELETE FROM yards WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("yard %s: %w", id, ErrNotFound)
	}
	return nil
}
