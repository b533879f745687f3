package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/curbgrid/curbgrid/pkg/types"
)

// SQLiteStore implements Store on a local sqlite database. Requests carry
// an opaque payload (the wrapped job or vehicle) stored as a JSON blob;
// jobs and vehicles also get their own tables for per-user loads.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs
// migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) runMigrations() error {
	schema := `
		CREATE TABLE IF NOT EXISTS requests (
		id            TEXT PRIMARY KEY,
		sender_id     TEXT NOT NULL,
		type          TEXT NOT NULL,          -- job_submission|vehicle_registration
		payload       TEXT NOT NULL,          -- opaque JSON: wrapped job or vehicle
		status        TEXT NOT NULL,          -- pending|approved|rejected
		acknowledged  INTEGER NOT NULL DEFAULT 0,
		submitted_at  TIMESTAMP NOT NULL,
		decided_at    TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, submitted_at);

		CREATE TABLE IF NOT EXISTS jobs (
		id             TEXT PRIMARY KEY,
		owner_id       TEXT NOT NULL,
		display_token  TEXT NOT NULL,
		duration_hours INTEGER NOT NULL,
		redundancy     INTEGER NOT NULL,
		deadline       TIMESTAMP NOT NULL,
		status         TEXT NOT NULL,
		submitted_at   TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, submitted_at);

		CREATE TABLE IF NOT EXISTS vehicles (
		signature    TEXT PRIMARY KEY,
		plate        TEXT NOT NULL,
		state_code   TEXT NOT NULL,
		make         TEXT NOT NULL,
		model        TEXT NOT NULL,
		year         INTEGER NOT NULL,
		departure_at TIMESTAMP NOT NULL,
		status       TEXT NOT NULL,
		cpu_state    TEXT,
		memory_state TEXT,
		current_job  TEXT,
		owner_id     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vehicles_owner ON vehicles(owner_id);

		CREATE TABLE IF NOT EXISTS notification_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_user ON notification_history(user_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRequest upserts the request row, payload included.
func (s *SQLiteStore) SaveRequest(ctx context.Context, req *types.Request) error {
	var payload any
	switch req.Type {
	case types.RequestJobSubmission:
		payload = req.Job
	case types.RequestVehicleRegistration:
		payload = req.Vehicle
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request payload: %w", err)
	}

	var decided sql.NullTime
	if req.DecidedAt != nil {
		decided = sql.NullTime{Time: *req.DecidedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO requests (id, sender_id, type, payload, status, acknowledged, submitted_at, decided_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, acknowledged=excluded.acknowledged, decided_at=excluded.decided_at`,
		req.ID, req.SenderID, req.Type, string(raw), req.Status, req.Acknowledged, req.SubmittedAt, decided)
	return err
}

// LoadAllRequests returns every stored request in submission order.
func (s *SQLiteStore) LoadAllRequests(ctx context.Context) ([]*types.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, sender_id, type, payload, status, acknowledged, submitted_at, decided_at
FROM requests ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Request
	for rows.Next() {
		var req types.Request
		var payload string
		var decided sql.NullTime
		if err := rows.Scan(&req.ID, &req.SenderID, &req.Type, &payload,
			&req.Status, &req.Acknowledged, &req.SubmittedAt, &decided); err != nil {
			return nil, err
		}
		if decided.Valid {
			t := decided.Time
			req.DecidedAt = &t
		}
		switch req.Type {
		case types.RequestJobSubmission:
			var job types.Job
			if err := json.Unmarshal([]byte(payload), &job); err == nil {
				req.Job = &job
			}
		case types.RequestVehicleRegistration:
			var v types.Vehicle
			if err := json.Unmarshal([]byte(payload), &v); err == nil {
				req.Vehicle = &v
			}
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

// SaveJob upserts the job row.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *types.Job) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, owner_id, display_token, duration_hours, redundancy, deadline, status, submitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status`,
		job.ID, job.OwnerID, job.DisplayToken, job.DurationHours, job.Redundancy,
		job.Deadline, job.Status, job.SubmittedAt)
	return err
}

// LoadJobsForUser returns a user's jobs in submission order.
func (s *SQLiteStore) LoadJobsForUser(ctx context.Context, userID types.UserID) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, display_token, duration_hours, redundancy, deadline, status, submitted_at
FROM jobs WHERE owner_id = ? ORDER BY submitted_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		var job types.Job
		if err := rows.Scan(&job.ID, &job.OwnerID, &job.DisplayToken, &job.DurationHours,
			&job.Redundancy, &job.Deadline, &job.Status, &job.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

// SaveVehicle upserts the vehicle row keyed by signature.
func (s *SQLiteStore) SaveVehicle(ctx context.Context, v *types.Vehicle) error {
	var current sql.NullString
	if v.CurrentJob != "" {
		current = sql.NullString{String: string(v.CurrentJob), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vehicles (signature, plate, state_code, make, model, year, departure_at, status, cpu_state, memory_state, current_job, owner_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(signature) DO UPDATE SET status=excluded.status, cpu_state=excluded.cpu_state,
	memory_state=excluded.memory_state, current_job=excluded.current_job`,
		v.ID(), v.Plate, v.StateCode, v.Make, v.Model, v.Year,
		v.DepartureAt, v.Status, v.CPUState, v.MemoryState, current, v.OwnerID)
	return err
}

// LoadVehiclesForUser returns a user's vehicles.
func (s *SQLiteStore) LoadVehiclesForUser(ctx context.Context, userID types.UserID) ([]*types.Vehicle, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT plate, state_code, make, model, year, departure_at, status, cpu_state, memory_state, current_job, owner_id
FROM vehicles WHERE owner_id = ? ORDER BY signature ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Vehicle
	for rows.Next() {
		var v types.Vehicle
		var cpu, mem, current sql.NullString
		if err := rows.Scan(&v.Plate, &v.StateCode, &v.Make, &v.Model, &v.Year,
			&v.DepartureAt, &v.Status, &cpu, &mem, &current, &v.OwnerID); err != nil {
			return nil, err
		}
		v.CPUState = cpu.String
		v.MemoryState = mem.String
		if current.Valid {
			v.CurrentJob = types.JobID(current.String)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// AddNotificationHistory records a delivered-or-dropped notification for
// durable history.
func (s *SQLiteStore) AddNotificationHistory(ctx context.Context, userID types.UserID, message string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_history (user_id, message, created_at) VALUES (?, ?, ?)`,
		userID, message, time.Now().UTC())
	return err
}

// GetNotificationHistory returns a user's notification history, oldest
// first.
func (s *SQLiteStore) GetNotificationHistory(ctx context.Context, userID types.UserID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message FROM notification_history WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
