// Package store persists users, workflow runs and scheduled goals in
// Postgres. JSON-shaped payloads (compiled output, history) are kept as
// JSONB so the API can return them verbatim.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/avelsher/portalpilot/config"
	"github.com/avelsher/portalpilot/internal/agent/core"
)

// Store wraps the Postgres connection pool.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens and pings the database.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{db: db, logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags)}, nil
}

// NewWithDB wraps an existing connection, for tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags)}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a user and returns its id. Emails are unique.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, NOW())`,
		id, email, passwordHash)
	if err != nil {
		return "", fmt.Errorf("creating user: %w", err)
	}
	return id, nil
}

// GetUserByEmail returns the id and password hash for an email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if err != nil {
		return "", "", err
	}
	return id, hash, nil
}

// SaveRun persists a finished workflow run. Saving the same run id
// twice overwrites the previous row.
func (s *Store) SaveRun(ctx context.Context, userID string, res core.WorkflowResult) error {
	output, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}
	history, err := json.Marshal(res.History)
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, user_id, goal, success, completed_tasks, total_tasks, output, history, error, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			success = EXCLUDED.success,
			completed_tasks = EXCLUDED.completed_tasks,
			total_tasks = EXCLUDED.total_tasks,
			output = EXCLUDED.output,
			history = EXCLUDED.history,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms`,
		res.RunID, userID, res.Goal, res.Success, res.CompletedTasks, res.TotalTasks,
		output, history, res.Error, res.Duration.Milliseconds(), res.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// GetRun loads one persisted run by id.
func (s *Store) GetRun(ctx context.Context, id string) (core.WorkflowResult, error) {
	var res core.WorkflowResult
	var output, history []byte
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, goal, success, completed_tasks, total_tasks, output, history, error, duration_ms, created_at
		FROM workflow_runs WHERE id = $1`, id).
		Scan(&res.RunID, &res.Goal, &res.Success, &res.CompletedTasks, &res.TotalTasks,
			&output, &history, &res.Error, &durationMS, &res.CreatedAt)
	if err != nil {
		return core.WorkflowResult{}, err
	}
	res.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal(output, &res.Output); err != nil {
		return core.WorkflowResult{}, fmt.Errorf("decoding output: %w", err)
	}
	if err := json.Unmarshal(history, &res.History); err != nil {
		return core.WorkflowResult{}, fmt.Errorf("decoding history: %w", err)
	}
	return res, nil
}

// RunSummary is a listing row for a user's runs.
type RunSummary struct {
	ID             string    `json:"id"`
	Goal           string    `json:"goal"`
	Success        bool      `json:"success"`
	CompletedTasks int       `json:"completed_tasks"`
	TotalTasks     int       `json:"total_tasks"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListRuns returns a user's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]RunSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, success, completed_tasks, total_tasks, created_at
		FROM workflow_runs WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RunSummary{}
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Goal, &r.Success, &r.CompletedTasks, &r.TotalTasks, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRunHistory returns only the audit log of a run.
func (s *Store) GetRunHistory(ctx context.Context, id string) ([]core.HistoryEntry, error) {
	var history []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT history FROM workflow_runs WHERE id = $1`, id).Scan(&history)
	if err != nil {
		return nil, err
	}
	var entries []core.HistoryEntry
	if err := json.Unmarshal(history, &entries); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return entries, nil
}

// Schedule is a stored recurring goal.
type Schedule struct {
	ID       string     `json:"id"`
	UserID   string     `json:"user_id"`
	Goal     string     `json:"goal"`
	CronSpec string     `json:"cron_spec"`
	Enabled  bool       `json:"enabled"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

// CreateSchedule stores a recurring goal with a cron spec.
func (s *Store) CreateSchedule(ctx context.Context, userID, goal, cronSpec string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, user_id, goal, cron_spec, enabled, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())`,
		id, userID, goal, cronSpec)
	if err != nil {
		return "", fmt.Errorf("creating schedule: %w", err)
	}
	return id, nil
}

// ListSchedules returns one user's schedules.
func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, goal, cron_spec, enabled, last_run
		FROM schedules WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// EnabledSchedules returns every enabled schedule across users, for the
// scheduler tick.
func (s *Store) EnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, goal, cron_spec, enabled, last_run
		FROM schedules WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DeleteSchedule removes a schedule owned by the user.
func (s *Store) DeleteSchedule(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkScheduleRun records when a schedule last fired.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run = $2 WHERE id = $1`, id, at)
	return err
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	out := []Schedule{}
	for rows.Next() {
		var sch Schedule
		var lastRun sql.NullTime
		if err := rows.Scan(&sch.ID, &sch.UserID, &sch.Goal, &sch.CronSpec, &sch.Enabled, &lastRun); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			sch.LastRun = &t
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}
