package schedule

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCron      = errors.New("invalid cron expression")
)

const defaultHistoryLimit = 20

// Store handles schedule persistence
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) schedules.db in dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "schedules.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		crew TEXT NOT NULL,
		message TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		overlap_behavior TEXT NOT NULL DEFAULT 'skip',
		session_behavior TEXT NOT NULL DEFAULT 'resume',
		session_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_run_at INTEGER,
		next_run_at INTEGER,
		creator_token_id TEXT NOT NULL,
		creator_scope TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_crew ON schedules(crew);
	CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		executed_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		run_status TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Create validates and inserts a new schedule, filling in its ID,
// timestamps and defaults.
func (s *Store) Create(schedule *Schedule) error {
	if _, err := ParseCron(schedule.CronExpr); err != nil {
		return err
	}
	if schedule.OverlapBehavior == "" {
		schedule.OverlapBehavior = OverlapSkip
	}
	if schedule.SessionBehavior == "" {
		schedule.SessionBehavior = SessionResume
	}

	if schedule.ID == "" {
		schedule.ID = "sched_" + uuid.New().String()[:8]
	}
	now := time.Now()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	if schedule.NextRunAt == nil && schedule.Enabled {
		if nextRun, err := NextRun(schedule.CronExpr, now); err == nil {
			schedule.NextRunAt = &nextRun
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, cron_expr, crew, message, enabled, overlap_behavior, session_behavior,
		                       session_id, created_at, updated_at, last_run_at, next_run_at, creator_token_id, creator_scope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.Name, schedule.CronExpr, schedule.Crew, schedule.Message,
		boolInt(schedule.Enabled), schedule.OverlapBehavior, schedule.SessionBehavior, schedule.SessionID,
		unixNano(schedule.CreatedAt), unixNano(schedule.UpdatedAt),
		nullUnix(schedule.LastRunAt), nullUnix(schedule.NextRunAt),
		schedule.CreatorTokenID, schedule.CreatorScope,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `id, name, cron_expr, crew, message, enabled, overlap_behavior, session_behavior,
	session_id, created_at, updated_at, last_run_at, next_run_at, creator_token_id, creator_scope`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched                Schedule
		enabled              int
		createdAt, updatedAt int64
		lastRunAt, nextRunAt sql.NullInt64
	)
	if err := row.Scan(
		&sched.ID, &sched.Name, &sched.CronExpr, &sched.Crew, &sched.Message,
		&enabled, &sched.OverlapBehavior, &sched.SessionBehavior, &sched.SessionID,
		&createdAt, &updatedAt, &lastRunAt, &nextRunAt,
		&sched.CreatorTokenID, &sched.CreatorScope,
	); err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	sched.CreatedAt = time.Unix(0, createdAt)
	sched.UpdatedAt = time.Unix(0, updatedAt)
	sched.LastRunAt = timePtr(lastRunAt)
	sched.NextRunAt = timePtr(nextRunAt)
	return &sched, nil
}

// Get retrieves a schedule by ID
func (s *Store) Get(id string) (*Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	return sched, nil
}

// List returns schedules matching the filter, newest first
func (s *Store) List(filter *ListFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	var conditions []string

	if filter != nil {
		if filter.Crew != "" {
			conditions = append(conditions, "crew = ?")
			args = append(args, filter.Crew)
		}
		if filter.Enabled != nil {
			conditions = append(conditions, "enabled = ?")
			args = append(args, boolInt(*filter.Enabled))
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	return s.querySchedules(query, args...)
}

// ListDue returns enabled schedules whose next run is at or before now
func (s *Store) ListDue(now time.Time) ([]*Schedule, error) {
	return s.querySchedules(`SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, unixNano(now))
}

func (s *Store) querySchedules(query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// Update applies partial updates to a schedule. Changing the cron
// expression or re-enabling a schedule recomputes its next run.
func (s *Store) Update(id string, update *ScheduleUpdate) error {
	if update.CronExpr != nil {
		if _, err := ParseCron(*update.CronExpr); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var setClauses []string
	var args []any

	if update.Name != nil {
		setClauses = append(setClauses, "name = ?")
		args = append(args, *update.Name)
	}
	if update.CronExpr != nil {
		setClauses = append(setClauses, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.Message != nil {
		setClauses = append(setClauses, "message = ?")
		args = append(args, *update.Message)
	}
	if update.Enabled != nil {
		setClauses = append(setClauses, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.OverlapBehavior != nil {
		setClauses = append(setClauses, "overlap_behavior = ?")
		args = append(args, *update.OverlapBehavior)
	}
	if update.SessionBehavior != nil {
		setClauses = append(setClauses, "session_behavior = ?")
		args = append(args, *update.SessionBehavior)
	}

	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, unixNano(time.Now()), id)
	result, err := tx.Exec("UPDATE schedules SET "+strings.Join(setClauses, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrScheduleNotFound
	}

	if update.CronExpr != nil || (update.Enabled != nil && *update.Enabled) {
		var expr string
		if err := tx.QueryRow("SELECT cron_expr FROM schedules WHERE id = ?", id).Scan(&expr); err != nil {
			return fmt.Errorf("failed to read cron expression: %w", err)
		}
		nextRun, err := NextRun(expr, time.Now())
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE schedules SET next_run_at = ? WHERE id = ?", unixNano(nextRun), id); err != nil {
			return fmt.Errorf("failed to update next_run_at: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes a schedule and its execution history
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrScheduleNotFound
	}
	if _, err := s.db.Exec("DELETE FROM executions WHERE schedule_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}
	return nil
}

// UpdateRunTimes updates last_run_at and next_run_at for a schedule
func (s *Store) UpdateRunTimes(id string, lastRun, nextRun time.Time) error {
	result, err := s.db.Exec(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		unixNano(lastRun), unixNano(nextRun), unixNano(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run times: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// PinSession records the session a resume schedule keeps sending to.
func (s *Store) PinSession(id, sessionID string) error {
	result, err := s.db.Exec(`UPDATE schedules SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to pin session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// RecordExecution appends an execution to a schedule's history
func (s *Store) RecordExecution(exec *Execution) error {
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.New().String()[:8]
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO executions (id, schedule_id, session_id, run_id, executed_at, status, run_status, output, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ScheduleID, exec.SessionID, exec.RunID, unixNano(exec.ExecutedAt),
		exec.Status, exec.RunStatus, exec.Output, exec.Error, exec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent executions of a schedule, newest
// first. A limit <= 0 means the default of 20.
func (s *Store) ListExecutions(scheduleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.Query(`
		SELECT id, schedule_id, session_id, run_id, executed_at, status, run_status, output, error, duration_ms
		FROM executions WHERE schedule_id = ?
		ORDER BY executed_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*Execution
	for rows.Next() {
		var exec Execution
		var executedAt int64
		if err := rows.Scan(&exec.ID, &exec.ScheduleID, &exec.SessionID, &exec.RunID, &executedAt,
			&exec.Status, &exec.RunStatus, &exec.Output, &exec.Error, &exec.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.ExecutedAt = time.Unix(0, executedAt)
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// PruneExecutions deletes history older than cutoff and returns how many
// rows it removed.
func (s *Store) PruneExecutions(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM executions WHERE executed_at < ?`, unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
