package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists run journals in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun inserts a run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, workflow, state, total_steps, completed_steps, failed_step,
			failure, failure_code, rollback_performed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Workflow,
		run.State,
		run.TotalSteps,
		run.CompletedSteps,
		run.FailedStep,
		run.Failure,
		run.FailureCode,
		run.RollbackPerformed,
		run.StartedAt.UTC(),
		utcPtr(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun stores the final outcome of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *RunRecord) error {
	query := `
		UPDATE runs
		SET state = ?, completed_steps = ?, failed_step = ?, failure = ?, failure_code = ?,
			rollback_performed = ?, finished_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		run.State,
		run.CompletedSteps,
		run.FailedStep,
		run.Failure,
		run.FailureCode,
		run.RollbackPerformed,
		utcPtr(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return expectRow(result, "run", run.ID)
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, workflow, state, total_steps, completed_steps, failed_step,
			failure, failure_code, rollback_performed, started_at, finished_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, workflow, state, total_steps, completed_steps, failed_step,
			failure, failure_code, rollback_performed, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRun deletes a run and everything recorded about it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectRow(result, "run", id)
}

// RecordResource adds a ledger entry. Recording the same position twice is a
// no-op.
func (s *SQLiteStore) RecordResource(ctx context.Context, res *ResourceRecord) error {
	query := `
		INSERT INTO run_resources (run_id, position, step, kind, resource_id,
			depends_on_readiness, status, delete_attempts, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, position) DO NOTHING
	`

	status := res.Status
	if status == "" {
		status = ResourceStatusLive
	}

	_, err := s.db.ExecContext(ctx, query,
		res.RunID,
		res.Position,
		res.Step,
		res.Kind,
		res.ResourceID,
		res.DependsOnReadiness,
		string(status),
		res.DeleteAttempts,
		res.CreatedAt.UTC(),
		utcPtr(res.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record resource: %w", err)
	}
	return nil
}

// UpdateResourceStatus records a rollback attempt on a resource.
func (s *SQLiteStore) UpdateResourceStatus(ctx context.Context, runID string, position int, status ResourceStatus, attempts int) error {
	query := `
		UPDATE run_resources
		SET status = ?, delete_attempts = ?,
			deleted_at = CASE WHEN ? = 'deleted' THEN ? ELSE deleted_at END
		WHERE run_id = ? AND position = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), attempts, string(status), time.Now().UTC(), runID, position)
	if err != nil {
		return fmt.Errorf("failed to update resource status: %w", err)
	}
	return expectRow(result, "resource", fmt.Sprintf("%s#%d", runID, position))
}

// ListResources lists the resources of a run in creation order.
func (s *SQLiteStore) ListResources(ctx context.Context, runID string) ([]*ResourceRecord, error) {
	query := `
		SELECT run_id, position, step, kind, resource_id, depends_on_readiness,
			status, delete_attempts, created_at, deleted_at
		FROM run_resources
		WHERE run_id = ?
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*ResourceRecord{}
	for rows.Next() {
		res := &ResourceRecord{}
		err := rows.Scan(
			&res.RunID,
			&res.Position,
			&res.Step,
			&res.Kind,
			&res.ResourceID,
			&res.DependsOnReadiness,
			&res.Status,
			&res.DeleteAttempts,
			&res.CreatedAt,
			&res.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// AddRollbackError records a deletion that rollback gave up on.
func (s *SQLiteStore) AddRollbackError(ctx context.Context, rec *RollbackErrorRecord) error {
	query := `
		INSERT INTO run_rollback_errors (run_id, step, resource_id, code, message, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Step,
		rec.ResourceID,
		rec.Code,
		rec.Message,
		rec.Attempts,
		rec.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add rollback error: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListRollbackErrors lists the rollback errors of a run.
func (s *SQLiteStore) ListRollbackErrors(ctx context.Context, runID string) ([]*RollbackErrorRecord, error) {
	query := `
		SELECT id, run_id, step, resource_id, code, message, attempts, recorded_at
		FROM run_rollback_errors
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback errors: %w", err)
	}
	defer rows.Close()

	records := []*RollbackErrorRecord{}
	for rows.Next() {
		rec := &RollbackErrorRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Step,
			&rec.ResourceID,
			&rec.Code,
			&rec.Message,
			&rec.Attempts,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollback error: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollback errors: %w", err)
	}
	return records, nil
}

// AppendEvent appends an event to a run's timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO run_events (id, run_id, type, level, step, resource_id, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.Level,
		event.Step,
		event.ResourceID,
		event.Message,
		event.Data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents lists a run's events in order. A non-positive limit returns all.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, run_id, type, level, step, resource_id, message, data, timestamp
		FROM run_events
		WHERE run_id = ?
		ORDER BY timestamp, rowid
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		ev := &EventRecord{}
		err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.Type,
			&ev.Level,
			&ev.Step,
			&ev.ResourceID,
			&ev.Message,
			&ev.Data,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// GetRunDetail loads a run with its resources, rollback errors and, when
// withEvents is set, its events.
func (s *SQLiteStore) GetRunDetail(ctx context.Context, id string, withEvents bool) (*RunDetail, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: run}

	if detail.Resources, err = s.ListResources(ctx, id); err != nil {
		return nil, err
	}
	if detail.RollbackErrors, err = s.ListRollbackErrors(ctx, id); err != nil {
		return nil, err
	}
	if withEvents {
		if detail.Events, err = s.ListEvents(ctx, id, 0); err != nil {
			return nil, err
		}
	}
	return detail, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*RunRecord, error) {
	run := &RunRecord{}
	err := row.Scan(
		&run.ID,
		&run.Workflow,
		&run.State,
		&run.TotalSteps,
		&run.CompletedSteps,
		&run.FailedStep,
		&run.Failure,
		&run.FailureCode,
		&run.RollbackPerformed,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func expectRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
