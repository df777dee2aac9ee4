package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/meadowops/meadow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore and engine.LockManager on one
// SQLite database. State records and lock leases share the substrate so a
// single file carries a whole installation.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	clock clock.Clock
	cfg   Config

	leaseMu sync.Mutex
	leases  map[string]time.Duration
}

// Compile-time interface checks.
var (
	_ engine.StateStore  = (*SQLiteStore)(nil)
	_ engine.LockManager = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a store instance. Call Init before use.
func NewSQLiteStore(cfg Config, clk clock.Clock) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path:  cfg.Path,
		clock: clk,
		cfg:   cfg.withDefaults(),
	}, nil
}

// Init opens the database in WAL mode and verifies the connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(on)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

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
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
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
	return s.db.PingContext(ctx)
}

// CreateEnvironment records a new environment.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *engine.Environment) error {
	labels, err := json.Marshal(env.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	query := `
		INSERT INTO environments (name, owner, created_at, expires_at, destroy_failed, labels)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		env.Name, env.Owner, env.CreatedAt, env.ExpiresAt, boolInt(env.DestroyFailed), string(labels),
	); err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}
	return nil
}

// GetEnvironment retrieves environment metadata by name.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, name string) (*engine.Environment, error) {
	query := `
		SELECT name, owner, created_at, expires_at, destroy_failed, labels
		FROM environments WHERE name = ?
	`
	var (
		env           engine.Environment
		destroyFailed int
		labels        string
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&env.Name, &env.Owner, &env.CreatedAt, &env.ExpiresAt, &destroyFailed, &labels,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("environment not found: %s", name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	env.DestroyFailed = destroyFailed != 0
	if labels != "" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &env.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels: %w", err)
		}
	}
	return &env, nil
}

// ListEnvironments lists all tracked environments ordered by name.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]engine.Environment, error) {
	query := `
		SELECT name, owner, created_at, expires_at, destroy_failed, labels
		FROM environments ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []engine.Environment
	for rows.Next() {
		var (
			env           engine.Environment
			destroyFailed int
			labels        string
		)
		if err := rows.Scan(&env.Name, &env.Owner, &env.CreatedAt, &env.ExpiresAt, &destroyFailed, &labels); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		env.DestroyFailed = destroyFailed != 0
		if labels != "" && labels != "null" {
			if err := json.Unmarshal([]byte(labels), &env.Labels); err != nil {
				return nil, fmt.Errorf("failed to decode labels: %w", err)
			}
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// TouchEnvironment refreshes the TTL expiry and clears the destroy-failed
// marker.
func (s *SQLiteStore) TouchEnvironment(ctx context.Context, name string, expiresAt time.Time) error {
	query := `UPDATE environments SET expires_at = ?, destroy_failed = 0 WHERE name = ?`
	result, err := s.db.ExecContext(ctx, query, expiresAt, name)
	if err != nil {
		return fmt.Errorf("failed to touch environment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("environment not found: %s", name))
	}
	return nil
}

// MarkDestroyFailed flags an environment whose reap attempt failed.
func (s *SQLiteStore) MarkDestroyFailed(ctx context.Context, name string, failed bool) error {
	query := `UPDATE environments SET destroy_failed = ? WHERE name = ?`
	result, err := s.db.ExecContext(ctx, query, boolInt(failed), name)
	if err != nil {
		return fmt.Errorf("failed to mark environment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("environment not found: %s", name))
	}
	return nil
}

// DeleteEnvironment removes the environment record and any leftover resource
// rows. Idempotent: deleting an absent environment succeeds.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_states WHERE environment = ?`, name); err != nil {
		return fmt.Errorf("failed to delete resource states: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM environments WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	return tx.Commit()
}

// GetEnvironmentState returns every stored resource record for the
// environment, keyed by resource ID.
func (s *SQLiteStore) GetEnvironmentState(ctx context.Context, env string) (map[string]engine.StoredState, error) {
	query := `
		SELECT id, kind, depends_on, snapshot, external_id, attributes, version, status, updated_at
		FROM resource_states WHERE environment = ?
	`
	rows, err := s.db.QueryContext(ctx, query, env)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]engine.StoredState)
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states[state.ID] = state
	}
	return states, rows.Err()
}

// CommitResource writes one resource record guarded by the expected version.
// expectedVersion 0 inserts and fails on an existing row; any other value
// updates and fails when the stored version has moved. The stored version
// becomes expectedVersion+1 on success.
func (s *SQLiteStore) CommitResource(ctx context.Context, env string, state engine.StoredState, expectedVersion int64) error {
	dependsOn, err := json.Marshal(state.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode depends_on: %w", err)
	}

	if expectedVersion == 0 {
		query := `
			INSERT INTO resource_states (environment, id, kind, depends_on, snapshot, external_id, attributes, version, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			env, state.ID, string(state.Kind), string(dependsOn),
			string(state.Snapshot), state.ExternalID, string(state.Attributes),
			expectedVersion+1, string(state.Status), state.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				actual, readErr := s.currentVersion(ctx, env, state.ID)
				if readErr != nil {
					actual = -1
				}
				return engine.NewConflictError(state.ID, expectedVersion, actual)
			}
			return fmt.Errorf("failed to insert resource state: %w", err)
		}
		return nil
	}

	query := `
		UPDATE resource_states
		SET kind = ?, depends_on = ?, snapshot = ?, external_id = ?, attributes = ?, version = ?, status = ?, updated_at = ?
		WHERE environment = ? AND id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(state.Kind), string(dependsOn), string(state.Snapshot),
		state.ExternalID, string(state.Attributes), expectedVersion+1,
		string(state.Status), state.UpdatedAt,
		env, state.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update resource state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		actual, readErr := s.currentVersion(ctx, env, state.ID)
		if readErr != nil {
			actual = -1
		}
		return engine.NewConflictError(state.ID, expectedVersion, actual)
	}
	return nil
}

// DeleteResource removes a destroyed resource record. Idempotent.
func (s *SQLiteStore) DeleteResource(ctx context.Context, env, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resource_states WHERE environment = ? AND id = ?`, env, id); err != nil {
		return fmt.Errorf("failed to delete resource state: %w", err)
	}
	return nil
}

// AppendEvent appends one entry to the run event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.RunEvent) error {
	query := `
		INSERT INTO run_events (run_id, environment, resource_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.RunID, event.Environment, event.ResourceID, event.Level, event.Message, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// ListEvents returns events for a run in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]engine.RunEvent, error) {
	query := `
		SELECT id, run_id, environment, resource_id, level, message, timestamp
		FROM run_events WHERE run_id = ? ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []engine.RunEvent
	for rows.Next() {
		var ev engine.RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Environment, &ev.ResourceID, &ev.Level, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// currentVersion reads the stored version for conflict reporting. Returns 0
// when the row is absent.
func (s *SQLiteStore) currentVersion(ctx context.Context, env, id string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM resource_states WHERE environment = ? AND id = ?`, env, id,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

// scanState reads one resource_states row.
func scanState(rows *sql.Rows) (engine.StoredState, error) {
	var (
		state      engine.StoredState
		kind       string
		dependsOn  string
		snapshot   string
		attributes string
		status     string
	)
	if err := rows.Scan(
		&state.ID, &kind, &dependsOn, &snapshot,
		&state.ExternalID, &attributes, &state.Version, &status, &state.UpdatedAt,
	); err != nil {
		return state, fmt.Errorf("failed to scan resource state: %w", err)
	}
	state.Kind = engine.ResourceKind(kind)
	state.Status = engine.ResourceStatus(status)
	if dependsOn != "" && dependsOn != "null" {
		if err := json.Unmarshal([]byte(dependsOn), &state.DependsOn); err != nil {
			return state, fmt.Errorf("failed to decode depends_on: %w", err)
		}
	}
	if snapshot != "" {
		state.Snapshot = json.RawMessage(snapshot)
	}
	if attributes != "" {
		state.Attributes = json.RawMessage(attributes)
	}
	return state, nil
}

// isUniqueViolation reports whether the driver error is a primary-key or
// unique-constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
