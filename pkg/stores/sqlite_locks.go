package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meadowops/meadow/pkg/engine"
)

// Acquire grants an exclusive lease on the environment. A lease whose expiry
// has passed is stolen atomically in the same transaction, so a crashed
// holder never wedges the environment.
func (s *SQLiteStore) Acquire(ctx context.Context, env string, lease time.Duration) (string, error) {
	now := s.clock.Now().UTC()
	token := uuid.New().String()
	expiresAt := now.Add(lease)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		heldToken   string
		heldExpires time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT token, expires_at FROM locks WHERE environment = ?`, env,
	).Scan(&heldToken, &heldExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locks (environment, token, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
			env, token, now, expiresAt,
		); err != nil {
			return "", fmt.Errorf("failed to insert lock: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to read lock: %w", err)
	case heldExpires.After(now):
		return "", engine.NewLockHeldError(env)
	default:
		// Expired lease: steal it.
		if _, err := tx.ExecContext(ctx,
			`UPDATE locks SET token = ?, acquired_at = ?, expires_at = ? WHERE environment = ? AND token = ?`,
			token, now, expiresAt, env, heldToken,
		); err != nil {
			return "", fmt.Errorf("failed to steal expired lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit lock acquisition: %w", err)
	}
	s.leaseByToken(token, lease)
	return token, nil
}

// leases remembers the lease duration per token so Renew can extend by the
// same amount the holder asked for at acquisition.
func (s *SQLiteStore) leaseByToken(token string, lease time.Duration) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if s.leases == nil {
		s.leases = make(map[string]time.Duration)
	}
	s.leases[token] = lease
}

func (s *SQLiteStore) leaseFor(token string) time.Duration {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if d, ok := s.leases[token]; ok {
		return d
	}
	return 2 * time.Minute
}

func (s *SQLiteStore) forgetLease(token string) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	delete(s.leases, token)
}

// Renew extends the lease held by token. A renewal that finds no record
// reports the lock as lost; a record under a different token reports a
// token mismatch.
func (s *SQLiteStore) Renew(ctx context.Context, env, token string) error {
	now := s.clock.Now().UTC()
	expiresAt := now.Add(s.leaseFor(token))

	result, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE environment = ? AND token = ?`,
		expiresAt, env, token,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		var held string
		err := s.db.QueryRowContext(ctx, `SELECT token FROM locks WHERE environment = ?`, env).Scan(&held)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewLockLostError(env, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to inspect lock after renew: %w", err)
		}
		return engine.NewTokenMismatchError(env)
	}
	return nil
}

// Release drops the lease held by token. Releasing an absent lock succeeds;
// releasing someone else's lock reports a token mismatch.
func (s *SQLiteStore) Release(ctx context.Context, env, token string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE environment = ? AND token = ?`, env, token,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	s.forgetLease(token)
	if n == 0 {
		var held string
		err := s.db.QueryRowContext(ctx, `SELECT token FROM locks WHERE environment = ?`, env).Scan(&held)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to inspect lock after release: %w", err)
		}
		return engine.NewTokenMismatchError(env)
	}
	return nil
}

// Inspect returns the current non-expired lock record, or nil when the
// environment is unlocked.
func (s *SQLiteStore) Inspect(ctx context.Context, env string) (*engine.LockRecord, error) {
	var rec engine.LockRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT environment, token, acquired_at, expires_at FROM locks WHERE environment = ?`, env,
	).Scan(&rec.Environment, &rec.Token, &rec.AcquiredAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect lock: %w", err)
	}
	if !rec.ExpiresAt.After(s.clock.Now().UTC()) {
		return nil, nil
	}
	return &rec, nil
}
