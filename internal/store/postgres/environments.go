package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stagepool/internal/store"

	"github.com/google/uuid"
)

const envColumns = `id, name, pool_state, owner_id, version, endpoint, public_url,
	admin_user, admin_password, db_password, api_key, reset_failures, created_at,
	state_changed_at, ttl_expires_at`

// CreateEnvironment inserts a new environment row at version 1.
func (s *Store) CreateEnvironment(ctx context.Context, env *store.Environment) error {
	query := `
		INSERT INTO environments
			(id, name, pool_state, owner_id, version, endpoint, public_url,
			 admin_user, admin_password, db_password, api_key, reset_failures,
			 created_at, ttl_expires_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $9, $10, 0, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		env.ID,
		env.Name,
		env.PoolState,
		env.OwnerID,
		env.Endpoint,
		env.PublicURL,
		env.AdminUser,
		env.AdminPassword,
		env.DBPassword,
		env.APIKey,
		env.CreatedAt,
		env.TTLExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert environment %s: %w", env.Name, err)
	}
	env.Version = 1
	return nil
}

// GetEnvironment returns an environment by ID.
func (s *Store) GetEnvironment(ctx context.Context, id uuid.UUID) (*store.Environment, error) {
	query := "SELECT " + envColumns + " FROM environments WHERE id = $1"

	env, err := scanEnvironment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return env, nil
}

// ListEnvironments returns all environments, oldest first.
func (s *Store) ListEnvironments(ctx context.Context) ([]*store.Environment, error) {
	query := "SELECT " + envColumns + " FROM environments ORDER BY created_at ASC"
	return s.queryEnvironments(ctx, query)
}

// OldestWarm returns up to limit warm environments, oldest first.
// FIFO claiming bounds how stale an idle environment can get.
func (s *Store) OldestWarm(ctx context.Context, limit int) ([]*store.Environment, error) {
	if limit <= 0 {
		limit = 1
	}
	query := "SELECT " + envColumns + ` FROM environments
		WHERE pool_state = 'warm' ORDER BY created_at ASC LIMIT $1`
	return s.queryEnvironments(ctx, query, limit)
}

// CountByState returns the number of environments per pool state.
func (s *Store) CountByState(ctx context.Context) (map[store.PoolState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT pool_state, COUNT(*) FROM environments GROUP BY pool_state")
	if err != nil {
		return nil, fmt.Errorf("failed to count environments: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.PoolState]int)
	for rows.Next() {
		var state store.PoolState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// ExpiredServing returns serving environments whose TTL passed.
func (s *Store) ExpiredServing(ctx context.Context, now time.Time) ([]*store.Environment, error) {
	query := "SELECT " + envColumns + ` FROM environments
		WHERE pool_state = 'serving' AND ttl_expires_at < $1
		ORDER BY ttl_expires_at ASC`
	return s.queryEnvironments(ctx, query, now)
}

// StaleClaimed returns claimed environments whose last transition is
// older than cutoff. A claim that old outlived any provisioning run,
// so the worker holding it is gone.
func (s *Store) StaleClaimed(ctx context.Context, cutoff time.Time) ([]*store.Environment, error) {
	query := "SELECT " + envColumns + ` FROM environments
		WHERE pool_state = 'claimed' AND state_changed_at < $1
		ORDER BY state_changed_at ASC`
	return s.queryEnvironments(ctx, query, cutoff)
}

// Transition is the single write path for pool_state. The WHERE clause
// on version makes it a compare-and-swap: a stale caller matches no
// row and gets ErrStaleVersion instead of clobbering a concurrent
// transition.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, fromVersion int64, change store.StateChange) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments
		SET pool_state = $1,
		    owner_id = $2,
		    ttl_expires_at = $3,
		    reset_failures = $4,
		    state_changed_at = NOW(),
		    version = version + 1
		WHERE id = $5 AND version = $6
	`, change.To, change.OwnerID, change.TTLExpiresAt, change.ResetFailures, id, fromVersion)
	if err != nil {
		return fmt.Errorf("transition of environment %s failed: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrStaleVersion
	}
	return nil
}

// UpdateCredentials rotates the stored secrets for an environment.
func (s *Store) UpdateCredentials(ctx context.Context, id uuid.UUID, adminPassword, dbPassword, apiKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE environments
		SET admin_password = $1, db_password = $2, api_key = $3
		WHERE id = $4
	`, adminPassword, dbPassword, apiKey, id)
	return err
}

// DeleteEnvironment removes the registry row. Idempotent.
func (s *Store) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM environments WHERE id = $1", id)
	return err
}

func (s *Store) queryEnvironments(ctx context.Context, query string, args ...interface{}) ([]*store.Environment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("environment query failed: %w", err)
	}
	defer rows.Close()

	var envs []*store.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func scanEnvironment(row rowScanner) (*store.Environment, error) {
	var env store.Environment
	err := row.Scan(
		&env.ID,
		&env.Name,
		&env.PoolState,
		&env.OwnerID,
		&env.Version,
		&env.Endpoint,
		&env.PublicURL,
		&env.AdminUser,
		&env.AdminPassword,
		&env.DBPassword,
		&env.APIKey,
		&env.ResetFailures,
		&env.CreatedAt,
		&env.StateChangedAt,
		&env.TTLExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &env, nil
}
