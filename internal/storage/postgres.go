package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/piiguard/internal/errs"
)

// PostgresBackend is a Store backed by PostgreSQL, for installs where several
// daemons share one namespace. The kv table is created by RunMigrations.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %w", errs.ErrStorage, key, err)
	}
	return value, nil
}

func (p *PostgresBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, upsertKV, key, value)
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", errs.ErrStorage, key, err)
	}
	return nil
}

func (p *PostgresBackend) Remove(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%w: remove %s: %w", errs.ErrStorage, key, err)
	}
	return nil
}

// Update serializes writers of one key across processes with a
// transaction-scoped advisory lock, so it also covers absent keys.
func (p *PostgresBackend) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", errs.ErrStorage, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("%w: lock %s: %w", errs.ErrStorage, key, err)
	}

	var old []byte
	err = tx.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&old)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: get %s: %w", errs.ErrStorage, key, err)
	}

	next, err := fn(old)
	if err != nil {
		return err
	}
	if next == nil {
		_, err = tx.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	} else {
		_, err = tx.Exec(ctx, upsertKV, key, next)
	}
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", errs.ErrStorage, key, err)
	}
	return tx.Commit(ctx)
}

const upsertKV = `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
