package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter over the signin_throttle table.
type PG struct {
	pool pgxQuerier
	cfg  Config
}

var _ Limiter = (*PG)(nil)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, cfg Config) *PG {
	return &PG{pool: pool, cfg: cfg.withDefaults()}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier (tests use a fake).
func NewPGWithQuerier(q pgxQuerier, cfg Config) *PG {
	return &PG{pool: q, cfg: cfg.withDefaults()}
}

// Allow implements Limiter.
func (l *PG) Allow(ctx context.Context, account string, clientHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM signin_throttle WHERE account=$1 AND client_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, account, clientHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if wait := time.Until(blockedUntil); wait > 0 {
			return false, wait, nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success implements Limiter.
func (l *PG) Success(ctx context.Context, account string, clientHash []byte) error {
	const q = `DELETE FROM signin_throttle WHERE account=$1 AND client_hash=$2`
	_, err := l.pool.Exec(ctx, q, account, clientHash)
	return err
}

// Failure implements Limiter.
func (l *PG) Failure(ctx context.Context, account string, clientHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO signin_throttle (account, client_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (account, client_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - signin_throttle.updated_at > $3::interval THEN 1 ELSE signin_throttle.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, account, clientHash, l.cfg.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.cfg.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE signin_throttle SET blocked_until=$3 WHERE account=$1 AND client_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, account, clientHash, time.Now().Add(l.cfg.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.cfg.BlockFor, nil
}
