// Package postgres implements remote.Gateway over a single documents table with jsonb
// payloads. Live queries re-run on LISTEN/NOTIFY.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/fitsync/internal/errs"
)

// Channel is the notification channel the documents trigger publishes on; the payload is
// the collection name.
const Channel = "documents_changed"

// PgxPool is a minimal abstraction over a Postgres connection pool.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Close shuts down the pool and frees resources.
	Close()
}

// Listener receives notifications on a dedicated connection.
type Listener interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close()
}

// ListenFunc opens a Listener subscribed to Channel.
type ListenFunc func(ctx context.Context) (Listener, error)

// DB wraps a pool and the way to open listeners on it.
type DB struct {
	Pool   PgxPool
	Listen ListenFunc
}

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool, Listen: poolListen(pool)}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

type connListener struct{ conn *pgxpool.Conn }

func (l connListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return l.conn.Conn().WaitForNotification(ctx)
}

// Close releases the connection; it is destroyed rather than reused because it still LISTENs.
func (l connListener) Close() {
	_ = l.conn.Conn().Close(context.Background())
	l.conn.Release()
}

func poolListen(pool *pgxpool.Pool) ListenFunc {
	return func(ctx context.Context) (Listener, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
			conn.Release()
			return nil, err
		}
		return connListener{conn: conn}, nil
	}
}

// classify maps driver errors onto the gateway sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		switch pg.Code {
		case "42501":
			return fmt.Errorf("%s: %w: %w", op, errs.ErrPermission, err)
		case "23505":
			return fmt.Errorf("%s: %w", op, errs.ErrAlreadyExists)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrTransient, err)
}
