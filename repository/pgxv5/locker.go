package pgxv5

import (
	"context"
	"fmt"
	"sync"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tryAdvisoryLockSql = "SELECT pg_try_advisory_lock($1)"
	advisoryUnlockSql  = "SELECT pg_advisory_unlock($1)"
)

// sessionConn is a connection dedicated to one lock holder. Advisory locks
// belong to the session, so lock and unlock must run on the same one.
type sessionConn interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Release gives the connection back to the pool.
	Release()
	// Destroy closes the connection, dropping every lock of its session.
	Destroy(ctx context.Context) error
}

type poolConn struct {
	*pgxpool.Conn
}

func (c poolConn) Destroy(ctx context.Context) error {
	return c.Hijack().Close(ctx)
}

// AdvisoryLocker is an outbox.Locker backed by a Postgres session level
// advisory lock. It is not reentrant: a holder trying to lock again is
// denied like anybody else.
type AdvisoryLocker struct {
	key     int64
	acquire func(ctx context.Context) (sessionConn, error)
	logger  outbox.Logger

	mu   sync.Mutex
	held sessionConn
}

var _ outbox.Locker = (*AdvisoryLocker)(nil)
var _ outbox.Loggable = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(pool *pgxpool.Pool, key int64) *AdvisoryLocker {
	if pool == nil {
		panic("pool is mandatory")
	}
	return &AdvisoryLocker{
		key: key,
		acquire: func(ctx context.Context) (sessionConn, error) {
			c, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return poolConn{c}, nil
		},
		logger: &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (l *AdvisoryLocker) SetLogger(logger outbox.Logger) {
	l.logger = logger
}

// TryLock runs pg_try_advisory_lock on a dedicated connection that is kept
// until Unlock.
func (l *AdvisoryLocker) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held != nil {
		return false, nil
	}

	c, err := l.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring a connection for the advisory lock: %w", err)
	}
	var acquired bool
	if err := c.QueryRow(ctx, tryAdvisoryLockSql, l.key).Scan(&acquired); err != nil {
		c.Release()
		return false, err
	}
	if !acquired {
		c.Release()
		return false, nil
	}
	l.held = c
	l.logger.Debug(fmt.Sprintf("advisory lock %d acquired", l.key))
	return true, nil
}

// Unlock releases the advisory lock. When the unlock statement fails the
// connection is closed, which drops the lock on the server side anyway.
func (l *AdvisoryLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		return fmt.Errorf("advisory lock %d is not held", l.key)
	}
	c := l.held
	l.held = nil

	var released bool
	if err := c.QueryRow(ctx, advisoryUnlockSql, l.key).Scan(&released); err != nil {
		if derr := c.Destroy(ctx); derr != nil {
			l.logger.Error("closing the advisory lock connection", derr)
		}
		return fmt.Errorf("releasing advisory lock %d: %w", l.key, err)
	}
	c.Release()
	if !released {
		l.logger.Warn(fmt.Sprintf("advisory lock %d was not held by the session", l.key))
	}
	l.logger.Debug(fmt.Sprintf("advisory lock %d released", l.key))
	return nil
}
