package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const (
	insertOutboxSql   = "INSERT INTO outbox (id, type, payload, occurred_at, correlation_id) VALUES ($1, $2, $3, $4, NULLIF($5, ''))"
	insertActivitySql = "INSERT INTO ticket_activities (id, ticket_id, action, actor_id, correlation_id, occurred_at, data) VALUES ($1, $2, $3, $4, $5, $6, $7)"
	claimPendingSql   = `UPDATE outbox SET claimed_until = NOW() + (CAST($1 AS bigint) * INTERVAL '1 millisecond')
WHERE id IN (
	SELECT id FROM outbox
	WHERE dispatched_at IS NULL AND attempts < $2 AND (claimed_until IS NULL OR claimed_until < NOW())
	ORDER BY occurred_at ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING id, type, payload, occurred_at, correlation_id, dispatched_at, attempts, error`
	isProcessedSql     = "SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id=$1)"
	insertProcessedSql = "INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING"
	markDispatchedSql  = "UPDATE outbox SET dispatched_at=$1, claimed_until=NULL WHERE id=$2"
	markFailedSql      = "UPDATE outbox SET attempts=attempts+1, error=$1, claimed_until=NULL WHERE id=$2 AND dispatched_at IS NULL"
)

// Repository is the database/sql implementation of outbox.Repository. The
// statements use Postgres syntax, so the driver must speak Postgres (e.g.
// the pgx stdlib driver).
type Repository struct {
	txKey  outbox.TxKey
	db     *sql.DB
	logger outbox.Logger
}

var _ outbox.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)
var _ outbox.ActivityRecorder = (*Repository)(nil)

func New(txKey outbox.TxKey, db *sql.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l outbox.Logger) {
	r.logger = l
}

// Save persists outbox entries in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, entries []*outbox.Entry) error {
	tx, ok := txFrom(ctx, r.txKey)
	if !ok {
		return outbox.ErrNoTransaction
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, insertOutboxSql, e.Id, e.Type, e.Payload, e.OccurredAt, e.CorrelationId)
		if err != nil {
			return fmt.Errorf("could not persist the outbox record: %w", err)
		}
	}
	return nil
}

// SaveActivities persists the ticket activity trail in the business
// transaction present in the context.
func (r *Repository) SaveActivities(ctx context.Context, activities []*outbox.Activity) error {
	tx, ok := txFrom(ctx, r.txKey)
	if !ok {
		return outbox.ErrNoTransaction
	}
	for _, a := range activities {
		_, err := tx.ExecContext(ctx, insertActivitySql, a.Id, a.TicketId, a.Action, a.ActorId, a.CorrelationId, a.OccurredAt, a.Data)
		if err != nil {
			return fmt.Errorf("could not persist the ticket activity: %w", err)
		}
	}
	return nil
}

// ClaimPending leases up to limit pending entries, oldest first.
func (r *Repository) ClaimPending(ctx context.Context, limit int, maxAttempts int, lease time.Duration) ([]*outbox.Entry, error) {
	rows, err := r.db.QueryContext(ctx, claimPendingSql, lease.Milliseconds(), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		var or outboxRow
		err := rows.Scan(&or.id, &or.eventType, &or.payload, &or.occurredAt, &or.correlationId, &or.dispatchedAt, &or.attempts, &or.lastError)
		if err != nil {
			return nil, err
		}
		entries = append(entries, or.entry())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not keep the order of the subquery
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.Before(entries[j].OccurredAt)
	})
	return entries, nil
}

// IsProcessed checks the processed events ledger.
func (r *Repository) IsProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, isProcessedSql, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkDispatched records the entry in the processed events ledger and sets
// its dispatch time in a single transaction.
func (r *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:all

	if _, err := tx.ExecContext(ctx, insertProcessedSql, id, at); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, markDispatchedSql, at, id)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("outbox entry '%s' not found", id)
	}
	return tx.Commit()
}

// MarkFailed increments the attempts of a pending entry and stores the
// error text.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	res, err := r.db.ExecContext(ctx, markFailedSql, errText, id)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		r.logger.Warn(fmt.Sprintf("outbox entry '%s' was not pending when recording its failure", id))
	}
	return nil
}

// Transactor is the database/sql implementation of outbox.Transactor. The
// transaction is stored in the context as a *sql.Tx.
type Transactor struct {
	txKey outbox.TxKey
	db    *sql.DB
}

var _ outbox.Transactor = (*Transactor)(nil)

func NewTransactor(txKey outbox.TxKey, db *sql.DB) *Transactor {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Transactor{txKey: txKey, db: db}
}

// WithinTransaction runs fn in the transaction found in ctx or in a new one.
// The new transaction commits when fn succeeds and rolls back otherwise.
func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx, t.txKey); ok {
		return fn(ctx)
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, t.txKey, tx)); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit()
}
