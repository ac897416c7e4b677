package pgxv5

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	insertOutboxSql   = "INSERT INTO outbox (id, type, payload, occurred_at, correlation_id) VALUES ($1, $2, $3, $4, NULLIF($5, ''))"
	insertActivitySql = "INSERT INTO ticket_activities (id, ticket_id, action, actor_id, correlation_id, occurred_at, data) VALUES ($1, $2, $3, $4, $5, $6, $7)"
	claimPendingSql   = `UPDATE outbox SET claimed_until = NOW() + ($3::bigint * INTERVAL '1 millisecond')
WHERE id IN (
	SELECT id FROM outbox
	WHERE dispatched_at IS NULL AND attempts < $1 AND (claimed_until IS NULL OR claimed_until < NOW())
	ORDER BY occurred_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, type, payload, occurred_at, COALESCE(correlation_id, ''), dispatched_at, attempts, COALESCE(error, '')`
	isProcessedSql     = "SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id=$1)"
	insertProcessedSql = "INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING"
	markDispatchedSql  = "UPDATE outbox SET dispatched_at=$2, claimed_until=NULL WHERE id=$1"
	markFailedSql      = "UPDATE outbox SET attempts=attempts+1, error=$2, claimed_until=NULL WHERE id=$1 AND dispatched_at IS NULL"
)

// Repository is the pgx implementation of outbox.Repository.
type Repository struct {
	txKey  outbox.TxKey
	db     dbpool
	logger outbox.Logger
}

var _ outbox.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)
var _ outbox.ActivityRecorder = (*Repository)(nil)

func New(txKey outbox.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l outbox.Logger) {
	r.logger = l
}

// Save persists outbox entries in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, entries []*outbox.Entry) error {
	tx, ok := txFrom(ctx, r.txKey)
	if !ok {
		return outbox.ErrNoTransaction
	}
	for _, e := range entries {
		_, err := tx.Exec(ctx, insertOutboxSql, e.Id, e.Type, e.Payload, e.OccurredAt, e.CorrelationId)
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
		_, err := tx.Exec(ctx, insertActivitySql, a.Id, a.TicketId, a.Action, a.ActorId, a.CorrelationId, a.OccurredAt, a.Data)
		if err != nil {
			return fmt.Errorf("could not persist the ticket activity: %w", err)
		}
	}
	return nil
}

// ClaimPending leases up to limit pending entries. Rows locked by a
// concurrent claim are skipped and the lease keeps them hidden from later
// claims until it expires.
func (r *Repository) ClaimPending(ctx context.Context, limit int, maxAttempts int, lease time.Duration) ([]*outbox.Entry, error) {
	rows, err := r.db.Query(ctx, claimPendingSql, maxAttempts, limit, lease.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		var e outbox.Entry
		err := rows.Scan(&e.Id, &e.Type, &e.Payload, &e.OccurredAt, &e.CorrelationId, &e.DispatchedAt, &e.Attempts, &e.Error)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not keep the order of the subquery.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.Before(entries[j].OccurredAt)
	})
	return entries, nil
}

// IsProcessed checks the processed events ledger.
func (r *Repository) IsProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, isProcessedSql, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkDispatched records the entry in the processed events ledger and sets
// its dispatch time in a single transaction.
func (r *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertProcessedSql, id, at); err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, markDispatchedSql, id, at)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("outbox entry '%s' not found", id)
		}
		return nil
	})
}

// MarkFailed increments the attempts of a pending entry and stores the
// error text.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	ct, err := r.db.Exec(ctx, markFailedSql, id, errText)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("outbox entry '%s' was not pending when recording its failure", id))
	}
	return nil
}

// Transactor is the pgx implementation of outbox.Transactor. The
// transaction is stored in the context under the configured key, where the
// repositories of this package look for it.
type Transactor struct {
	txKey outbox.TxKey
	db    dbpool
}

var _ outbox.Transactor = (*Transactor)(nil)

func NewTransactor(txKey outbox.TxKey, pool dbpool) *Transactor {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Transactor{txKey: txKey, db: pool}
}

// WithinTransaction runs fn in the transaction found in ctx or in a new one,
// committed when fn succeeds and rolled back otherwise.
func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx, t.txKey); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, t.db, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, t.txKey, tx))
	})
}
