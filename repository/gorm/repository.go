package gorm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	insertOutboxSql   = "INSERT INTO outbox (id, type, payload, occurred_at, correlation_id) VALUES (?, ?, ?, ?, NULLIF(?, ''))"
	insertActivitySql = "INSERT INTO ticket_activities (id, ticket_id, action, actor_id, correlation_id, occurred_at, data) VALUES (?, ?, ?, ?, ?, ?, ?)"
	claimPendingSql   = `UPDATE outbox SET claimed_until = NOW() + (CAST(? AS bigint) * INTERVAL '1 millisecond')
WHERE id IN (
	SELECT id FROM outbox
	WHERE dispatched_at IS NULL AND attempts < ? AND (claimed_until IS NULL OR claimed_until < NOW())
	ORDER BY occurred_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)
RETURNING id, type, payload, occurred_at, correlation_id, dispatched_at, attempts, error`
	isProcessedSql     = "SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id=?)"
	insertProcessedSql = "INSERT INTO processed_events (event_id, processed_at) VALUES (?, ?) ON CONFLICT (event_id) DO NOTHING"
	markDispatchedSql  = "UPDATE outbox SET dispatched_at=?, claimed_until=NULL WHERE id=?"
	markFailedSql      = "UPDATE outbox SET attempts=attempts+1, error=?, claimed_until=NULL WHERE id=? AND dispatched_at IS NULL"
)

// Repository is the gorm implementation of outbox.Repository.
type Repository struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger outbox.Logger
}

var _ outbox.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)
var _ outbox.ActivityRecorder = (*Repository)(nil)

func New(txKey outbox.TxKey, db *gorm.DB) *Repository {
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
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, entries []*outbox.Entry) error {
	tx, ok := txFrom(ctx, r.txKey)
	if !ok {
		return outbox.ErrNoTransaction
	}
	for _, e := range entries {
		err := tx.WithContext(ctx).Exec(insertOutboxSql, e.Id, e.Type, e.Payload, e.OccurredAt, e.CorrelationId).Error
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
		err := tx.WithContext(ctx).Exec(insertActivitySql, a.Id, a.TicketId, a.Action, a.ActorId, a.CorrelationId, a.OccurredAt, a.Data).Error
		if err != nil {
			return fmt.Errorf("could not persist the ticket activity: %w", err)
		}
	}
	return nil
}

// ClaimPending leases up to limit pending entries, oldest first.
func (r *Repository) ClaimPending(ctx context.Context, limit int, maxAttempts int, lease time.Duration) ([]*outbox.Entry, error) {
	rows, err := r.db.WithContext(ctx).Raw(claimPendingSql, lease.Milliseconds(), maxAttempts, limit).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		var or outboxRow
		err := rows.Scan(&or.Id, &or.Type, &or.Payload, &or.OccurredAt, &or.CorrelationId, &or.DispatchedAt, &or.Attempts, &or.Error)
		if err != nil {
			return nil, err
		}
		entries = append(entries, or.entry())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.Before(entries[j].OccurredAt)
	})
	return entries, nil
}

// IsProcessed checks the processed events ledger.
func (r *Repository) IsProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.WithContext(ctx).Raw(isProcessedSql, id).Row().Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkDispatched records the entry in the processed events ledger and sets
// its dispatch time in a single transaction.
func (r *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(insertProcessedSql, id, at).Error; err != nil {
			return err
		}
		res := tx.Exec(markDispatchedSql, at, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("outbox entry '%s' not found", id)
		}
		return nil
	})
}

// MarkFailed increments the attempts of a pending entry and stores the
// error text.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	res := r.db.WithContext(ctx).Exec(markFailedSql, errText, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("outbox entry '%s' was not pending when recording its failure", id))
	}
	return nil
}

// Transactor is the gorm implementation of outbox.Transactor. The
// transaction is stored in the context as a *gorm.DB.
type Transactor struct {
	txKey outbox.TxKey
	db    *gorm.DB
}

var _ outbox.Transactor = (*Transactor)(nil)

func NewTransactor(txKey outbox.TxKey, db *gorm.DB) *Transactor {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Transactor{txKey: txKey, db: db}
}

// WithinTransaction runs fn in the transaction found in ctx or in a new one.
func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx, t.txKey); ok {
		return fn(ctx)
	}
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, t.txKey, tx))
	})
}
