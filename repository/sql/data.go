package sql

import (
	"context"
	"database/sql"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/google/uuid"
)

type outboxRow struct {
	id            uuid.UUID
	eventType     string
	payload       []byte
	occurredAt    time.Time
	correlationId sql.NullString
	dispatchedAt  sql.NullTime
	attempts      int
	lastError     sql.NullString
}

func (r *outboxRow) entry() *outbox.Entry {
	e := &outbox.Entry{
		Id:            r.id,
		Type:          r.eventType,
		Payload:       r.payload,
		OccurredAt:    r.occurredAt,
		CorrelationId: r.correlationId.String,
		Attempts:      r.attempts,
		Error:         r.lastError.String,
	}
	if r.dispatchedAt.Valid {
		at := r.dispatchedAt.Time
		e.DispatchedAt = &at
	}
	return e
}

// txFrom returns the *sql.Tx stored in ctx under txKey, if any.
func txFrom(ctx context.Context, txKey outbox.TxKey) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}
