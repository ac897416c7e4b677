package gorm

import (
	"context"
	"database/sql"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// outboxRow mirrors the columns returned when claiming outbox entries.
type outboxRow struct {
	Id            uuid.UUID
	Type          string
	Payload       []byte
	OccurredAt    time.Time
	CorrelationId sql.NullString
	DispatchedAt  sql.NullTime
	Attempts      int
	Error         sql.NullString
}

func (r *outboxRow) entry() *outbox.Entry {
	e := &outbox.Entry{
		Id:            r.Id,
		Type:          r.Type,
		Payload:       r.Payload,
		OccurredAt:    r.OccurredAt,
		CorrelationId: r.CorrelationId.String,
		Attempts:      r.Attempts,
		Error:         r.Error.String,
	}
	if r.DispatchedAt.Valid {
		at := r.DispatchedAt.Time
		e.DispatchedAt = &at
	}
	return e
}

// txFrom returns the *gorm.DB transaction stored in ctx under txKey, if any.
func txFrom(ctx context.Context, txKey outbox.TxKey) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey).(*gorm.DB)
	return tx, ok
}
