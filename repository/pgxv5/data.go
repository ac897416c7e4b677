package pgxv5

import (
	"context"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// executor is the subset of pgx shared by pools and transactions.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	executor
	Begin(ctx context.Context) (pgx.Tx, error)
}

// txFrom returns the pgx transaction stored in ctx under txKey, if any.
func txFrom(ctx context.Context, txKey outbox.TxKey) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey).(pgx.Tx)
	return tx, ok
}

// conn returns the transaction carried by ctx or, when there is none, the
// pool itself.
func conn(ctx context.Context, txKey outbox.TxKey, db dbpool) executor {
	if tx, ok := txFrom(ctx, txKey); ok {
		return tx
	}
	return db
}
