package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

// OutboxColumns lists the outbox columns in the order the repositories
// read them.
var OutboxColumns = []string{"id", "type", "payload", "occurred_at", "correlation_id", "dispatched_at", "attempts", "error"}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_ticketflow.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// MockClaimedOutboxRows expects a claim query returning three pending
// entries, in reverse occurrence order.
func MockClaimedOutboxRows(mock sqlmock.Sqlmock) *sqlmock.Rows {
	now := time.Now()
	rows := sqlmock.NewRows(OutboxColumns).
		AddRow(uuid.NewString(), "TicketAssigned", []byte(`{}`), now, "c1", nil, 0, nil).
		AddRow(uuid.NewString(), "TicketStatusChanged", []byte(`{}`), now.Add(-time.Second), "c1", nil, 1, "boom").
		AddRow(uuid.NewString(), "TicketCreated", []byte(`{}`), now.Add(-2*time.Second), "c1", nil, 0, nil)
	mock.ExpectQuery("UPDATE outbox SET claimed_until.+RETURNING.+").WillReturnRows(rows)
	return rows
}
