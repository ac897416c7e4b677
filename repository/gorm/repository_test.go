package gorm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/3rs4lg4d0/ticketflow/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	db         *gorm.DB
	repository *Repository
)

// TestMain prepares the database setup needed to run these tests. As you can see
// the database layer is tested against a real Postgres containerized instance, but
// for some specific cases (mostly to simulate errors) a sqlmock instance is used.
func TestMain(m *testing.M) {
	var dsn string
	ctx := context.Background()

	database, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err = database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic("failed to connect to database")
	}

	repository = New(test.DefaultCtxKey, db)
	repository.SetLogger(&outbox.NopLogger{})

	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func cleanup(t *testing.T) {
	if err := db.Exec("TRUNCATE outbox, processed_events, ticket_activities CASCADE").Error; err != nil {
		t.Fatal(err)
	}
}

func newEntry(eventType string, occurredAt time.Time) *outbox.Entry {
	return &outbox.Entry{
		Id:            uuid.New(),
		Type:          eventType,
		Payload:       []byte(`{"ticketId":"42"}`),
		OccurredAt:    occurredAt.UTC().Truncate(time.Microsecond),
		CorrelationId: "corr-1",
	}
}

func insertEntries(t *testing.T, entries ...*outbox.Entry) {
	err := NewTransactor(test.DefaultCtxKey, db).WithinTransaction(context.Background(), func(ctx context.Context) error {
		return repository.Save(ctx, entries)
	})
	require.NoError(t, err)
}

func TestNew(t *testing.T) {
	type args struct {
		txKey outbox.TxKey
		db    *gorm.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    db,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				txKey: nil,
			},
			wantPanic: true,
		},
		{
			name: "pool is nil",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
				assert.Panics(t, func() {
					NewTransactor(tc.args.txKey, tc.args.db)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.txKey, tc.args.db)
					NewTransactor(tc.args.txKey, tc.args.db)
				})
			}
		})
	}
}

func TestSave(t *testing.T) {
	type args struct {
		ctx     context.Context
		entries []*outbox.Entry
	}
	testcases := []struct {
		name       string
		args       args
		wantErr    bool
		wantErrMsg string
	}{
		{
			name: "valid context and valid entries",
			args: args{
				ctx: func() context.Context {
					tx := db.Begin()
					ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
					return ctx
				}(),
				entries: []*outbox.Entry{newEntry("TicketCreated", time.Now())},
			},
			wantErr: false,
		},
		{
			name: "context without an existing transaction",
			args: args{
				ctx: func() context.Context {
					return context.Background()
				}(),
				entries: []*outbox.Entry{newEntry("TicketCreated", time.Now())},
			},
			wantErr:    true,
			wantErrMsg: "a transaction was expected in the context",
		},
		{
			name: "simulate error when saving",
			args: args{
				ctx: func() context.Context {
					db, mock, _ := sqlmock.New()
					gormDB, _ := gorm.Open(postgres.New(postgres.Config{
						Conn: db,
					}), &gorm.Config{})
					mock.ExpectBegin()
					mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnError(errors.New("error#1"))
					mock.ExpectRollback()
					tx := gormDB.Begin()
					ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
					return ctx
				}(),
				entries: []*outbox.Entry{newEntry("TicketCreated", time.Now())},
			},
			wantErr:    true,
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := tc.args.ctx
			err := repository.Save(ctx, tc.args.entries)
			if !tc.wantErr {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}

			tx, ok := ctx.Value(test.DefaultCtxKey).(*gorm.DB)
			if ok {
				assert.NoError(t, tx.Rollback().Error)
			}
		})
	}
}

func TestSaveActivities(t *testing.T) {
	defer cleanup(t)
	activity := &outbox.Activity{
		Id:            uuid.New(),
		TicketId:      uuid.New(),
		Action:        "ticket.assigned",
		ActorId:       "system",
		CorrelationId: "corr-1",
		OccurredAt:    time.Now(),
		Data:          []byte(`{"reason":"auto_assignment"}`),
	}

	err := repository.SaveActivities(context.Background(), []*outbox.Activity{activity})
	assert.ErrorIs(t, err, outbox.ErrNoTransaction)

	err = NewTransactor(test.DefaultCtxKey, db).WithinTransaction(context.Background(), func(ctx context.Context) error {
		return repository.SaveActivities(ctx, []*outbox.Activity{activity})
	})
	require.NoError(t, err)

	var reason string
	require.NoError(t, db.Raw("SELECT data->>'reason' FROM ticket_activities WHERE id=?", activity.Id).Row().Scan(&reason))
	assert.Equal(t, "auto_assignment", reason)
}

func TestClaimPending(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	now := time.Now()
	fresh := newEntry("TicketCreated", now)
	older := newEntry("TicketStatusChanged", now.Add(-time.Minute))
	exhausted := newEntry("TicketAssigned", now.Add(-time.Hour))
	insertEntries(t, fresh, older, exhausted)
	require.NoError(t, db.Exec("UPDATE outbox SET attempts=5 WHERE id=?", exhausted.Id).Error)

	entries, err := repository.ClaimPending(ctx, 10, 5, time.Minute)

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, older.Id, entries[0].Id)
	assert.Equal(t, fresh.Id, entries[1].Id)
	assert.Equal(t, "corr-1", entries[0].CorrelationId)
	assert.True(t, entries[0].Pending())

	entries, err = repository.ClaimPending(ctx, 10, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDispatchBookkeeping(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	delivered := newEntry("TicketCreated", time.Now())
	failed := newEntry("TicketAssigned", time.Now())
	insertEntries(t, delivered, failed)

	_, err := repository.ClaimPending(ctx, 10, 5, time.Minute)
	require.NoError(t, err)

	require.NoError(t, repository.MarkDispatched(ctx, delivered.Id, time.Now()))
	require.NoError(t, repository.MarkFailed(ctx, failed.Id, "connection refused"))
	// already dispatched entries do not take failures
	require.NoError(t, repository.MarkFailed(ctx, delivered.Id, "late failure"))

	processed, err := repository.IsProcessed(ctx, delivered.Id)
	require.NoError(t, err)
	assert.True(t, processed)
	processed, err = repository.IsProcessed(ctx, failed.Id)
	require.NoError(t, err)
	assert.False(t, processed)

	entries, err := repository.ClaimPending(ctx, 10, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, failed.Id, entries[0].Id)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "connection refused", entries[0].Error)

	err = repository.MarkDispatched(ctx, uuid.New(), time.Now())
	assert.ErrorContains(t, err, "not found")
}

func TestRepositoryErrors(t *testing.T) {
	testcases := []struct {
		name             string
		call             func(r *Repository) error
		mockExpectations func(sqlmock.Sqlmock)
		wantErrMsg       string
	}{
		{
			name: "simulate error when claiming",
			call: func(r *Repository) error {
				_, err := r.ClaimPending(context.Background(), 10, 5, time.Minute)
				return err
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("UPDATE outbox SET claimed_until.+").WithArgs(int64(60000), 5, 10).WillReturnError(errors.New("error#1"))
			},
			wantErrMsg: "error#1",
		},
		{
			name: "simulate error when scanning claimed rows",
			call: func(r *Repository) error {
				_, err := r.ClaimPending(context.Background(), 10, 5, time.Minute)
				return err
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				rows := test.MockClaimedOutboxRows(mock)
				rows.RowError(1, errors.New("error#2"))
			},
			wantErrMsg: "error#2",
		},
		{
			name: "simulate error when checking the processed ledger",
			call: func(r *Repository) error {
				_, err := r.IsProcessed(context.Background(), uuid.New())
				return err
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT EXISTS.+").WillReturnError(errors.New("error#3"))
			},
			wantErrMsg: "error#3",
		},
		{
			name: "simulate error when recording the processed event",
			call: func(r *Repository) error {
				return r.MarkDispatched(context.Background(), uuid.New(), time.Now())
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO processed_events.+").WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnError(errors.New("error#4"))
				mock.ExpectRollback()
			},
			wantErrMsg: "error#4",
		},
		{
			name: "simulate error when recording a failure",
			call: func(r *Repository) error {
				return r.MarkFailed(context.Background(), uuid.New(), "boom")
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE outbox SET attempts.+").WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnError(errors.New("error#5"))
			},
			wantErrMsg: "error#5",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			tc.mockExpectations(mock)

			err := tc.call(repo)

			assert.EqualError(t, err, tc.wantErrMsg)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClaimPendingSortsByOccurrence(t *testing.T) {
	repo, mock := createSqlMockRepository()
	test.MockClaimedOutboxRows(mock)

	entries, err := repo.ClaimPending(context.Background(), 10, 5, time.Minute)

	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "TicketCreated", entries[0].Type)
	assert.Equal(t, "TicketStatusChanged", entries[1].Type)
	assert.Equal(t, "boom", entries[1].Error)
	assert.Equal(t, 1, entries[1].Attempts)
	assert.Equal(t, "TicketAssigned", entries[2].Type)
	assert.Empty(t, entries[2].Error)
}

func TestTransactor(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	transactor := NewTransactor(test.DefaultCtxKey, db)

	err := transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := repository.Save(ctx, []*outbox.Entry{newEntry("TicketCreated", time.Now())}); err != nil {
			return err
		}
		return errors.New("rolled back")
	})
	assert.EqualError(t, err, "rolled back")

	var count int64
	require.NoError(t, db.Raw("SELECT COUNT(*) FROM outbox").Row().Scan(&count))
	assert.Equal(t, int64(0), count)
}

// createSqlMockRepository creates a repository backed by a sqlmock connection.
func createSqlMockRepository() (*Repository, sqlmock.Sqlmock) {
	sqlDB, mock, _ := sqlmock.New()
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	repo := New(test.DefaultCtxKey, gormDB)
	repo.SetLogger(&outbox.NopLogger{})
	return repo, mock
}
