package pgxv5

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/ticketflow/assignment"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/3rs4lg4d0/ticketflow/test"
	"github.com/3rs4lg4d0/ticketflow/ticket"
	"github.com/3rs4lg4d0/ticketflow/tickets"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	store     *TicketStore
	outbox    *outbox.Outbox
	service   *tickets.Service
	publisher *test.RecordingPublisher
}

func newStack(lockKey int64) *stack {
	store := NewTicketStore(defaultCtxKey, pool)
	publisher := &test.RecordingPublisher{}
	ob := outbox.New(outbox.Settings{
		EnableDispatcher: true,
		BatchSize:        100,
	}, New(defaultCtxKey, pool), publisher, NewAdvisoryLocker(pool, lockKey))
	engine := assignment.NewEngine(assignment.Settings{}, store)
	return &stack{
		store:     store,
		outbox:    ob,
		service:   tickets.NewService(store, engine, ob, NewTransactor(defaultCtxKey, pool)),
		publisher: publisher,
	}
}

func countRows(t *testing.T, query string, args ...any) int {
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func TestTicketLifecycle(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	s := newStack(1001)

	created, res, err := s.service.Create(ctx, "VPN down", "cannot connect", "user-1")
	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Equal(t, assignment.ReasonNoActiveAgents, res.Reason)
	assert.Equal(t, 1, countRows(t, "SELECT COUNT(*) FROM outbox"))

	agent, err := s.service.AddAgent(ctx, "Alice")
	require.NoError(t, err)

	res, err = s.service.TryAssign(ctx, created.Id)
	require.NoError(t, err)
	assert.True(t, res.Assigned)
	assert.Equal(t, agent.Id, res.AgentId)
	assert.Equal(t, created.Version+1, res.Version)

	stored, err := s.store.Get(ctx, created.Id)
	require.NoError(t, err)
	require.NotNil(t, stored.AssigneeId)
	assert.Equal(t, agent.Id, *stored.AssigneeId)
	assert.Equal(t, res.Version, stored.Version)

	updated, err := s.service.ChangeStatus(ctx, created.Id, "in_progress", "agent-1", "on it")
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusInProgress, updated.Status)
	assert.Equal(t, res.Version+1, updated.Version)

	_, err = s.service.ChangeStatus(ctx, created.Id, "IN-PROGRESS", "agent-1", "")
	assert.ErrorIs(t, err, ticket.ErrInvalidTransition)

	assert.Equal(t, 3, countRows(t, "SELECT COUNT(*) FROM outbox"))
	assert.Equal(t, 3, countRows(t, "SELECT COUNT(*) FROM ticket_activities WHERE ticket_id=$1", created.Id))

	report, err := s.outbox.Dispatcher().RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.LockAcquired)
	assert.Equal(t, 3, report.Published)

	published := s.publisher.Published()
	require.Len(t, published, 3)
	assert.Equal(t, "TicketCreated", published[0].Type)
	assert.Equal(t, "TicketAssigned", published[1].Type)
	assert.Equal(t, "TicketStatusChanged", published[2].Type)
	assert.Equal(t, 3, countRows(t, "SELECT COUNT(*) FROM processed_events"))
	assert.Equal(t, 0, countRows(t, "SELECT COUNT(*) FROM outbox WHERE dispatched_at IS NULL"))

	var loads []assignment.AgentLoad
	loads, err = s.store.AgentLoads(ctx)
	require.NoError(t, err)
	require.Len(t, loads, 1)
	assert.Equal(t, 1, loads[0].OpenCount)
	assert.Equal(t, 1, loads[0].InProgressCount)
	assert.NotNil(t, loads[0].LastAssignedAt)
}

func TestStaleStatusUpdate(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	s := newStack(1002)

	created, _, err := s.service.Create(ctx, "Printer", "", "user-1")
	require.NoError(t, err)

	ok, err := s.store.UpdateStatus(ctx, created.Id, ticket.StatusWaiting, created.Version+10, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ticket.ErrNotFound)
	_, err = s.store.TicketSnapshot(ctx, uuid.New())
	assert.ErrorIs(t, err, ticket.ErrNotFound)

	active, err := s.store.AgentActive(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, active)
}

func TestConcurrentAutoAssignment(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	s := newStack(1003)

	for _, name := range []string{"Alice", "Bob", "Carol"} {
		_, err := s.service.AddAgent(ctx, name)
		require.NoError(t, err)
	}
	created, err := ticket.New("Disk full", "", "user-1", time.Now())
	require.NoError(t, err)
	created.ClearEvents()
	require.NoError(t, s.store.Insert(ctx, created))

	const workers = 10
	var wg sync.WaitGroup
	results := make([]assignment.Result, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.service.TryAssign(ctx, created.Id)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Assigned {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, countRows(t, "SELECT COUNT(*) FROM outbox WHERE type='TicketAssigned'"))

	stored, err := s.store.Get(ctx, created.Id)
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, stored.Version)
}

func TestDispatchersShareTheLock(t *testing.T) {
	defer cleanup(t)
	ctx := context.Background()
	first := newStack(1004)
	second := newStack(1004)

	for i := 0; i < 20; i++ {
		_, _, err := first.service.Create(ctx, "Ticket", "", "user-1")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, s := range []*stack{first, second} {
		wg.Add(1)
		go func(s *stack) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := s.outbox.Dispatcher().RunCycle(ctx)
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 20, len(first.publisher.Published())+len(second.publisher.Published()))
	assert.Equal(t, 20, countRows(t, "SELECT COUNT(*) FROM processed_events"))
}
