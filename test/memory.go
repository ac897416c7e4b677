package test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3rs4lg4d0/ticketflow/assignment"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/3rs4lg4d0/ticketflow/ticket"
	"github.com/3rs4lg4d0/ticketflow/tickets"
	"github.com/google/uuid"
)

// MemoryOutbox is a concurrency safe in-memory outbox.Repository.
type MemoryOutbox struct {
	mu         sync.Mutex
	entries    map[uuid.UUID]*outbox.Entry
	claims     map[uuid.UUID]time.Time
	processed  map[uuid.UUID]time.Time
	activities []*outbox.Activity

	SaveErr           error
	ClaimErr          error
	IsProcessedErr    error
	MarkDispatchedErr error
	MarkFailedErr     error

	// HonorCancellation makes the bookkeeping writes fail on a done context,
	// as database drivers do.
	HonorCancellation bool
}

var (
	_ outbox.Repository       = (*MemoryOutbox)(nil)
	_ outbox.ActivityRecorder = (*MemoryOutbox)(nil)
)

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		entries:   make(map[uuid.UUID]*outbox.Entry),
		claims:    make(map[uuid.UUID]time.Time),
		processed: make(map[uuid.UUID]time.Time),
	}
}

func (m *MemoryOutbox) Save(_ context.Context, entries []*outbox.Entry) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Add(entries...)
	return nil
}

// Add stores copies of the entries, as they are.
func (m *MemoryOutbox) Add(entries ...*outbox.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		c := *e
		m.entries[e.Id] = &c
	}
}

func (m *MemoryOutbox) SaveActivities(_ context.Context, activities []*outbox.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, activities...)
	return nil
}

func (m *MemoryOutbox) ClaimPending(_ context.Context, limit int, maxAttempts int, lease time.Duration) ([]*outbox.Entry, error) {
	if m.ClaimErr != nil {
		return nil, m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var eligible []*outbox.Entry
	for id, e := range m.entries {
		if !e.Pending() || e.Attempts >= maxAttempts {
			continue
		}
		if until, ok := m.claims[id]; ok && until.After(now) {
			continue
		}
		eligible = append(eligible, e)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].OccurredAt.Before(eligible[j].OccurredAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	result := make([]*outbox.Entry, 0, len(eligible))
	for _, e := range eligible {
		m.claims[e.Id] = now.Add(lease)
		c := *e
		result = append(result, &c)
	}
	return result, nil
}

func (m *MemoryOutbox) IsProcessed(_ context.Context, id uuid.UUID) (bool, error) {
	if m.IsProcessedErr != nil {
		return false, m.IsProcessedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[id]
	return ok, nil
}

func (m *MemoryOutbox) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	if m.MarkDispatchedErr != nil {
		return m.MarkDispatchedErr
	}
	if m.HonorCancellation && ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return errors.New("entry not found")
	}
	if _, ok := m.processed[id]; !ok {
		m.processed[id] = at
	}
	e.DispatchedAt = &at
	delete(m.claims, id)
	return nil
}

func (m *MemoryOutbox) MarkFailed(ctx context.Context, id uuid.UUID, errText string) error {
	if m.MarkFailedErr != nil {
		return m.MarkFailedErr
	}
	if m.HonorCancellation && ctx.Err() != nil {
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return errors.New("entry not found")
	}
	if e.Pending() {
		e.Attempts++
		e.Error = errText
	}
	delete(m.claims, id)
	return nil
}

// MarkProcessed records the entry in the processed ledger only, as a crash
// between publish and bookkeeping would leave it.
func (m *MemoryOutbox) MarkProcessed(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = time.Now()
}

// Entry returns a copy of the stored entry.
func (m *MemoryOutbox) Entry(id uuid.UUID) (outbox.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return outbox.Entry{}, false
	}
	return *e, true
}

// Entries returns copies of every stored entry ordered by occurrence time.
func (m *MemoryOutbox) Entries() []outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]outbox.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result
}

// Processed reports whether the entry is in the processed ledger.
func (m *MemoryOutbox) Processed(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[id]
	return ok
}

func (m *MemoryOutbox) Activities() []*outbox.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*outbox.Activity(nil), m.activities...)
}

// MemoryLockService hands out lockers sharing one in-memory lock, one per
// simulated dispatcher instance.
type MemoryLockService struct {
	mu     sync.Mutex
	holder *MemoryLocker
}

func (s *MemoryLockService) NewLocker() *MemoryLocker {
	return &MemoryLocker{service: s}
}

// MemoryLocker is a non-reentrant outbox.Locker.
type MemoryLocker struct {
	service     *MemoryLockService
	TryLockErr  error
	UnlockCalls int
}

var _ outbox.Locker = (*MemoryLocker)(nil)

func (l *MemoryLocker) TryLock(_ context.Context) (bool, error) {
	if l.TryLockErr != nil {
		return false, l.TryLockErr
	}
	l.service.mu.Lock()
	defer l.service.mu.Unlock()
	if l.service.holder != nil {
		return false, nil
	}
	l.service.holder = l
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context) error {
	l.service.mu.Lock()
	defer l.service.mu.Unlock()
	l.UnlockCalls++
	if l.service.holder != l {
		return errors.New("lock not held")
	}
	l.service.holder = nil
	return nil
}

// Hold takes the lock on behalf of an external holder.
func (s *MemoryLockService) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holder = &MemoryLocker{service: s}
}

type PublishedMessage struct {
	Type          string
	Payload       []byte
	CorrelationId string
}

// RecordingPublisher is an outbox.Publisher remembering every accepted
// message. FailWith, when set, decides per event type whether to fail.
type RecordingPublisher struct {
	mu        sync.Mutex
	published []PublishedMessage
	FailWith  func(eventType string) error
	Delay     time.Duration
}

var _ outbox.Publisher = (*RecordingPublisher)(nil)

func (p *RecordingPublisher) Publish(ctx context.Context, eventType string, payload []byte, correlationId string) error {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.FailWith != nil {
		if err := p.FailWith(eventType); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, PublishedMessage{Type: eventType, Payload: payload, CorrelationId: correlationId})
	return nil
}

func (p *RecordingPublisher) Published() []PublishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedMessage(nil), p.published...)
}

// MemoryTransactor runs the function with the context as it is.
type MemoryTransactor struct {
	Calls atomic.Int64
}

var _ outbox.Transactor = (*MemoryTransactor)(nil)

func (t *MemoryTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.Calls.Add(1)
	return fn(ctx)
}

// MemoryTickets is a concurrency safe in-memory ticket and agent store.
type MemoryTickets struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*ticket.Ticket
	agents  map[uuid.UUID]*ticket.Agent

	// BeforeClaim, when set, runs before every claim is evaluated, outside
	// the store lock.
	BeforeClaim func(c assignment.Claim)
}

var (
	_ assignment.Store = (*MemoryTickets)(nil)
	_ tickets.Store    = (*MemoryTickets)(nil)
)

func NewMemoryTickets() *MemoryTickets {
	return &MemoryTickets{
		tickets: make(map[uuid.UUID]*ticket.Ticket),
		agents:  make(map[uuid.UUID]*ticket.Agent),
	}
}

func copyTicket(t *ticket.Ticket) *ticket.Ticket {
	c := &ticket.Ticket{
		Id:          t.Id,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Version:     t.Version,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.AssigneeId != nil {
		a := *t.AssigneeId
		c.AssigneeId = &a
	}
	return c
}

func (m *MemoryTickets) Insert(_ context.Context, t *ticket.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.Id]; ok {
		return errors.New("duplicate ticket")
	}
	m.tickets[t.Id] = copyTicket(t)
	return nil
}

func (m *MemoryTickets) Get(_ context.Context, id uuid.UUID) (*ticket.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ticket.ErrNotFound
	}
	return copyTicket(t), nil
}

func (m *MemoryTickets) UpdateStatus(_ context.Context, id uuid.UUID, status ticket.Status, expectedVersion int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok || t.Version != expectedVersion {
		return false, nil
	}
	t.Status = status
	t.Version++
	t.UpdatedAt = at
	return true, nil
}

func (m *MemoryTickets) SaveAgent(_ context.Context, a *ticket.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.agents[a.Id] = &c
	return nil
}

func (m *MemoryTickets) AgentLoads(_ context.Context) ([]assignment.AgentLoad, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loads []assignment.AgentLoad
	for _, a := range m.agents {
		if !a.Active {
			continue
		}
		load := assignment.AgentLoad{AgentId: a.Id, LastAssignedAt: a.LastAssignedAt}
		for _, t := range m.tickets {
			if t.AssigneeId == nil || *t.AssigneeId != a.Id {
				continue
			}
			if t.Status.Open() {
				load.OpenCount++
			}
			if t.Status == ticket.StatusInProgress {
				load.InProgressCount++
			}
		}
		loads = append(loads, load)
	}
	return loads, nil
}

func (m *MemoryTickets) TicketSnapshot(_ context.Context, id uuid.UUID) (assignment.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return assignment.Snapshot{}, ticket.ErrNotFound
	}
	s := assignment.Snapshot{TicketId: t.Id, Status: t.Status, Version: t.Version}
	if t.AssigneeId != nil {
		a := *t.AssigneeId
		s.AssigneeId = &a
	}
	return s, nil
}

func (m *MemoryTickets) ClaimTicket(_ context.Context, c assignment.Claim) (bool, error) {
	if m.BeforeClaim != nil {
		m.BeforeClaim(c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[c.TicketId]
	if !ok || t.Version != c.ExpectedVersion {
		return false, nil
	}
	if c.RequireUnassigned && t.AssigneeId != nil {
		return false, nil
	}
	allowed := false
	for _, s := range c.Statuses {
		if t.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	agent := c.AgentId
	t.AssigneeId = &agent
	t.Version++
	t.UpdatedAt = c.At
	return true, nil
}

func (m *MemoryTickets) TouchAgent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return errors.New("agent not found")
	}
	a.LastAssignedAt = &at
	return nil
}

func (m *MemoryTickets) AgentActive(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	return ok && a.Active, nil
}

// Agent returns a copy of the stored agent.
func (m *MemoryTickets) Agent(id uuid.UUID) (ticket.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ticket.Agent{}, false
	}
	return *a, true
}

// SetTicket stores a copy of t as it is, bypassing every check.
func (m *MemoryTickets) SetTicket(t *ticket.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.Id] = copyTicket(t)
}
