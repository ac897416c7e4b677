package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/ticketflow/assignment"
	"github.com/3rs4lg4d0/ticketflow/event"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/3rs4lg4d0/ticketflow/ticket"
	"github.com/google/uuid"
)

// ErrConcurrentUpdate is returned when a ticket changed between its read and
// its conditional write.
var ErrConcurrentUpdate = errors.New("ticket was modified concurrently")

// Store persists tickets and agents. Implementations join the transaction
// carried by the context, if any.
type Store interface {
	// Insert persists a new ticket.
	Insert(ctx context.Context, t *ticket.Ticket) error

	// Get loads a ticket. It returns ticket.ErrNotFound for unknown ids.
	Get(ctx context.Context, id uuid.UUID) (*ticket.Ticket, error)

	// UpdateStatus writes the status and bumps the version only if the stored
	// version still equals expectedVersion. It reports whether the row changed.
	UpdateStatus(ctx context.Context, id uuid.UUID, status ticket.Status, expectedVersion int64, at time.Time) (bool, error)

	// SaveAgent inserts or updates an agent.
	SaveAgent(ctx context.Context, a *ticket.Agent) error
}

// Capturer records pending domain events in the outbox. Both *outbox.Outbox
// and *outbox.Ledger satisfy it.
type Capturer interface {
	Capture(ctx context.Context, sources ...event.Source) ([]*outbox.Entry, error)
}

// Service is the entry point of the collaborator layer (HTTP handlers, CLI,
// jobs) into the ticket core. Every operation runs in its own transaction,
// or joins the one carried by the context.
type Service struct {
	store    Store
	engine   *assignment.Engine
	capturer Capturer
	tx       outbox.Transactor
	logger   outbox.Logger
	now      func() time.Time
}

type opt func(s *Service)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l outbox.Logger) opt {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the time source used for ticket timestamps.
func WithClock(now func() time.Time) opt {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service. Every collaborator is mandatory.
func NewService(st Store, e *assignment.Engine, c Capturer, tx outbox.Transactor, options ...opt) *Service {
	if st == nil || e == nil || c == nil || tx == nil {
		panic("you must provide a store, an assignment engine, a capturer and a transactor")
	}
	s := &Service{
		store:    st,
		engine:   e,
		capturer: c,
		tx:       tx,
		logger:   &outbox.NopLogger{},
		now:      time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Create opens a ticket and tries to assign it right away. The ticket is
// committed even when no agent can take it; the assignment outcome is
// reported in the Result.
func (s *Service) Create(ctx context.Context, title, description, actor string) (*ticket.Ticket, assignment.Result, error) {
	t, err := ticket.New(title, description, actor, s.now())
	if err != nil {
		return nil, assignment.Result{}, err
	}
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.Insert(ctx, t); err != nil {
			return fmt.Errorf("inserting ticket: %w", err)
		}
		_, err := s.capturer.Capture(ctx, t)
		return err
	})
	if err != nil {
		return nil, assignment.Result{}, err
	}
	s.logger.Debug(fmt.Sprintf("ticket '%s' created", t.Id))

	res, err := s.TryAssign(ctx, t.Id)
	if err != nil {
		return t, res, fmt.Errorf("ticket '%s' created but not assigned: %w", t.Id, err)
	}
	if res.Assigned {
		t.AssigneeId = &res.AgentId
		t.Version = res.Version
	}
	return t, res, nil
}

// RecordEvents captures the pending events of the given entities.
func (s *Service) RecordEvents(ctx context.Context, sources ...event.Source) error {
	return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := s.capturer.Capture(ctx, sources...)
		return err
	})
}

// TryAssign assigns the ticket to the least loaded active agent.
func (s *Service) TryAssign(ctx context.Context, ticketId uuid.UUID) (assignment.Result, error) {
	var res assignment.Result
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var events event.Buffer
		var err error
		res, err = s.engine.TryAssign(ctx, ticketId, &events)
		if err != nil {
			return err
		}
		_, err = s.capturer.Capture(ctx, &events)
		return err
	})
	if err != nil {
		return assignment.Result{}, err
	}
	s.logger.Debug(fmt.Sprintf("assignment of ticket '%s': %s", ticketId, res))
	return res, nil
}

// Reassign hands the ticket over to a specific agent on behalf of actor.
func (s *Service) Reassign(ctx context.Context, ticketId, agentId uuid.UUID, actor, reason string) (assignment.Result, error) {
	var res assignment.Result
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var events event.Buffer
		var err error
		res, err = s.engine.AssignTo(ctx, ticketId, agentId, actor, strings.TrimSpace(reason), &events)
		if err != nil {
			return err
		}
		_, err = s.capturer.Capture(ctx, &events)
		return err
	})
	if err != nil {
		return assignment.Result{}, err
	}
	return res, nil
}

// ChangeStatus moves the ticket to newStatus, which may be any accepted
// status alias. It fails with ticket.ErrNotFound, ticket.ErrInvalidStatus,
// ticket.ErrInvalidTransition or ErrConcurrentUpdate.
func (s *Service) ChangeStatus(ctx context.Context, ticketId uuid.UUID, newStatus, actor, comment string) (*ticket.Ticket, error) {
	status, err := ticket.ParseStatus(newStatus)
	if err != nil {
		return nil, err
	}
	var t *ticket.Ticket
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		t, err = s.store.Get(ctx, ticketId)
		if err != nil {
			return err
		}
		if err := t.ChangeStatus(status, actor, comment, s.now()); err != nil {
			return err
		}
		updated, err := s.store.UpdateStatus(ctx, t.Id, t.Status, t.Version, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating ticket status: %w", err)
		}
		if !updated {
			return ErrConcurrentUpdate
		}
		t.Version++
		_, err = s.capturer.Capture(ctx, t)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddAgent registers an agent, active by default.
func (s *Service) AddAgent(ctx context.Context, name string) (*ticket.Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("agent name is required")
	}
	a := &ticket.Agent{Id: uuid.New(), Name: name, Active: true}
	if err := s.store.SaveAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("saving agent: %w", err)
	}
	return a, nil
}
