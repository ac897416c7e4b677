package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/ticketflow/event"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("ticket not found")
	ErrInvalidStatus     = errors.New("invalid ticket status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyTitle        = errors.New("ticket title is required")
)

// Ticket is the aggregate root handled by the assignment and delivery core.
// Version increases on every persisted state change and backs the optimistic
// concurrency checks.
type Ticket struct {
	Id          uuid.UUID
	Title       string
	Description string
	Status      Status
	AssigneeId  *uuid.UUID
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	events event.Buffer
}

var _ event.Source = (*Ticket)(nil)

// New opens a ticket and records its Created event.
func New(title, description, actor string, now time.Time) (*Ticket, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	now = now.UTC()
	t := &Ticket{
		Id:          uuid.New(),
		Title:       title,
		Description: description,
		Status:      StatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.events.Record(event.Created(t.Id, actor, now, event.CreatedPayload{
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
	}))
	return t, nil
}

// ChangeStatus moves the ticket to another status and records the change.
// The version is left untouched; the store bumps it when the write lands.
func (t *Ticket) ChangeStatus(to Status, actor, comment string, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = now.UTC()
	t.events.Record(event.StatusChanged(t.Id, actor, now, event.StatusChangedPayload{
		OldStatus: string(from),
		NewStatus: string(to),
		Comment:   strings.TrimSpace(comment),
	}))
	return nil
}

// Assignable reports whether the ticket can currently be claimed.
func (t *Ticket) Assignable() bool {
	return t.Status.Assignable()
}

// PendingEvents implements event.Source.
func (t *Ticket) PendingEvents() []event.DomainEvent {
	return t.events.PendingEvents()
}

// ClearEvents implements event.Source.
func (t *Ticket) ClearEvents() {
	t.events.ClearEvents()
}

// Agent is a support agent eligible for automatic assignment.
type Agent struct {
	Id             uuid.UUID
	Name           string
	Active         bool
	LastAssignedAt *time.Time
}
