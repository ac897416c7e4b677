package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the payload carried by a DomainEvent.
type Kind string

const (
	KindCreated       Kind = "Created"
	KindStatusChanged Kind = "StatusChanged"
	KindAssigned      Kind = "Assigned"
)

// Kinds lists every event kind.
var Kinds = []Kind{KindCreated, KindStatusChanged, KindAssigned}

// subjectType prefixes every event type name. Tickets are the only entity
// emitting domain events at the moment.
const subjectType = "Ticket"

// CreatedPayload is carried by KindCreated events.
type CreatedPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

// StatusChangedPayload is carried by KindStatusChanged events.
type StatusChangedPayload struct {
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
	Comment   string `json:"comment,omitempty"`
}

// AssignedPayload is carried by KindAssigned events.
type AssignedPayload struct {
	AssigneeId         string `json:"assigneeId"`
	PreviousAssigneeId string `json:"previousAssigneeId,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// DomainEvent is an immutable record of something that happened to a subject
// entity. Exactly one of the payload pointers is set, the one matching Kind.
type DomainEvent struct {
	Kind       Kind
	SubjectId  uuid.UUID
	OccurredAt time.Time
	ActorId    string // optional, empty when the system acted on its own

	created       *CreatedPayload
	statusChanged *StatusChangedPayload
	assigned      *AssignedPayload
}

// Created builds a KindCreated event.
func Created(subject uuid.UUID, actor string, at time.Time, p CreatedPayload) DomainEvent {
	return DomainEvent{Kind: KindCreated, SubjectId: subject, ActorId: actor, OccurredAt: at.UTC(), created: &p}
}

// StatusChanged builds a KindStatusChanged event.
func StatusChanged(subject uuid.UUID, actor string, at time.Time, p StatusChangedPayload) DomainEvent {
	return DomainEvent{Kind: KindStatusChanged, SubjectId: subject, ActorId: actor, OccurredAt: at.UTC(), statusChanged: &p}
}

// Assigned builds a KindAssigned event.
func Assigned(subject uuid.UUID, actor string, at time.Time, p AssignedPayload) DomainEvent {
	return DomainEvent{Kind: KindAssigned, SubjectId: subject, ActorId: actor, OccurredAt: at.UTC(), assigned: &p}
}

// CreatedPayload returns the payload of a KindCreated event.
func (e DomainEvent) CreatedPayload() (CreatedPayload, bool) {
	if e.created == nil {
		return CreatedPayload{}, false
	}
	return *e.created, true
}

// StatusChangedPayload returns the payload of a KindStatusChanged event.
func (e DomainEvent) StatusChangedPayload() (StatusChangedPayload, bool) {
	if e.statusChanged == nil {
		return StatusChangedPayload{}, false
	}
	return *e.statusChanged, true
}

// AssignedPayload returns the payload of a KindAssigned event.
func (e DomainEvent) AssignedPayload() (AssignedPayload, bool) {
	if e.assigned == nil {
		return AssignedPayload{}, false
	}
	return *e.assigned, true
}

// TypeName returns the stable event type name stored in the outbox
// (e.g. "TicketCreated").
func (e DomainEvent) TypeName() string {
	return subjectType + string(e.Kind)
}

// TypeNames returns the type names of every event kind.
func TypeNames() []string {
	names := make([]string, len(Kinds))
	for i, k := range Kinds {
		names[i] = subjectType + string(k)
	}
	return names
}

// Data returns the kind-specific payload.
func (e DomainEvent) Data() (any, error) {
	switch e.Kind {
	case KindCreated:
		if e.created != nil {
			return e.created, nil
		}
	case KindStatusChanged:
		if e.statusChanged != nil {
			return e.statusChanged, nil
		}
	case KindAssigned:
		if e.assigned != nil {
			return e.assigned, nil
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil, fmt.Errorf("event kind %q has no payload", e.Kind)
}

// envelope is the JSON document published for every event.
type envelope struct {
	TicketId   string    `json:"ticketId"`
	ActorId    string    `json:"actorId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// Marshal serializes the event into the payload stored in the outbox.
func (e DomainEvent) Marshal() ([]byte, error) {
	data, err := e.Data()
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		TicketId:   e.SubjectId.String(),
		ActorId:    e.ActorId,
		OccurredAt: e.OccurredAt,
		Data:       data,
	})
}
