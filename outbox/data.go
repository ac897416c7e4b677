package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Entry is the persisted envelope of a domain event. Entries are created in
// the business transaction and afterwards only the dispatcher touches them
// (DispatchedAt, Attempts and Error). They are never deleted.
type Entry struct {
	Id            uuid.UUID
	Type          string     // event type name (e.g. "TicketCreated")
	Payload       []byte     // serialized event
	OccurredAt    time.Time  // when the event happened
	CorrelationId string     // shared by all the events of one business transaction
	DispatchedAt  *time.Time // nil while pending
	Attempts      int        // failed publish attempts
	Error         string     // last publish error, bounded length
}

// Pending reports whether the entry still waits for delivery.
func (e *Entry) Pending() bool {
	return e.DispatchedAt == nil
}

// Activity is the audit trail row written next to every outbox entry: who did
// what to which ticket, grouped by correlation id.
type Activity struct {
	Id            uuid.UUID
	TicketId      uuid.UUID
	Action        string
	ActorId       string
	CorrelationId string
	OccurredAt    time.Time
	Data          []byte
}
