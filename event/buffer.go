package event

// Source is implemented by entities that accumulate domain events until the
// persistence boundary collects them.
type Source interface {
	PendingEvents() []DomainEvent
	ClearEvents()
}

// Buffer accumulates domain events. The zero value is ready to use and a
// Buffer is itself a Source, so flows that emit events without an entity at
// hand (e.g. assignment) can hand one straight to the ledger.
type Buffer struct {
	events []DomainEvent
}

var _ Source = (*Buffer)(nil)

// Record appends an event.
func (b *Buffer) Record(e DomainEvent) {
	b.events = append(b.events, e)
}

// PendingEvents returns a copy of the recorded events in recording order.
func (b *Buffer) PendingEvents() []DomainEvent {
	if len(b.events) == 0 {
		return nil
	}
	out := make([]DomainEvent, len(b.events))
	copy(out, b.events)
	return out
}

// ClearEvents drops every recorded event.
func (b *Buffer) ClearEvents() {
	b.events = nil
}

// Len returns the number of pending events.
func (b *Buffer) Len() int {
	return len(b.events)
}
