package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3rs4lg4d0/ticketflow/event"
	"github.com/google/uuid"
)

// Ledger turns the pending domain events of mutated entities into outbox
// entries. It is write-only from the business side.
type Ledger struct {
	repository Repository
	logger     Logger
}

// NewLedger creates a Ledger backed by the provided repository.
func NewLedger(r Repository) *Ledger {
	if r == nil {
		panic("you must provide a repository")
	}
	return &Ledger{repository: r, logger: &NopLogger{}}
}

// SetLogger implements Loggable.
func (l *Ledger) SetLogger(logger Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Capture serializes the pending events of every source into outbox entries
// sharing one correlation id and persists them in the transaction carried by
// ctx. Sources are cleared only once the entries are saved, so a failed
// capture can be retried with the events still buffered.
func (l *Ledger) Capture(ctx context.Context, sources ...event.Source) ([]*Entry, error) {
	var events []event.DomainEvent
	for _, s := range sources {
		if s == nil {
			continue
		}
		events = append(events, s.PendingEvents()...)
	}
	if len(events) == 0 {
		return nil, nil
	}

	correlationId := uuid.NewString()
	entries := make([]*Entry, 0, len(events))
	activities := make([]*Activity, 0, len(events))
	for _, e := range events {
		payload, err := e.Marshal()
		if err != nil {
			return nil, fmt.Errorf("serializing %s event: %w", e.Kind, err)
		}
		entry := &Entry{
			Id:            uuid.New(),
			Type:          e.TypeName(),
			Payload:       payload,
			OccurredAt:    e.OccurredAt,
			CorrelationId: correlationId,
		}
		entries = append(entries, entry)

		data, err := e.Data()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("serializing %s activity: %w", e.Kind, err)
		}
		activities = append(activities, &Activity{
			Id:            entry.Id,
			TicketId:      e.SubjectId,
			Action:        event.RoutingKey(entry.Type),
			ActorId:       e.ActorId,
			CorrelationId: correlationId,
			OccurredAt:    e.OccurredAt,
			Data:          raw,
		})
	}

	if err := l.repository.Save(ctx, entries); err != nil {
		return nil, fmt.Errorf("saving outbox entries: %w", err)
	}
	if ar, ok := l.repository.(ActivityRecorder); ok {
		if err := ar.SaveActivities(ctx, activities); err != nil {
			return nil, fmt.Errorf("saving ticket activities: %w", err)
		}
	}

	for _, s := range sources {
		if s != nil {
			s.ClearEvents()
		}
	}
	l.logger.Debug(fmt.Sprintf("%d events captured with correlation id '%s'", len(entries), correlationId))
	return entries, nil
}
