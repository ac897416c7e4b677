package event

import (
	"strings"

	"github.com/iancoleman/strcase"
)

const genericSuffix = "Event"

// RoutingKey derives the bus routing key from an event type name: a trailing
// "Event" is dropped and word boundaries become dot separated lowercase
// segments (e.g. "TicketStatusChangedEvent" routes as "ticket.status.changed").
func RoutingKey(eventType string) string {
	name := strings.TrimSpace(eventType)
	if len(name) > len(genericSuffix) && strings.HasSuffix(strings.ToLower(name), strings.ToLower(genericSuffix)) {
		name = name[:len(name)-len(genericSuffix)]
	}
	return strcase.ToDelimited(name, '.')
}
