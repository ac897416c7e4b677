package outbox

import "context"

// Publisher defines the contract for the transports the dispatcher hands the
// outbox entries to.
type Publisher interface {
	// Publish sends a serialized event to the message bus and returns once the
	// bus has taken responsibility for it.
	Publish(ctx context.Context, eventType string, payload []byte, correlationId string) error
}
