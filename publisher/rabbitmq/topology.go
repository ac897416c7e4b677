package rabbitmq

import (
	"fmt"

	"github.com/3rs4lg4d0/ticketflow/outbox"
)

// Topology describes the exchange, queues and bindings the ticket events
// flow through. Declaring it is idempotent.
type Topology struct {
	Exchange string   // durable topic exchange
	Queues   []string // durable queues, each bound with Binding
	Binding  string   // binding key; "#" also matches multi segment keys
}

// DefaultTopology is the topic exchange "tickets" feeding the
// "notifications" and "metrics" queues with every ticket routing key.
func DefaultTopology() Topology {
	return Topology{
		Exchange: "tickets",
		Queues:   []string{"notifications", "metrics"},
		Binding:  "ticket.#",
	}
}

// Declare creates whatever part of the topology is missing.
func (t Topology) Declare(ch Channel, logger outbox.Logger) error {
	if t.Exchange == "" {
		return fmt.Errorf("the exchange name is mandatory")
	}
	if logger == nil {
		logger = &outbox.NopLogger{}
	}
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange '%s': %w", t.Exchange, err)
	}
	logger.Debug(fmt.Sprintf("exchange '%s' declared", t.Exchange))

	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring queue '%s': %w", q, err)
		}
		if err := ch.QueueBind(q, t.Binding, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue '%s' to '%s': %w", q, t.Exchange, err)
		}
		logger.Debug(fmt.Sprintf("queue '%s' bound to '%s' with '%s'", q, t.Exchange, t.Binding))
	}
	logger.Info(fmt.Sprintf("topology of exchange '%s' ready", t.Exchange))
	return nil
}
