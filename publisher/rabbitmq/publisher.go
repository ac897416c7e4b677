package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/ticketflow/event"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentType = "application/json"

// Publisher is an outbox.Publisher sending persistent messages to a topic
// exchange. The routing key derives from the event type and Publish waits
// for the broker confirmation.
type Publisher struct {
	provider ChannelProvider
	exchange string
	logger   outbox.Logger
	now      func() time.Time
	confirm  func(ctx context.Context, dc *amqp.DeferredConfirmation) (bool, error)
}

var _ outbox.Publisher = (*Publisher)(nil)
var _ outbox.Loggable = (*Publisher)(nil)

func New(provider ChannelProvider, exchange string) *Publisher {
	if provider == nil {
		panic("channel provider is mandatory")
	}
	if exchange == "" {
		panic("exchange is mandatory")
	}
	return &Publisher{
		provider: provider,
		exchange: exchange,
		logger:   &outbox.NopLogger{},
		now:      time.Now,
		confirm:  waitForConfirm,
	}
}

// SetLogger sets an optional logger.
func (p *Publisher) SetLogger(l outbox.Logger) {
	p.logger = l
}

func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte, correlationId string) error {
	ch, err := p.provider.Channel()
	if err != nil {
		return err
	}

	key := event.RoutingKey(eventType)
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationId,
		Type:          eventType,
		Timestamp:     p.now().UTC(),
		Body:          payload,
	})
	if err != nil {
		return fmt.Errorf("publishing '%s' to exchange '%s': %w", key, p.exchange, err)
	}

	acked, err := p.confirm(ctx, dc)
	if err != nil {
		return fmt.Errorf("waiting for the confirmation of '%s': %w", key, err)
	}
	if !acked {
		return fmt.Errorf("the broker refused '%s'", key)
	}
	p.logger.Debug(fmt.Sprintf("published '%s' to exchange '%s' (correlation id '%s')", key, p.exchange, correlationId))
	return nil
}

// waitForConfirm blocks until the broker acks or nacks the publication. A
// nil confirmation means the channel is not in confirm mode.
func waitForConfirm(ctx context.Context, dc *amqp.DeferredConfirmation) (bool, error) {
	if dc == nil {
		return true, nil
	}
	return dc.WaitContext(ctx)
}
