package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by this package.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

var _ Channel = (*amqp.Channel)(nil)

// ChannelProvider hands out a usable channel, reconnecting if needed.
type ChannelProvider interface {
	Channel() (Channel, error)
}

// Session owns one AMQP connection and one channel in confirm mode. Both
// are opened lazily and reopened after the broker closes them, so a broker
// restart only fails the publications attempted while it is down.
type Session struct {
	url    string
	dial   func(url string) (*amqp.Connection, error)
	logger outbox.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

var _ ChannelProvider = (*Session)(nil)
var _ outbox.Loggable = (*Session)(nil)

func NewSession(url string) *Session {
	if url == "" {
		panic("url is mandatory")
	}
	return &Session{
		url:    url,
		dial:   amqp.Dial,
		logger: &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Session) SetLogger(l outbox.Logger) {
	s.logger = l
}

func (s *Session) Channel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		conn, err := s.dial(s.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to the broker: %w", err)
		}
		s.conn = conn
		s.ch = nil
		s.logger.Info("connected to the AMQP broker")
	}
	if s.ch == nil || s.ch.IsClosed() {
		ch, err := s.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("opening a channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close() //nolint:all
			return nil, fmt.Errorf("enabling publisher confirms: %w", err)
		}
		s.ch = ch
	}
	return s.ch, nil
}

// Close closes the channel and the connection, if open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil && !s.ch.IsClosed() {
		if err := s.ch.Close(); err != nil {
			s.logger.Error("closing the AMQP channel", err)
		}
	}
	s.ch = nil
	if s.conn == nil || s.conn.IsClosed() {
		s.conn = nil
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
