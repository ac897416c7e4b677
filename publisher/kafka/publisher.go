package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
)

// DefaultTopicPrefix prefixes the topic of every event type.
const DefaultTopicPrefix = "ticketflow"

// kafkaProducer is the subset of *kafka.Producer used to publish.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

var _ kafkaProducer = (*kafka.Producer)(nil)

// Publisher is an outbox.Publisher producing one message per entry to a
// topic derived from the event type. Publish returns once the delivery
// report arrives.
type Publisher struct {
	producer    kafkaProducer
	topicPrefix string
	logger      outbox.Logger
	now         func() time.Time
}

var _ outbox.Publisher = (*Publisher)(nil)
var _ outbox.Loggable = (*Publisher)(nil)

func New(p kafkaProducer, topicPrefix string) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &Publisher{
		producer:    p,
		topicPrefix: topicPrefix,
		logger:      &outbox.NopLogger{},
		now:         time.Now,
	}
}

func (p *Publisher) SetLogger(l outbox.Logger) {
	p.logger = l
}

func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte, correlationId string) error {
	delivery := make(chan kafka.Event, 1)
	topic := TopicName(p.topicPrefix, eventType)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            messageKey(payload, correlationId),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(eventType)},
			{Key: "correlationId", Value: []byte(correlationId)},
			{Key: "contentType", Value: []byte("application/json")},
			{Key: "publishedAt", Value: []byte(strconv.FormatInt(p.now().UnixMilli(), 10))},
		},
	}, delivery)
	if err != nil {
		return fmt.Errorf("producing to topic '%s': %w", topic, err)
	}

	select {
	case ev := <-delivery:
		switch m := ev.(type) {
		case *kafka.Message:
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("delivering to topic '%s': %w", topic, m.TopicPartition.Error)
			}
			p.logger.Debug(fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
				topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
			return nil
		default:
			return fmt.Errorf("unexpected delivery report for topic '%s': %s", topic, ev)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TopicName builds a topic name from an event type (e.g. if
// eventType="TicketCreated" then topic name is "ticketflow-ticket-created").
func TopicName(prefix, eventType string) string {
	return fmt.Sprintf("%s-%s", prefix, strcase.ToKebab(eventType))
}

// messageKey keys the messages by ticket so the events of one ticket keep
// their order within a partition.
func messageKey(payload []byte, correlationId string) []byte {
	var envelope struct {
		TicketId string `json:"ticketId"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.TicketId != "" {
		return []byte(envelope.TicketId)
	}
	return []byte(correlationId)
}
