package kafka

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/ticketflow/event"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// topicAdmin is the subset of *kafka.AdminClient used to declare topics.
type topicAdmin interface {
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
}

var _ topicAdmin = (*kafka.AdminClient)(nil)

// Topics describes the topics receiving the ticket events.
type Topics struct {
	Prefix            string
	Partitions        int
	ReplicationFactor int
}

// Names returns the topic of every event type.
func (t Topics) Names() []string {
	prefix := t.Prefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	var names []string
	for _, n := range event.TypeNames() {
		names = append(names, TopicName(prefix, n))
	}
	return names
}

// Declare creates the missing topics. Topics that already exist are left
// untouched.
func (t Topics) Declare(ctx context.Context, admin topicAdmin, logger outbox.Logger) error {
	if logger == nil {
		logger = &outbox.NopLogger{}
	}
	partitions, replication := t.Partitions, t.ReplicationFactor
	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}

	var specs []kafka.TopicSpecification
	for _, name := range t.Names() {
		specs = append(specs, kafka.TopicSpecification{
			Topic:             name,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}
	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return fmt.Errorf("creating topics: %w", err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			logger.Info(fmt.Sprintf("topic '%s' created", r.Topic))
		case kafka.ErrTopicAlreadyExists:
			logger.Debug(fmt.Sprintf("topic '%s' already exists", r.Topic))
		default:
			return fmt.Errorf("creating topic '%s': %w", r.Topic, r.Error)
		}
	}
	return nil
}
