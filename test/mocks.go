package test

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg
	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	if p.MockedReportToSend != nil {
		deliveryChan <- p.MockedReportToSend
	}
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestLogger is an outbox.Logger keeping every message, prefixed by level.
type TestLogger struct {
	mu       sync.Mutex
	Messages []string
}

var _ outbox.Logger = (*TestLogger)(nil)

func (l *TestLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, level+": "+msg)
}

func (l *TestLogger) Debug(msg string) { l.add("DEBUG", msg) }

func (l *TestLogger) Info(msg string) { l.add("INFO", msg) }

func (l *TestLogger) Warn(msg string) { l.add("WARN", msg) }

func (l *TestLogger) Error(msg string, err error) { l.add("ERROR", fmt.Sprintf("%s: %v", msg, err)) }

// Count returns how many messages were logged at level.
func (l *TestLogger) Count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.Messages {
		if len(m) > len(level) && m[:len(level)+1] == level+":" {
			n++
		}
	}
	return n
}

// TestCounter is an outbox.Counter safe for concurrent use.
type TestCounter struct {
	ctr atomic.Int64
}

var _ outbox.Counter = (*TestCounter)(nil)

func (c *TestCounter) Inc(delta int64) {
	c.ctr.Add(delta)
}

func (c *TestCounter) Value() int64 {
	return c.ctr.Load()
}
