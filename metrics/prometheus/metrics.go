package prometheus

import (
	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter adapts a prometheus counter to outbox.Counter. Prometheus
// counters only go up, so non positive deltas are ignored.
type Counter struct {
	Counter prometheus.Counter
}

var _ outbox.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	if delta > 0 {
		c.Counter.Add(float64(delta))
	}
}

// Counters holds the dispatcher counters.
type Counters struct {
	Published  *Counter
	Failed     *Counter
	Replayed   *Counter
	LockDenied *Counter
}

// NewCounters creates and registers the dispatcher counters in reg
// (e.g. ticketflow_outbox_published_total).
func NewCounters(reg prometheus.Registerer, namespace string) Counters {
	factory := promauto.With(reg)
	newCounter := func(name, help string) *Counter {
		return &Counter{Counter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      name,
			Help:      help,
		})}
	}
	return Counters{
		Published:  newCounter("published_total", "Outbox entries handed to the message bus"),
		Failed:     newCounter("failed_total", "Failed publish attempts of outbox entries"),
		Replayed:   newCounter("replayed_total", "Outbox entries found already processed and reconciled"),
		LockDenied: newCounter("lock_denied_total", "Dispatch cycles skipped because another instance held the lock"),
	}
}
