package tally

import (
	"github.com/3rs4lg4d0/ticketflow/outbox"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ outbox.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Counters groups the dispatcher counters, created under the "outbox" sub
// scope (outbox.published, outbox.failed, outbox.replayed and
// outbox.lock_denied).
type Counters struct {
	Published  *Counter
	Failed     *Counter
	Replayed   *Counter
	LockDenied *Counter
}

func NewCounters(scope tally.Scope) Counters {
	if scope == nil {
		panic("scope is mandatory")
	}
	s := scope.SubScope("outbox")
	return Counters{
		Published:  &Counter{Counter: s.Counter("published")},
		Failed:     &Counter{Counter: s.Counter("failed")},
		Replayed:   &Counter{Counter: s.Counter("replayed")},
		LockDenied: &Counter{Counter: s.Counter("lock_denied")},
	}
}
