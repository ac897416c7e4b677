package tally

import (
	"testing"

	"github.com/3rs4lg4d0/ticketflow/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
)

func TestInc(t *testing.T) {
	chann := make(chan int64, 1)
	counter := &Counter{Counter: &test.MockedTallyCounter{
		Output: chann,
	}}
	type args struct {
		delta int64
	}
	testcases := []struct {
		name         string
		args         args
		wantCtrValue int64
	}{
		{
			name: "increase 1",
			args: args{
				delta: 1,
			},
			wantCtrValue: 1,
		},
		{
			name: "increase 5",
			args: args{
				delta: 5,
			},
			wantCtrValue: 6,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			counter.Inc(tc.args.delta)
			internalValue := <-chann
			assert.Equal(t, tc.wantCtrValue, internalValue)
		})
	}
}

func TestNewCounters(t *testing.T) {
	scope := tally.NewTestScope("ticketflow", nil)
	counters := NewCounters(scope)

	counters.Published.Inc(3)
	counters.Failed.Inc(1)
	counters.LockDenied.Inc(2)

	snapshot := scope.Snapshot().Counters()
	require.Contains(t, snapshot, "ticketflow.outbox.published+")
	assert.Equal(t, int64(3), snapshot["ticketflow.outbox.published+"].Value())
	assert.Equal(t, int64(1), snapshot["ticketflow.outbox.failed+"].Value())
	assert.Equal(t, int64(2), snapshot["ticketflow.outbox.lock_denied+"].Value())

	assert.Panics(t, func() {
		NewCounters(nil)
	})
}
