package outbox

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/ticketflow/event"
)

// Outbox wires the capture side (Ledger) and, when enabled, the delivery
// side (Dispatcher) of the transactional outbox.
type Outbox struct {
	settings      Settings
	logger        Logger
	publisher     Publisher
	repository    Repository
	locker        Locker
	successCtr    Counter
	errorCtr      Counter
	replayCtr     Counter
	lockDeniedCtr Counter
	ledger        *Ledger
	dispatcher    *Dispatcher
}

// opt allows optional configuration.
type opt func(o *Outbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOnSuccessCounter allows clients to configure an optional counter
// incremented on every published entry.
func WithOnSuccessCounter(co Counter) opt {
	return func(o *Outbox) {
		if co != nil {
			o.successCtr = co
		}
	}
}

// WithOnErrorCounter allows clients to configure an optional counter
// incremented on every failed publish attempt.
func WithOnErrorCounter(co Counter) opt {
	return func(o *Outbox) {
		if co != nil {
			o.errorCtr = co
		}
	}
}

// WithOnReplayCounter allows clients to configure an optional counter
// incremented when an already published entry is reconciled.
func WithOnReplayCounter(co Counter) opt {
	return func(o *Outbox) {
		if co != nil {
			o.replayCtr = co
		}
	}
}

// WithOnLockDeniedCounter allows clients to configure an optional counter
// incremented when a cycle is skipped because another dispatcher holds the
// lock.
func WithOnLockDeniedCounter(co Counter) opt {
	return func(o *Outbox) {
		if co != nil {
			o.lockDeniedCtr = co
		}
	}
}

// New creates an Outbox using the provided settings, options and
// collaborators. The publisher and the locker are only required when the
// dispatcher is enabled.
func New(s Settings, r Repository, p Publisher, l Locker, options ...opt) *Outbox {
	if r == nil {
		panic("you must provide a repository")
	}
	if s.EnableDispatcher && (p == nil || l == nil) {
		panic("you must provide a publisher and a locker to enable the dispatcher")
	}
	validateSettings(&s)

	o := &Outbox{
		settings:      s,
		logger:        &NopLogger{},
		publisher:     p,
		repository:    r,
		locker:        l,
		successCtr:    &NopCounter{},
		errorCtr:      &NopCounter{},
		replayCtr:     &NopCounter{},
		lockDeniedCtr: &NopCounter{},
	}

	for _, opt := range options {
		opt(o)
	}

	for _, a := range []any{p, r, l} {
		if lg, ok := a.(Loggable); ok {
			lg.SetLogger(o.logger)
		}
	}

	o.ledger = NewLedger(r)
	o.ledger.SetLogger(o.logger)

	if s.EnableDispatcher {
		o.logger.Debug("the polling publisher dispatcher is enabled")
		o.dispatcher = &Dispatcher{
			settings:      s,
			logger:        o.logger,
			publisher:     p,
			repository:    r,
			locker:        l,
			successCtr:    o.successCtr,
			errorCtr:      o.errorCtr,
			replayCtr:     o.replayCtr,
			lockDeniedCtr: o.lockDeniedCtr,
			now:           time.Now,
		}
	}
	return o
}

// Capture records the pending events of the given sources reliably within
// the business transaction carried by ctx.
func (o *Outbox) Capture(ctx context.Context, sources ...event.Source) ([]*Entry, error) {
	return o.ledger.Capture(ctx, sources...)
}

// Dispatcher returns the configured dispatcher, nil when it is disabled.
func (o *Outbox) Dispatcher() *Dispatcher {
	return o.dispatcher
}

// Run blocks running the dispatcher until ctx is done. It returns
// immediately when the dispatcher is disabled.
func (o *Outbox) Run(ctx context.Context) {
	if o.dispatcher == nil {
		o.logger.Warn("the dispatcher is disabled, nothing to run")
		return
	}
	o.dispatcher.Run(ctx)
}
