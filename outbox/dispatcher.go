package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CycleReport summarizes one dispatcher poll cycle.
type CycleReport struct {
	LockAcquired bool
	Fetched      int
	Published    int
	Failed       int
	Replayed     int
	Skipped      int // entries left untouched because their bookkeeping could not be read
}

// Dispatcher drains the outbox to the configured publisher. Any number of
// dispatchers may run against the same outbox; the shared lock lets only one
// of them work in each cycle.
type Dispatcher struct {
	settings      Settings
	logger        Logger
	publisher     Publisher
	repository    Repository
	locker        Locker
	successCtr    Counter
	errorCtr      Counter
	replayCtr     Counter
	lockDeniedCtr Counter
	now           func() time.Time
}

// RunCycle executes a single poll cycle: lock, claim, publish every claimed
// entry in occurrence order and release the lock. Losing the lock race or
// finding nothing to do are normal outcomes. Only lock and fetch faults are
// returned as errors; per entry faults are logged and counted.
func (d *Dispatcher) RunCycle(ctx context.Context) (report CycleReport, err error) {
	acquired, err := d.locker.TryLock(ctx)
	if err != nil {
		return report, fmt.Errorf("acquiring the outbox lock: %w", err)
	}
	if !acquired {
		d.logger.Debug("outbox lock held by another dispatcher, skipping cycle")
		d.lockDeniedCtr.Inc(1)
		return report, nil
	}
	report.LockAcquired = true
	defer func() {
		if uerr := d.locker.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			d.logger.Error("releasing the outbox lock", uerr)
		}
	}()

	entries, err := d.repository.ClaimPending(ctx, d.settings.BatchSize, d.settings.MaxAttempts, d.settings.ClaimTTL)
	if err != nil {
		return report, fmt.Errorf("claiming pending outbox entries: %w", err)
	}
	report.Fetched = len(entries)
	if len(entries) == 0 {
		d.logger.Debug("no pending outbox entries")
		return report, nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.Before(entries[j].OccurredAt)
	})

	d.logger.Debug(fmt.Sprintf("processing %d outbox entries", len(entries)))
	for _, e := range entries {
		if ctx.Err() != nil {
			d.logger.Warn("dispatcher cycle interrupted, remaining entries stay claimed until their lease expires")
			break
		}
		d.process(ctx, e, &report)
	}

	d.logger.Info(fmt.Sprintf("%d entries were published (%d failed, %d replayed, %d skipped) from a total of %d fetched from outbox",
		report.Published, report.Failed, report.Replayed, report.Skipped, report.Fetched))
	return report, nil
}

// process handles one claimed entry. Its outcome never affects the rest of
// the batch, not even when the publisher panics. Once the entry is handed to
// the publisher its bookkeeping is written even if ctx is cancelled
// meanwhile.
func (d *Dispatcher) process(ctx context.Context, e *Entry, report *CycleReport) {
	handedOver := false
	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("panic: %v", r)
			if handedOver {
				d.logger.Error(fmt.Sprintf("marking entry '%s' as dispatched", e.Id), perr)
				return
			}
			d.fail(ctx, e, perr, report)
		}
	}()

	processed, err := d.repository.IsProcessed(ctx, e.Id)
	if err != nil {
		d.logger.Error(fmt.Sprintf("checking processed state of entry '%s'", e.Id), err)
		report.Skipped++
		return
	}
	bookkeeping := context.WithoutCancel(ctx)
	if processed {
		d.logger.Warn(fmt.Sprintf("entry '%s' was already published, marking it as dispatched", e.Id))
		if err := d.repository.MarkDispatched(bookkeeping, e.Id, d.now()); err != nil {
			d.logger.Error(fmt.Sprintf("marking replayed entry '%s' as dispatched", e.Id), err)
			report.Skipped++
			return
		}
		d.replayCtr.Inc(1)
		report.Replayed++
		return
	}

	if perr := d.publisher.Publish(ctx, e.Type, e.Payload, e.CorrelationId); perr != nil {
		d.fail(ctx, e, perr, report)
		return
	}
	handedOver = true

	d.successCtr.Inc(1)
	report.Published++
	if err := d.repository.MarkDispatched(bookkeeping, e.Id, d.now()); err != nil {
		// The entry is published but still pending: the next claim replays it
		// and, if the processed row did not land either, publishes it again.
		d.logger.Error(fmt.Sprintf("marking entry '%s' as dispatched", e.Id), err)
	}
}

// fail counts a failed publish attempt and records it on the entry.
func (d *Dispatcher) fail(ctx context.Context, e *Entry, perr error, report *CycleReport) {
	d.logger.Error(fmt.Sprintf("publishing entry '%s' (%s)", e.Id, e.Type), perr)
	d.errorCtr.Inc(1)
	report.Failed++
	if err := d.repository.MarkFailed(context.WithoutCancel(ctx), e.Id, truncate(perr.Error(), d.settings.MaxErrorLength)); err != nil {
		d.logger.Error(fmt.Sprintf("recording failure of entry '%s'", e.Id), err)
	}
}

// Run executes a cycle every polling interval until ctx is done. Cycle
// errors and panics are logged and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	d.logger.Info(fmt.Sprintf("dispatcher started, polling every %s", d.settings.PollingInterval))
	for {
		d.safeCycle(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher cycle panicked", fmt.Errorf("%v", r))
		}
	}()
	if _, err := d.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("dispatcher cycle failed", err)
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
