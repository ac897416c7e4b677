package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which a backend stores its transaction.
type TxKey any

// ErrNoTransaction is returned by write operations that must join a business
// transaction when the context carries none.
var ErrNoTransaction = errors.New("a transaction was expected in the context")

// Repository manages the persistent operations over the outbox and the
// processed events ledger.
type Repository interface {

	// Save persists outbox entries. It must be called inside the business
	// transaction provided in the context.
	Save(ctx context.Context, entries []*Entry) error

	// ClaimPending claims up to limit pending entries whose attempts are below
	// maxAttempts, oldest first. Claimed entries are hidden from other claimants
	// for the lease duration, so concurrent callers never get the same entry.
	ClaimPending(ctx context.Context, limit int, maxAttempts int, lease time.Duration) ([]*Entry, error)

	// IsProcessed reports whether the entry is already in the processed events
	// ledger.
	IsProcessed(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkDispatched sets the dispatch time and records the entry in the
	// processed events ledger, atomically.
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed increments the attempts counter and stores the error text,
	// leaving the entry pending.
	MarkFailed(ctx context.Context, id uuid.UUID, errText string) error
}

// ActivityRecorder is optionally implemented by repositories able to persist
// the ticket activity trail in the same transaction as the outbox entries.
type ActivityRecorder interface {
	SaveActivities(ctx context.Context, activities []*Activity) error
}

// Transactor runs a function inside a transaction carried by the context.
// Implementations join the transaction already present in ctx, if any.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker is a named, non-reentrant mutual exclusion token shared by every
// dispatcher instance.
type Locker interface {
	// TryLock acquires the lock without waiting. It returns false when some
	// other holder owns it.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases a lock acquired by TryLock.
	Unlock(ctx context.Context) error
}
