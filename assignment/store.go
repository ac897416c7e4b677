package assignment

import (
	"context"
	"time"

	"github.com/3rs4lg4d0/ticketflow/ticket"
	"github.com/google/uuid"
)

// AgentLoad is the current workload of an active agent.
type AgentLoad struct {
	AgentId         uuid.UUID
	LastAssignedAt  *time.Time // nil when the agent never got a ticket
	OpenCount       int        // assigned tickets in new, in-progress or waiting
	InProgressCount int        // assigned tickets in in-progress
}

// Score returns the load score of the agent. In progress tickets count
// weight times, on top of being open.
func (a AgentLoad) Score(weight float64) float64 {
	return float64(a.OpenCount) + weight*float64(a.InProgressCount)
}

// Snapshot is the part of a ticket the engine reads before claiming it.
type Snapshot struct {
	TicketId   uuid.UUID
	Status     ticket.Status
	AssigneeId *uuid.UUID
	Version    int64
}

// Claim describes a version-checked conditional assignment write.
type Claim struct {
	TicketId          uuid.UUID
	AgentId           uuid.UUID
	ExpectedVersion   int64
	Statuses          []ticket.Status // the ticket must still be in one of these
	RequireUnassigned bool            // the ticket must still have no assignee
	At                time.Time
}

// Store is the persistence the engine needs. Implementations join the
// transaction carried by the context, if any.
type Store interface {
	// AgentLoads returns the load of every active agent.
	AgentLoads(ctx context.Context) ([]AgentLoad, error)

	// TicketSnapshot reads the ticket fields relevant to assignment. It
	// returns ticket.ErrNotFound for unknown tickets.
	TicketSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error)

	// ClaimTicket sets the assignee and bumps the version only if every
	// condition of the claim still holds. It reports whether the row changed.
	ClaimTicket(ctx context.Context, c Claim) (bool, error)

	// TouchAgent sets the last assigned time of the agent.
	TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error

	// AgentActive reports whether the agent exists and is active.
	AgentActive(ctx context.Context, id uuid.UUID) (bool, error)
}
