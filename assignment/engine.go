package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/3rs4lg4d0/ticketflow/event"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/3rs4lg4d0/ticketflow/ticket"
	"github.com/google/uuid"
)

const (
	defaultInProgressWeight float64       = 1.5
	defaultMaxRetries       int           = 1
	defaultBackoff          time.Duration = 50 * time.Millisecond

	// AutoAssignmentReason is stored in the Assigned event of automatic
	// assignments.
	AutoAssignmentReason = "auto_assignment"
)

var assignableStatuses = []ticket.Status{ticket.StatusNew, ticket.StatusWaiting}

// Reason explains why an assignment did not happen.
type Reason string

const (
	ReasonNoActiveAgents     Reason = "no_active_agents"
	ReasonConflict           Reason = "conflict"
	ReasonMaxRetriesExceeded Reason = "max_retries_exceeded"
	ReasonNotAssignable      Reason = "not_assignable"
	ReasonAlreadyAssigned    Reason = "already_assigned"
	ReasonTicketNotFound     Reason = "ticket_not_found"
	ReasonAgentInactive      Reason = "agent_inactive"
)

// Result is the outcome of an assignment attempt. Assigned is false when
// Reason explains the rejection.
type Result struct {
	Assigned bool
	AgentId  uuid.UUID
	Version  int64 // ticket version after the claim
	Reason   Reason
}

func (r Result) String() string {
	if r.Assigned {
		return fmt.Sprintf("assigned to %s (version %d)", r.AgentId, r.Version)
	}
	return "failed: " + string(r.Reason)
}

func assigned(agent uuid.UUID, version int64) Result {
	return Result{Assigned: true, AgentId: agent, Version: version}
}

func failed(r Reason) Result {
	return Result{Reason: r}
}

// Settings holds the assignment engine configuration.
type Settings struct {
	InProgressWeight float64       // extra weight of in progress tickets in the load score
	MaxRetries       *int          // extra attempts after losing a claim race, nil for the default
	Backoff          time.Duration // fixed wait between attempts
}

// Retries returns a retry budget for Settings.MaxRetries. Retries(0)
// disables retrying.
func Retries(n int) *int {
	return &n
}

func validateSettings(s *Settings) {
	if s.InProgressWeight <= 0 {
		s.InProgressWeight = defaultInProgressWeight
	}
	if s.MaxRetries == nil || *s.MaxRetries < 0 {
		s.MaxRetries = Retries(defaultMaxRetries)
	} else {
		s.MaxRetries = Retries(*s.MaxRetries)
	}
	if s.Backoff <= 0 {
		s.Backoff = defaultBackoff
	}
}

// Engine assigns tickets to the least loaded active agent using an
// optimistically locked claim.
type Engine struct {
	settings Settings
	store    Store
	logger   outbox.Logger
	now      func() time.Time
}

type opt func(e *Engine)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l outbox.Logger) opt {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces the time source used for assignment timestamps.
func WithClock(now func() time.Time) opt {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine backed by the provided store.
func NewEngine(s Settings, st Store, options ...opt) *Engine {
	if st == nil {
		panic("you must provide a store")
	}
	validateSettings(&s)
	e := &Engine{
		settings: s,
		store:    st,
		logger:   &outbox.NopLogger{},
		now:      time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// SelectAgent picks the agent with the lowest load score. Ties go to the
// agent assigned least recently (never assigned first) and then to the
// lowest id.
func SelectAgent(loads []AgentLoad, weight float64) (AgentLoad, bool) {
	if len(loads) == 0 {
		return AgentLoad{}, false
	}
	sorted := make([]AgentLoad, len(loads))
	copy(sorted, loads)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if sa, sb := a.Score(weight), b.Score(weight); sa != sb {
			return sa < sb
		}
		switch {
		case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
			return true
		case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
			return false
		case a.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
			return a.LastAssignedAt.Before(*b.LastAssignedAt)
		}
		return a.AgentId.String() < b.AgentId.String()
	})
	return sorted[0], true
}

// TryAssign assigns the ticket to the least loaded active agent. Losing the
// claim race triggers a fresh attempt after a fixed backoff, up to
// Settings.MaxRetries times. On success the Assigned event is recorded in
// events, to be captured with the rest of the transaction. Business
// rejections are reported in the Result; the error is reserved for
// infrastructure faults.
func (e *Engine) TryAssign(ctx context.Context, ticketId uuid.UUID, events *event.Buffer) (Result, error) {
	retries := *e.settings.MaxRetries
	attempts := 1 + retries
	for attempt := 1; ; attempt++ {
		res, retry, err := e.attempt(ctx, ticketId, events)
		if err != nil || !retry {
			return res, err
		}
		if attempt >= attempts {
			e.logger.Debug(fmt.Sprintf("ticket '%s' still contended after %d attempts", ticketId, attempt))
			if retries > defaultMaxRetries {
				return failed(ReasonMaxRetriesExceeded), nil
			}
			return failed(ReasonConflict), nil
		}
		e.logger.Debug(fmt.Sprintf("claim conflict on ticket '%s', retrying in %s", ticketId, e.settings.Backoff))
		select {
		case <-time.After(e.settings.Backoff):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// attempt runs one full assignment round. retry is true when the claim was
// lost to a concurrent writer.
func (e *Engine) attempt(ctx context.Context, ticketId uuid.UUID, events *event.Buffer) (res Result, retry bool, err error) {
	loads, err := e.store.AgentLoads(ctx)
	if err != nil {
		return Result{}, false, fmt.Errorf("computing agent loads: %w", err)
	}
	agent, ok := SelectAgent(loads, e.settings.InProgressWeight)
	if !ok {
		return failed(ReasonNoActiveAgents), false, nil
	}

	snap, err := e.store.TicketSnapshot(ctx, ticketId)
	if errors.Is(err, ticket.ErrNotFound) {
		return failed(ReasonTicketNotFound), false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("reading ticket '%s': %w", ticketId, err)
	}
	if snap.AssigneeId != nil {
		return failed(ReasonAlreadyAssigned), false, nil
	}
	if !snap.Status.Assignable() {
		return failed(ReasonNotAssignable), false, nil
	}

	now := e.now().UTC()
	claimed, err := e.store.ClaimTicket(ctx, Claim{
		TicketId:          ticketId,
		AgentId:           agent.AgentId,
		ExpectedVersion:   snap.Version,
		Statuses:          assignableStatuses,
		RequireUnassigned: true,
		At:                now,
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("claiming ticket '%s': %w", ticketId, err)
	}
	if !claimed {
		return Result{}, true, nil
	}

	if err := e.store.TouchAgent(ctx, agent.AgentId, now); err != nil {
		return Result{}, false, fmt.Errorf("touching agent '%s': %w", agent.AgentId, err)
	}
	if events != nil {
		events.Record(event.Assigned(ticketId, "", now, event.AssignedPayload{
			AssigneeId: agent.AgentId.String(),
			Reason:     AutoAssignmentReason,
		}))
	}
	e.logger.Debug(fmt.Sprintf("ticket '%s' assigned to agent '%s' (score %.1f)", ticketId, agent.AgentId, agent.Score(e.settings.InProgressWeight)))
	return assigned(agent.AgentId, snap.Version+1), false, nil
}

// AssignTo assigns the ticket to a specific agent on behalf of actor. The
// ticket must be in an assignable status, like for TryAssign, but it may
// already have an assignee. A lost race is reported as a conflict without
// retrying.
func (e *Engine) AssignTo(ctx context.Context, ticketId, agentId uuid.UUID, actor, reason string, events *event.Buffer) (Result, error) {
	active, err := e.store.AgentActive(ctx, agentId)
	if err != nil {
		return Result{}, fmt.Errorf("reading agent '%s': %w", agentId, err)
	}
	if !active {
		return failed(ReasonAgentInactive), nil
	}

	snap, err := e.store.TicketSnapshot(ctx, ticketId)
	if errors.Is(err, ticket.ErrNotFound) {
		return failed(ReasonTicketNotFound), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("reading ticket '%s': %w", ticketId, err)
	}
	if !snap.Status.Assignable() {
		return failed(ReasonNotAssignable), nil
	}
	if snap.AssigneeId != nil && *snap.AssigneeId == agentId {
		return failed(ReasonAlreadyAssigned), nil
	}

	now := e.now().UTC()
	claimed, err := e.store.ClaimTicket(ctx, Claim{
		TicketId:        ticketId,
		AgentId:         agentId,
		ExpectedVersion: snap.Version,
		Statuses:        assignableStatuses,
		At:              now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("claiming ticket '%s': %w", ticketId, err)
	}
	if !claimed {
		return failed(ReasonConflict), nil
	}
	if err := e.store.TouchAgent(ctx, agentId, now); err != nil {
		return Result{}, fmt.Errorf("touching agent '%s': %w", agentId, err)
	}

	var previous string
	if snap.AssigneeId != nil {
		previous = snap.AssigneeId.String()
	}
	if events != nil {
		events.Record(event.Assigned(ticketId, actor, now, event.AssignedPayload{
			AssigneeId:         agentId.String(),
			PreviousAssigneeId: previous,
			Reason:             reason,
		}))
	}
	return assigned(agentId, snap.Version+1), nil
}
