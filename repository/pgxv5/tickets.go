package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/ticketflow/assignment"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	"github.com/3rs4lg4d0/ticketflow/ticket"
	"github.com/3rs4lg4d0/ticketflow/tickets"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	insertTicketSql   = "INSERT INTO tickets (id, title, description, status, assignee_id, version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"
	getTicketSql      = "SELECT id, title, description, status, assignee_id, version, created_at, updated_at FROM tickets WHERE id=$1"
	updateStatusSql   = "UPDATE tickets SET status=$2, version=version+1, updated_at=$4 WHERE id=$1 AND version=$3"
	ticketSnapshotSql = "SELECT id, status, assignee_id, version FROM tickets WHERE id=$1"
	claimTicketSql    = "UPDATE tickets SET assignee_id=$2, version=version+1, updated_at=$4 WHERE id=$1 AND version=$3 AND status = ANY($5::text[]) AND (NOT $6::boolean OR assignee_id IS NULL)"
	upsertAgentSql    = "INSERT INTO agents (id, name, active, last_assigned_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, active=EXCLUDED.active"
	touchAgentSql     = "UPDATE agents SET last_assigned_at=$2 WHERE id=$1"
	agentActiveSql    = "SELECT active FROM agents WHERE id=$1"
	agentLoadsSql     = `SELECT a.id, a.last_assigned_at,
	COUNT(t.id) FILTER (WHERE t.status IN ('new', 'in-progress', 'waiting')) AS open_count,
	COUNT(t.id) FILTER (WHERE t.status = 'in-progress') AS in_progress_count
FROM agents a
LEFT JOIN tickets t ON t.assignee_id = a.id
WHERE a.active
GROUP BY a.id, a.last_assigned_at`
)

// TicketStore persists tickets and agents with pgx. Every operation joins
// the transaction found in the context, if any.
type TicketStore struct {
	txKey outbox.TxKey
	db    dbpool
}

var _ tickets.Store = (*TicketStore)(nil)
var _ assignment.Store = (*TicketStore)(nil)

func NewTicketStore(txKey outbox.TxKey, pool dbpool) *TicketStore {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &TicketStore{txKey: txKey, db: pool}
}

func (s *TicketStore) Insert(ctx context.Context, t *ticket.Ticket) error {
	_, err := conn(ctx, s.txKey, s.db).Exec(ctx, insertTicketSql,
		t.Id, t.Title, t.Description, string(t.Status), t.AssigneeId, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the ticket: %w", err)
	}
	return nil
}

func (s *TicketStore) Get(ctx context.Context, id uuid.UUID) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var status string
	err := conn(ctx, s.txKey, s.db).QueryRow(ctx, getTicketSql, id).
		Scan(&t.Id, &t.Title, &t.Description, &status, &t.AssigneeId, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ticket.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = ticket.Status(status)
	return &t, nil
}

func (s *TicketStore) UpdateStatus(ctx context.Context, id uuid.UUID, status ticket.Status, expectedVersion int64, at time.Time) (bool, error) {
	ct, err := conn(ctx, s.txKey, s.db).Exec(ctx, updateStatusSql, id, string(status), expectedVersion, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *TicketStore) SaveAgent(ctx context.Context, a *ticket.Agent) error {
	_, err := conn(ctx, s.txKey, s.db).Exec(ctx, upsertAgentSql, a.Id, a.Name, a.Active, a.LastAssignedAt)
	return err
}

func (s *TicketStore) AgentLoads(ctx context.Context) ([]assignment.AgentLoad, error) {
	rows, err := conn(ctx, s.txKey, s.db).Query(ctx, agentLoadsSql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loads []assignment.AgentLoad
	for rows.Next() {
		var l assignment.AgentLoad
		if err := rows.Scan(&l.AgentId, &l.LastAssignedAt, &l.OpenCount, &l.InProgressCount); err != nil {
			return nil, err
		}
		loads = append(loads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return loads, nil
}

func (s *TicketStore) TicketSnapshot(ctx context.Context, id uuid.UUID) (assignment.Snapshot, error) {
	var snap assignment.Snapshot
	var status string
	err := conn(ctx, s.txKey, s.db).QueryRow(ctx, ticketSnapshotSql, id).
		Scan(&snap.TicketId, &status, &snap.AssigneeId, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return assignment.Snapshot{}, ticket.ErrNotFound
	}
	if err != nil {
		return assignment.Snapshot{}, err
	}
	snap.Status = ticket.Status(status)
	return snap, nil
}

// ClaimTicket runs the version checked conditional update. Zero affected
// rows means some other writer got there first.
func (s *TicketStore) ClaimTicket(ctx context.Context, c assignment.Claim) (bool, error) {
	statuses := make([]string, len(c.Statuses))
	for i, st := range c.Statuses {
		statuses[i] = string(st)
	}
	ct, err := conn(ctx, s.txKey, s.db).Exec(ctx, claimTicketSql,
		c.TicketId, c.AgentId, c.ExpectedVersion, c.At, statuses, c.RequireUnassigned)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (s *TicketStore) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := conn(ctx, s.txKey, s.db).Exec(ctx, touchAgentSql, id, at)
	return err
}

func (s *TicketStore) AgentActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := conn(ctx, s.txKey, s.db).QueryRow(ctx, agentActiveSql, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return active, err
}
