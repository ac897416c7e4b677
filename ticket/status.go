package ticket

import (
	"fmt"
	"strings"
)

// Status is the workflow state of a ticket.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in-progress"
	StatusWaiting    Status = "waiting"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Statuses lists every valid status in workflow order.
var Statuses = []Status{StatusNew, StatusInProgress, StatusWaiting, StatusResolved, StatusClosed}

var aliases = map[string]Status{
	"new":         StatusNew,
	"todo":        StatusNew,
	"open":        StatusNew,
	"in-progress": StatusInProgress,
	"in_progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"working":     StatusInProgress,
	"waiting":     StatusWaiting,
	"on-hold":     StatusWaiting,
	"on_hold":     StatusWaiting,
	"onhold":      StatusWaiting,
	"resolved":    StatusResolved,
	"done":        StatusResolved,
	"closed":      StatusClosed,
}

// ParseStatus normalizes a user supplied status. Canonical values and a few
// common aliases are accepted, case-insensitively.
func ParseStatus(s string) (Status, error) {
	if st, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Open reports whether the ticket still counts towards an agent's load.
func (s Status) Open() bool {
	return s == StatusNew || s == StatusInProgress || s == StatusWaiting
}

// Assignable reports whether a ticket in this status may be claimed by an agent.
func (s Status) Assignable() bool {
	return s == StatusNew || s == StatusWaiting
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// CanTransition reports whether a ticket may move from one status to another.
// Closed is terminal and a transition must change the status.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return !from.Terminal() && from != to
}
