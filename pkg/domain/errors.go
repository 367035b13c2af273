package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// InsufficientStockError is returned when a ledger operation would drive an
// inventory counter negative. The operation is rejected, never clamped.
type InsufficientStockError struct {
	EntityID  string
	Group     BloodGroup
	Requested int
	Available int
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: entity %s group %s has %d available, %d requested",
		e.EntityID, e.Group, e.Available, e.Requested)
}

// InvalidUnitStateError is returned when a unit operation is attempted
// against a unit whose status does not permit it.
type InvalidUnitStateError struct {
	UnitID string
	Status UnitStatus
	Op     string
}

func (e InvalidUnitStateError) Error() string {
	return fmt.Sprintf("invalid unit state: cannot %s unit %s in status %s", e.Op, e.UnitID, e.Status)
}

// InvalidTransitionError is returned when a requested status is not part of
// the recognized state machine.
type InvalidTransitionError struct {
	RequestID string
	From      RequestStatus
	To        RequestStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: request %s cannot move from %s to %s", e.RequestID, e.From, e.To)
}

// TerminalStateViolationError is returned when a transition is attempted out
// of a terminal status.
type TerminalStateViolationError struct {
	RequestID string
	Status    RequestStatus
}

func (e TerminalStateViolationError) Error() string {
	return fmt.Sprintf("terminal state violation: request %s is %s", e.RequestID, e.Status)
}

// NoEligibleCounterpartiesError is returned when request creation finds zero
// candidates; nothing is created in that case. Degraded marks a search that
// timed out before covering the directory, so a retry may still find
// counterparties inside the reported radius.
type NoEligibleCounterpartiesError struct {
	Kind         ResourceKind
	RadiusMeters float64
	Degraded     bool
}

func (e NoEligibleCounterpartiesError) Error() string {
	if e.Degraded {
		return fmt.Sprintf("no eligible counterparties for %s request within %.0fm (directory lookup degraded, retry may succeed)", e.Kind, e.RadiusMeters)
	}
	return fmt.Sprintf("no eligible counterparties for %s request within %.0fm", e.Kind, e.RadiusMeters)
}

// ErrNotFound is returned when an entity lookup fails.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// UpstreamTimeoutError is returned when a directory or notification
// collaborator does not answer within its deadline.
type UpstreamTimeoutError struct {
	Upstream string
	Err      error
}

func (e UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout: %s: %v", e.Upstream, e.Err)
}

func (e UpstreamTimeoutError) Unwrap() error { return e.Err }

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	msgs := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, v.Message)
		}
	}
	return "rule violation: " + strings.Join(msgs, "; ")
}
