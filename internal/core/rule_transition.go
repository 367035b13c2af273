package core

import (
	"context"
	"fmt"

	"hemocore/pkg/domain"
)

// RequestTransitionRule blocks illegal state transitions on request records:
// unknown statuses and any movement out of a terminal status.
func RequestTransitionRule() domain.Rule {
	return requestTransitionRule{}
}

type requestTransitionRule struct{}

var validRequestStatuses = toSet(
	string(domain.StatusPending),
	string(domain.StatusAccepted),
	string(domain.StatusProcessing),
	string(domain.StatusAssigned),
	string(domain.StatusEnRoute),
	string(domain.StatusDelivered),
	string(domain.StatusCompleted),
	string(domain.StatusCancelled),
	string(domain.StatusRejected),
)

func (requestTransitionRule) Name() string { return "request_transition" }

func (requestTransitionRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityRequest {
			continue
		}
		after, ok := change.After.(domain.Request)
		if !ok {
			continue
		}
		if _, valid := validRequestStatuses[string(after.Status)]; !valid {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "request_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("request %s is set to invalid status %s", after.ID, after.Status),
				Entity:   domain.EntityRequest,
				EntityID: after.ID,
			})
			continue
		}
		before, ok := change.Before.(domain.Request)
		if !ok {
			continue
		}
		if before.Status.Terminal() && after.Status != before.Status {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "request_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cannot move request %s from terminal status %s to %s", before.ID, before.Status, after.Status),
				Entity:   domain.EntityRequest,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}

// UnitLifecycleRule blocks illegal resource unit status transitions: unknown
// statuses and any movement out of used, expired, or discarded.
func UnitLifecycleRule() domain.Rule {
	return unitLifecycleRule{}
}

type unitLifecycleRule struct{}

var (
	validUnitStatuses = toSet(
		string(domain.UnitProcessing),
		string(domain.UnitAvailable),
		string(domain.UnitAssigned),
		string(domain.UnitUsed),
		string(domain.UnitExpired),
		string(domain.UnitDiscarded),
	)
	terminalUnitStatuses = toSet(
		string(domain.UnitUsed),
		string(domain.UnitExpired),
		string(domain.UnitDiscarded),
	)
)

func (unitLifecycleRule) Name() string { return "unit_lifecycle" }

func (unitLifecycleRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityResourceUnit {
			continue
		}
		after, ok := change.After.(domain.ResourceUnit)
		if !ok {
			continue
		}
		if _, valid := validUnitStatuses[string(after.Status)]; !valid {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "unit_lifecycle",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("unit %s is set to invalid status %s", after.ID, after.Status),
				Entity:   domain.EntityResourceUnit,
				EntityID: after.ID,
			})
			continue
		}
		before, ok := change.Before.(domain.ResourceUnit)
		if !ok {
			continue
		}
		if _, terminal := terminalUnitStatuses[string(before.Status)]; terminal && after.Status != before.Status {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "unit_lifecycle",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cannot move unit %s from terminal status %s to %s", before.ID, before.Status, after.Status),
				Entity:   domain.EntityResourceUnit,
				EntityID: after.ID,
			})
		}
	}
	return res, nil
}
