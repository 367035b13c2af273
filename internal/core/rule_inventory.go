package core

import (
	"context"
	"fmt"

	"hemocore/pkg/domain"
)

// InventoryBalanceRule blocks any commit that would leave an inventory
// counter negative. The ledger operations reject such mutations before they
// reach the engine; this rule is the transaction-boundary backstop.
func InventoryBalanceRule() domain.Rule {
	return inventoryBalanceRule{}
}

type inventoryBalanceRule struct{}

func (inventoryBalanceRule) Name() string { return "inventory_balance" }

func (inventoryBalanceRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityInventoryRecord {
			continue
		}
		after, ok := change.After.(domain.InventoryRecord)
		if !ok {
			continue
		}
		if after.Available < 0 || after.Reserved < 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "inventory_balance",
				Severity: domain.SeverityBlock,
				Message: fmt.Sprintf("inventory %s/%s would go negative (available=%d reserved=%d)",
					after.EntityID, after.Group, after.Available, after.Reserved),
				Entity:   domain.EntityInventoryRecord,
				EntityID: after.Key(),
			})
		}
	}
	return res, nil
}

// FulfillmentBoundRule blocks any request line fulfilled beyond its demand.
func FulfillmentBoundRule() domain.Rule {
	return fulfillmentBoundRule{}
}

type fulfillmentBoundRule struct{}

func (fulfillmentBoundRule) Name() string { return "fulfillment_bound" }

func (fulfillmentBoundRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityRequest {
			continue
		}
		after, ok := change.After.(domain.Request)
		if !ok {
			continue
		}
		for _, line := range after.Lines {
			if line.UnitsFulfilled > line.UnitsRequested {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "fulfillment_bound",
					Severity: domain.SeverityBlock,
					Message: fmt.Sprintf("request %s group %s fulfilled %d exceeds requested %d",
						after.ID, line.Group, line.UnitsFulfilled, line.UnitsRequested),
					Entity:   domain.EntityRequest,
					EntityID: after.ID,
				})
			}
		}
	}
	return res, nil
}
