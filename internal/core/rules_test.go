package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"hemocore/pkg/domain"
)

// The rules engine is the transaction-boundary backstop: even a raw store
// mutation that bypasses the service cannot commit an invariant violation.

func TestInventoryBalanceRuleBlocksNegativeCounters(t *testing.T) {
	_, store := newTestService(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, uerr := tx.UpsertInventory("ngo-1", domain.GroupOPos, func(r *domain.InventoryRecord) error {
			r.Available = -1
			return nil
		})
		return uerr
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if _, ok := store.GetInventory("ngo-1", domain.GroupOPos); ok {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestFulfillmentBoundRuleBlocksOverfulfillment(t *testing.T) {
	_, store := newTestService(t)
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 2},
	}))

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, uerr := tx.UpdateRequest(request.ID, func(r *domain.Request) error {
			r.Lines[0].UnitsFulfilled = 3
			return nil
		})
		return uerr
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
}

func TestRequestTransitionRuleBlocksUnknownStatus(t *testing.T) {
	_, store := newTestService(t)
	request := seedRequest(t, store, pendingRequest("ngo-1", []domain.RequestLine{
		{Group: domain.GroupOPos, UnitsRequested: 1},
	}))

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, uerr := tx.UpdateRequest(request.ID, func(r *domain.Request) error {
			r.Status = "misrouted"
			return nil
		})
		return uerr
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
}

func TestUnitLifecycleRuleBlocksTerminalExit(t *testing.T) {
	_, store := newTestService(t)
	unit := seedAvailableUnit(t, store, "unit-1", "ngo-1", domain.GroupOPos, testNow.Add(24*time.Hour))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, uerr := tx.UpdateUnit(unit.ID, func(u *domain.ResourceUnit) error {
			u.Status = domain.UnitUsed
			return nil
		})
		return uerr
	})
	if err != nil {
		t.Fatalf("use: %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, uerr := tx.UpdateUnit(unit.ID, func(u *domain.ResourceUnit) error {
			u.Status = domain.UnitAvailable
			return nil
		})
		return uerr
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	committed, _ := store.GetUnit(unit.ID)
	if committed.Status != domain.UnitUsed {
		t.Fatalf("terminal unit must stay used, got %s", committed.Status)
	}
}
